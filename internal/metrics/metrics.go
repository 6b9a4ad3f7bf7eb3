// Package metrics exposes capture and upload counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/interviewcapture/internal/notify"
)

// Metrics holds the Prometheus collectors of one controller
type Metrics struct {
	registry *prometheus.Registry

	RecordingsTotal   prometheus.Counter
	RecordingSeconds  prometheus.Histogram
	UploadsTotal      *prometheus.CounterVec
	UploadBytesTotal  prometheus.Counter
	PresenceChecks    *prometheus.CounterVec
	FaceWarningsTotal prometheus.Counter
	SessionsCompleted prometheus.Counter
	DeviceActive      prometheus.Gauge
	ErrorsTotal       prometheus.Counter
}

// New creates a Metrics instance on a private registry
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "interviewcapture"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RecordingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Total number of recordings started",
		}),
		RecordingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_duration_seconds",
			Help:      "Length of stopped recordings in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}),
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of answer uploads",
		}, []string{"status"}),
		UploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total bytes of uploaded recordings",
		}),
		PresenceChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_checks_total",
			Help:      "Total number of face checks by result",
		}, []string{"result"}),
		FaceWarningsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "face_warnings_total",
			Help:      "Total number of multiple-face warnings raised",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Total number of completed interview sessions",
		}),
		DeviceActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_active",
			Help:      "1 while the capture device is acquired",
		}),
		ErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors surfaced to the user",
		}),
	}

	registry.MustRegister(
		m.RecordingsTotal,
		m.RecordingSeconds,
		m.UploadsTotal,
		m.UploadBytesTotal,
		m.PresenceChecks,
		m.FaceWarningsTotal,
		m.SessionsCompleted,
		m.DeviceActive,
		m.ErrorsTotal,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe updates the collectors from one event
func (m *Metrics) Observe(e notify.Event) {
	switch e.Kind {
	case notify.RecordingStarted:
		m.RecordingsTotal.Inc()
	case notify.RecordingStopped:
		if secs, ok := e.Data["elapsed_seconds"].(int); ok {
			m.RecordingSeconds.Observe(float64(secs))
		}
	case notify.UploadSucceeded:
		m.UploadsTotal.WithLabelValues("success").Inc()
		if n, ok := e.Data["bytes"].(int); ok {
			m.UploadBytesTotal.Add(float64(n))
		}
	case notify.UploadFailed:
		m.UploadsTotal.WithLabelValues("failure").Inc()
	case notify.PresenceChecked:
		switch {
		case e.Data["error"] != nil:
			m.PresenceChecks.WithLabelValues("error").Inc()
		case e.Data["applied"] == false:
			m.PresenceChecks.WithLabelValues("stale").Inc()
		default:
			m.PresenceChecks.WithLabelValues("applied").Inc()
		}
	case notify.FaceWarning:
		m.FaceWarningsTotal.Inc()
	case notify.SessionCompleted:
		m.SessionsCompleted.Inc()
	case notify.DeviceReady:
		m.DeviceActive.Set(1)
	case notify.DeviceReleased:
		m.DeviceActive.Set(0)
	case notify.Error:
		m.ErrorsTotal.Inc()
	}
}

// Run feeds events into the collectors until the channel closes
func (m *Metrics) Run(events <-chan notify.Event) {
	for e := range events {
		m.Observe(e)
	}
}
