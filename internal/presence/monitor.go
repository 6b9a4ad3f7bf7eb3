// Package presence periodically samples the camera and warns when more than
// one face is in view.
package presence

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/interviewcapture/internal/config"
	"github.com/audiolibrelab/interviewcapture/internal/media"
	"github.com/audiolibrelab/interviewcapture/internal/notify"
)

var ErrPresenceCheckFailed = errors.New("presence check failed")

// FrameSource provides the current camera frame
type FrameSource interface {
	Frame() (*image.RGBA, error)
}

// FaceChecker counts the faces in a JPEG data URL
type FaceChecker interface {
	DetectFaces(ctx context.Context, imageDataURL string) (int, error)
}

// Warning is the latest applied presence result
type Warning struct {
	Active    bool      `json:"active"`
	FaceCount int       `json:"face_count"`
	CheckedAt time.Time `json:"checked_at"`
}

// Message is the text shown while the warning is active
func (w Warning) Message() string {
	if !w.Active {
		return ""
	}
	return fmt.Sprintf("Multiple faces detected (%d). Please make sure you are alone.", w.FaceCount)
}

// Options tunes a Monitor
type Options struct {
	Interval     time.Duration
	CheckTimeout time.Duration
	JPEGQuality  int
}

// OptionsFromConfig builds options from the presence section
func OptionsFromConfig(cfg config.PresenceConfig) Options {
	return Options{
		Interval:     cfg.Interval,
		CheckTimeout: cfg.CheckTimeout,
		JPEGQuality:  cfg.JPEGQuality,
	}
}

// Monitor runs a face check every interval. Checks run concurrently; a
// result is applied only if it belongs to a newer submission than the last
// applied one.
type Monitor struct {
	frames  FrameSource
	checker FaceChecker
	events  notify.Publisher
	opts    Options

	mutex    sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
	epoch    uint64
	seq      uint64
	applied  uint64
	warning  Warning
}

// NewMonitor creates a stopped monitor
func NewMonitor(frames FrameSource, checker FaceChecker, events notify.Publisher, opts Options) *Monitor {
	if events == nil {
		events = notify.Discard
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = opts.Interval
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	return &Monitor{frames: frames, checker: checker, events: events, opts: opts}
}

// Start begins periodic checks. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})
	go m.loop(m.stopChan, m.doneChan)
	slog.Debug("Presence monitoring started", "interval", m.opts.Interval)
}

func (m *Monitor) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.submit()
		}
	}
}

// Stop cancels the ticker and waits for the loop to exit. Checks still in
// flight finish on their own and their results are ignored. The warning is
// cleared even when only manual checks ran.
func (m *Monitor) Stop() {
	m.mutex.Lock()
	m.resetLocked()
	if !m.running {
		m.mutex.Unlock()
		return
	}
	m.running = false
	stop, done := m.stopChan, m.doneChan
	m.mutex.Unlock()

	close(stop)
	<-done
	slog.Debug("Presence monitoring stopped")
}

// Reset clears the warning and ignores every check submitted before it.
// Periodic checks keep running.
func (m *Monitor) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.resetLocked()
}

func (m *Monitor) resetLocked() {
	m.epoch++
	m.warning = Warning{}
}

// Running reports whether periodic checks are active
func (m *Monitor) Running() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.running
}

// Warning returns the current warning
func (m *Monitor) Warning() Warning {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.warning
}

// submit grabs a frame and dispatches a check without waiting for it
func (m *Monitor) submit() bool {
	epoch, seq, dataURL, err := m.prepare()
	if err != nil {
		slog.Debug("Skipping presence check", "error", err)
		return false
	}
	go m.runCheck(context.Background(), epoch, seq, dataURL)
	return true
}

// CheckNow runs one check synchronously and returns the resulting warning.
// The result is subject to the same ordering rule as periodic checks.
func (m *Monitor) CheckNow(ctx context.Context) (Warning, error) {
	epoch, seq, dataURL, err := m.prepare()
	if err != nil {
		return m.Warning(), fmt.Errorf("%w: %w", ErrPresenceCheckFailed, err)
	}
	if err := m.runCheck(ctx, epoch, seq, dataURL); err != nil {
		return m.Warning(), err
	}
	return m.Warning(), nil
}

func (m *Monitor) prepare() (uint64, uint64, string, error) {
	frame, err := m.frames.Frame()
	if err != nil {
		return 0, 0, "", err
	}
	encoded, err := media.EncodeJPEG(frame, m.opts.JPEGQuality)
	if err != nil {
		return 0, 0, "", err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.seq++
	return m.epoch, m.seq, media.DataURL(encoded), nil
}

func (m *Monitor) runCheck(ctx context.Context, epoch, seq uint64, dataURL string) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
	defer cancel()

	count, err := m.checker.DetectFaces(ctx, dataURL)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrPresenceCheckFailed, err)
		slog.Warn("Face detection failed", "seq", seq, "error", err)
		m.events.Publish(notify.Event{
			Kind: notify.PresenceChecked,
			Data: map[string]any{"seq": seq, "error": err.Error()},
		})
		return err
	}

	applied := m.apply(epoch, seq, count)
	m.events.Publish(notify.Event{
		Kind: notify.PresenceChecked,
		Data: map[string]any{"seq": seq, "face_count": count, "applied": applied},
	})
	return nil
}

// apply records a result unless a newer submission was already applied or
// the monitor has been stopped since the submission.
func (m *Monitor) apply(epoch, seq uint64, count int) bool {
	m.mutex.Lock()
	if epoch != m.epoch || seq <= m.applied {
		m.mutex.Unlock()
		slog.Debug("Discarding stale presence result", "seq", seq, "applied", m.applied, "face_count", count)
		return false
	}
	m.applied = seq
	previous := m.warning
	m.warning = Warning{Active: count > 1, FaceCount: count, CheckedAt: time.Now()}
	current := m.warning
	m.mutex.Unlock()

	switch {
	case current.Active && (!previous.Active || previous.FaceCount != current.FaceCount):
		slog.Info("Multiple faces detected", "face_count", count)
		m.events.Publish(notify.Event{
			Kind:    notify.FaceWarning,
			Message: current.Message(),
			Data:    map[string]any{"face_count": count},
		})
	case !current.Active && previous.Active:
		slog.Info("Face warning cleared", "face_count", count)
		m.events.Publish(notify.Event{
			Kind: notify.FaceWarningCleared,
			Data: map[string]any{"face_count": count},
		})
	}
	return true
}
