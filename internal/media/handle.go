package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/audiolibrelab/interviewcapture/internal/notify"
)

// Handle owns the capture stream. The recorder and the presence monitor read
// from it; only Acquire and Release change it.
type Handle struct {
	backend Backend
	events  notify.Publisher

	mutex       sync.RWMutex
	stream      Stream
	constraints Constraints
	acquiring   bool
	generation  uint64
	ready       chan struct{}
}

// NewHandle creates a handle with no stream attached
func NewHandle(backend Backend, events notify.Publisher) *Handle {
	if events == nil {
		events = notify.Discard
	}
	return &Handle{
		backend: backend,
		events:  events,
		ready:   make(chan struct{}),
	}
}

// Acquire opens the capture stream. It is the only place a device
// permission prompt can happen.
func (h *Handle) Acquire(ctx context.Context, c Constraints) error {
	h.mutex.Lock()
	if h.stream != nil || h.acquiring {
		h.mutex.Unlock()
		return ErrAlreadyAcquired
	}
	if c.Width <= 0 || c.Height <= 0 {
		h.mutex.Unlock()
		return fmt.Errorf("invalid capture size %dx%d", c.Width, c.Height)
	}
	h.acquiring = true
	generation := h.generation
	h.mutex.Unlock()

	slog.Debug("Acquiring capture device", "backend", h.backend.GetType(), "width", c.Width, "height", c.Height, "audio", c.Audio)
	stream, err := h.backend.Open(ctx, c)

	h.mutex.Lock()
	h.acquiring = false
	if err != nil {
		h.mutex.Unlock()
		slog.Error("Capture device unavailable", "backend", h.backend.GetType(), "error", err)
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if generation != h.generation {
		// Released while the backend was opening
		h.mutex.Unlock()
		stream.Close()
		return fmt.Errorf("%w: released during acquisition", ErrDeviceUnavailable)
	}
	h.stream = stream
	h.constraints = c
	close(h.ready)
	h.mutex.Unlock()

	slog.Info("Capture device ready", "backend", h.backend.GetType())
	h.events.Publish(notify.Event{
		Kind: notify.DeviceReady,
		Data: map[string]any{"width": c.Width, "height": c.Height, "audio": c.Audio},
	})
	return nil
}

// Release stops every track. Releasing a released handle is a no-op.
func (h *Handle) Release() error {
	h.mutex.Lock()
	h.generation++
	stream := h.stream
	if stream == nil {
		h.mutex.Unlock()
		return nil
	}
	h.stream = nil
	h.ready = make(chan struct{})
	h.mutex.Unlock()

	err := stream.Close()
	slog.Info("Capture device released")
	h.events.Publish(notify.Event{Kind: notify.DeviceReleased})
	if err != nil {
		return fmt.Errorf("failed to close capture stream: %w", err)
	}
	return nil
}

// Ready returns a channel closed once the current acquisition succeeds
func (h *Handle) Ready() <-chan struct{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.ready
}

// Active reports whether a stream is attached
func (h *Handle) Active() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.stream != nil
}

// Constraints returns the constraints of the attached stream
func (h *Handle) Constraints() Constraints {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.constraints
}

// Frame returns the latest video frame as a raster of the acquired size
func (h *Handle) Frame() (*image.RGBA, error) {
	h.mutex.RLock()
	stream := h.stream
	c := h.constraints
	h.mutex.RUnlock()

	if stream == nil {
		return nil, ErrNoFrameAvailable
	}
	src, ok := stream.LatestFrame()
	if !ok || src == nil {
		return nil, ErrNoFrameAvailable
	}

	dst := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	if src.Bounds().Dx() == c.Width && src.Bounds().Dy() == c.Height {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}
	return dst, nil
}

// StartCapture starts an encoder on the attached stream
func (h *Handle) StartCapture(timeslice time.Duration, sink ChunkSink) (Capture, error) {
	h.mutex.RLock()
	stream := h.stream
	h.mutex.RUnlock()

	if stream == nil {
		return nil, ErrNoStream
	}
	capture, err := stream.StartCapture(timeslice, sink)
	if err != nil {
		return nil, fmt.Errorf("failed to start capture: %w", err)
	}
	return capture, nil
}

// ListDevices lists the devices of the handle's backend
func (h *Handle) ListDevices() ([]string, error) {
	return h.backend.ListDevices()
}

// IsUnavailable reports whether err is a device acquisition failure
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable)
}
