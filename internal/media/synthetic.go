package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"
)

// SyntheticBackend produces a moving test pattern and deterministic media
// chunks. It needs no devices and backs headless runs and tests.
type SyntheticBackend struct {
	// OpenErr, when set, is returned from Open to simulate a denied device
	OpenErr error
}

// NewSyntheticBackend creates a synthetic backend
func NewSyntheticBackend() *SyntheticBackend {
	return &SyntheticBackend{}
}

func (b *SyntheticBackend) Open(ctx context.Context, c Constraints) (Stream, error) {
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newSyntheticStream(c), nil
}

func (b *SyntheticBackend) ListDevices() ([]string, error) {
	return []string{"synthetic:test-pattern", "synthetic:silence"}, nil
}

func (b *SyntheticBackend) GetType() BackendType {
	return BackendTypeSynthetic
}

type syntheticStream struct {
	constraints Constraints
	started     time.Time

	mutex  sync.Mutex
	closed bool
}

func newSyntheticStream(c Constraints) *syntheticStream {
	return &syntheticStream{constraints: c, started: time.Now()}
}

// LatestFrame renders a gradient whose offset follows the stream age
func (s *syntheticStream) LatestFrame() (image.Image, bool) {
	s.mutex.Lock()
	closed := s.closed
	s.mutex.Unlock()
	if closed {
		return nil, false
	}

	w, h := s.constraints.Width, s.constraints.Height
	offset := int(time.Since(s.started) / (100 * time.Millisecond))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x + offset) % 256),
				G: uint8((y + offset) % 256),
				B: 128,
				A: 255,
			})
		}
	}
	return img, true
}

func (s *syntheticStream) StartCapture(timeslice time.Duration, sink ChunkSink) (Capture, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil, ErrNoStream
	}
	if timeslice <= 0 {
		timeslice = time.Second
	}

	c := &syntheticCapture{
		sink:     sink,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go c.run(timeslice)
	return c, nil
}

func (s *syntheticStream) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return nil
}

type syntheticCapture struct {
	sink     ChunkSink
	seq      int
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

func (c *syntheticCapture) run(timeslice time.Duration) {
	defer close(c.doneChan)
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			c.emit()
			return
		case <-ticker.C:
			c.emit()
		}
	}
}

func (c *syntheticCapture) emit() {
	c.seq++
	c.sink([]byte(fmt.Sprintf("synthetic-chunk-%04d;", c.seq)))
}

// Stop emits the final chunk and returns once it has been delivered
func (c *syntheticCapture) Stop() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	<-c.doneChan
	return nil
}
