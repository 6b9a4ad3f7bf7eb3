package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/audiolibrelab/interviewcapture/internal/config"
)

const (
	firstFrameTimeout = 10 * time.Second
	maxFrameSize      = 8 * 1024 * 1024
)

// FFmpegBackend captures from a V4L2 camera and a PulseAudio/ALSA source.
// A preview process keeps the latest frame; each recording runs its own
// encoder fed with the preview frames.
type FFmpegBackend struct {
	cfg  config.DeviceConfig
	path string

	codecOnce sync.Once
	codec     string
	codecErr  error
}

// NewFFmpegBackend creates a new FFmpeg backend
func NewFFmpegBackend(cfg *config.Config) *FFmpegBackend {
	path := cfg.Device.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegBackend{cfg: cfg.Device, path: path}
}

func (b *FFmpegBackend) GetType() BackendType {
	return BackendTypeFFmpeg
}

// ListDevices lists video devices under /dev and audio sources reported by ffmpeg
func (b *FFmpegBackend) ListDevices() ([]string, error) {
	var devices []string

	videos, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("failed to list video devices: %w", err)
	}
	sort.Strings(videos)
	for _, v := range videos {
		devices = append(devices, "video:"+v)
	}

	if b.cfg.AudioFormat != "" {
		out, err := exec.Command(b.path, "-hide_banner", "-sources", b.cfg.AudioFormat).CombinedOutput()
		if err != nil {
			// ffmpeg exits non-zero for some formats while still listing sources
			slog.Debug("ffmpeg -sources returned an error", "format", b.cfg.AudioFormat, "error", err)
		}
		for _, src := range parseSources(string(out)) {
			devices = append(devices, "audio:"+src)
		}
	}

	return devices, nil
}

// Open starts the preview process and waits for its first frame. Device
// permission and busy errors surface here as the process exiting early.
func (b *FFmpegBackend) Open(ctx context.Context, c Constraints) (Stream, error) {
	s := &ffmpegStream{
		backend:     b,
		constraints: c,
		subscribers: make(map[int]chan []byte),
		firstFrame:  make(chan struct{}),
	}

	proc, err := startProcess("preview", b.path, b.previewArgs(c), false, s.readFrames)
	if err != nil {
		return nil, err
	}
	s.preview = proc

	timer := time.NewTimer(firstFrameTimeout)
	defer timer.Stop()

	select {
	case <-s.firstFrame:
		return s, nil
	case <-proc.exited:
		msg := proc.lastStderrLine()
		if msg == "" {
			msg = "preview process exited before producing a frame"
		}
		return nil, fmt.Errorf("%s: %s", b.cfg.VideoDevice, msg)
	case <-ctx.Done():
		proc.stop()
		return nil, ctx.Err()
	case <-timer.C:
		proc.stop()
		return nil, fmt.Errorf("%s: no frame within %s", b.cfg.VideoDevice, firstFrameTimeout)
	}
}

// logLevel is ffmpeg's own log level, raised with FFMPEG_LOGLEVEL
func logLevel() string {
	if level := os.Getenv("FFMPEG_LOGLEVEL"); level != "" {
		return level
	}
	return "error"
}

func (b *FFmpegBackend) previewArgs(c Constraints) []string {
	return []string{
		"-hide_banner", "-loglevel", logLevel(),
		"-f", "v4l2",
		"-framerate", strconv.Itoa(c.FrameRate),
		"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-i", b.cfg.VideoDevice,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	}
}

// encoderArgs builds the WebM encoder invocation: MJPEG frames on stdin,
// audio straight from the device, WebM clusters on stdout.
func (b *FFmpegBackend) encoderArgs(c Constraints, codec string) []string {
	args := []string{
		"-hide_banner", "-loglevel", logLevel(),
		"-f", "mjpeg",
		"-framerate", strconv.Itoa(c.FrameRate),
		"-i", "pipe:0",
	}
	withAudio := c.Audio && b.cfg.AudioFormat != ""
	if withAudio {
		args = append(args, "-f", b.cfg.AudioFormat, "-i", b.cfg.AudioDevice)
	}

	args = append(args, "-map", "0:v")
	if withAudio {
		args = append(args, "-map", "1:a")
	}

	if codec != "" {
		args = append(args, "-c:v", codec, "-deadline", "realtime", "-cpu-used", "8", "-b:v", "1M")
	}
	if withAudio {
		args = append(args, "-c:a", "libopus")
	}

	return append(args, "-f", "webm", "-live", "1", "pipe:1")
}

// videoCodec probes the ffmpeg build once for the preferred encoder
func (b *FFmpegBackend) videoCodec() (string, error) {
	b.codecOnce.Do(func() {
		out, err := exec.Command(b.path, "-hide_banner", "-encoders").Output()
		if err != nil {
			b.codecErr = fmt.Errorf("failed to list ffmpeg encoders: %w", err)
			return
		}
		b.codec, b.codecErr = selectVideoCodec(b.cfg.VideoCodec, string(out))
		if b.codecErr == nil {
			codec := b.codec
			if codec == "" {
				codec = "webm default"
			}
			slog.Debug("Selected video encoder", "codec", codec)
		}
	})
	return b.codec, b.codecErr
}

type ffmpegStream struct {
	backend     *FFmpegBackend
	constraints Constraints
	preview     *ffmpegProcess

	mutex       sync.Mutex
	latest      []byte
	latestSeq   uint64
	decoded     image.Image
	decodedSeq  uint64
	subscribers map[int]chan []byte
	nextSub     int
	firstFrame  chan struct{}
	gotFirst    bool
	closed      bool
}

func (s *ffmpegStream) readFrames(r io.Reader) {
	scanner := newJPEGScanner(r, maxFrameSize)
	for scanner.Scan() {
		frame := bytes.Clone(scanner.Bytes())

		s.mutex.Lock()
		s.latest = frame
		s.latestSeq++
		if !s.gotFirst {
			s.gotFirst = true
			close(s.firstFrame)
		}
		for id, ch := range s.subscribers {
			select {
			case ch <- frame:
			default:
				slog.Debug("Encoder is behind, dropping frame", "subscriber", id)
			}
		}
		s.mutex.Unlock()
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("Preview stream read failed", "error", err)
	}
	// drain so the process is never blocked on a full pipe
	io.Copy(io.Discard, r)
}

// LatestFrame decodes the most recent preview frame, reusing the previous
// decode when no new frame has arrived.
func (s *ffmpegStream) LatestFrame() (image.Image, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed || s.latest == nil {
		return nil, false
	}
	if s.decoded != nil && s.decodedSeq == s.latestSeq {
		return s.decoded, true
	}
	img, err := jpeg.Decode(bytes.NewReader(s.latest))
	if err != nil {
		slog.Debug("Failed to decode preview frame", "error", err)
		return s.decoded, s.decoded != nil
	}
	s.decoded = img
	s.decodedSeq = s.latestSeq
	return img, true
}

func (s *ffmpegStream) subscribe() (int, chan []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan []byte, 2*max(s.constraints.FrameRate, 1))
	s.subscribers[id] = ch
	return id, ch
}

func (s *ffmpegStream) unsubscribe(id int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *ffmpegStream) StartCapture(timeslice time.Duration, sink ChunkSink) (Capture, error) {
	s.mutex.Lock()
	closed := s.closed
	s.mutex.Unlock()
	if closed {
		return nil, ErrNoStream
	}
	if timeslice <= 0 {
		timeslice = time.Second
	}

	codec, err := s.backend.videoCodec()
	if err != nil {
		return nil, err
	}

	c := &ffmpegCapture{
		stream:   s,
		sink:     sink,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	proc, err := startProcess("encoder", s.backend.path, s.backend.encoderArgs(s.constraints, codec), true, c.readOutput)
	if err != nil {
		return nil, err
	}
	c.proc = proc

	id, frames := s.subscribe()
	c.subID = id
	go c.feed(frames)
	go c.flushLoop(timeslice)

	return c, nil
}

func (s *ffmpegStream) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mutex.Unlock()

	return s.preview.stop()
}

type ffmpegCapture struct {
	stream *ffmpegStream
	proc   *ffmpegProcess
	sink   ChunkSink
	subID  int

	mutex sync.Mutex
	buf   bytes.Buffer

	stopOnce sync.Once
	stopErr  error
	stopChan chan struct{}
	doneChan chan struct{}
}

// feed writes preview frames to the encoder until the subscription closes
func (c *ffmpegCapture) feed(frames <-chan []byte) {
	for frame := range frames {
		if _, err := c.proc.stdin.Write(frame); err != nil {
			slog.Debug("Encoder stdin closed", "error", err)
			break
		}
	}
	c.proc.stdin.Close()
	for range frames {
	}
}

func (c *ffmpegCapture) readOutput(r io.Reader) {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			c.mutex.Lock()
			c.buf.Write(chunk[:n])
			c.mutex.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (c *ffmpegCapture) flush() {
	c.mutex.Lock()
	if c.buf.Len() == 0 {
		c.mutex.Unlock()
		return
	}
	data := bytes.Clone(c.buf.Bytes())
	c.buf.Reset()
	c.mutex.Unlock()

	c.sink(data)
}

func (c *ffmpegCapture) flushLoop(timeslice time.Duration) {
	defer close(c.doneChan)
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

// Stop finalizes the encoder and delivers what is left as the last chunk
func (c *ffmpegCapture) Stop() error {
	c.stopOnce.Do(func() {
		c.stream.unsubscribe(c.subID)
		c.stopErr = c.proc.stop()

		close(c.stopChan)
		<-c.doneChan
		c.flush()
	})
	return c.stopErr
}
