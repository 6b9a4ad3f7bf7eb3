package media

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/audiolibrelab/interviewcapture/internal/config"
)

var (
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrNoFrameAvailable  = errors.New("no video frame available")
	ErrAlreadyAcquired   = errors.New("capture device already acquired")
	ErrNoStream          = errors.New("no capture stream attached")
)

// BackendType represents the type of capture backend
type BackendType string

const (
	BackendTypeFFmpeg    BackendType = "ffmpeg"
	BackendTypeSynthetic BackendType = "synthetic"
	BackendTypeAuto      BackendType = "auto"
)

// Constraints describes the stream requested from a backend
type Constraints struct {
	Width     int
	Height    int
	FrameRate int
	Audio     bool
}

// DefaultConstraints is a 640x480 video stream with audio
func DefaultConstraints() Constraints {
	return Constraints{Width: 640, Height: 480, FrameRate: 15, Audio: true}
}

// ConstraintsFromConfig builds constraints from the device section
func ConstraintsFromConfig(cfg *config.Config) Constraints {
	return Constraints{
		Width:     cfg.Device.Width,
		Height:    cfg.Device.Height,
		FrameRate: cfg.Device.FrameRate,
		Audio:     true,
	}
}

// ChunkSink receives encoded media chunks in production order
type ChunkSink func(chunk []byte)

// Capture is one running encoder. Stop halts it and delivers the final
// chunk to the sink before returning.
type Capture interface {
	Stop() error
}

// Stream is an open audio+video capture stream
type Stream interface {
	// LatestFrame returns the most recent decoded video frame, false if
	// the stream has not produced one yet.
	LatestFrame() (image.Image, bool)

	// StartCapture begins encoding the stream, handing a chunk to sink
	// every timeslice.
	StartCapture(timeslice time.Duration, sink ChunkSink) (Capture, error)

	Close() error
}

// Backend defines the interface for capture backend implementations
type Backend interface {
	// Open acquires the devices. This is where permission errors surface.
	Open(ctx context.Context, c Constraints) (Stream, error)

	// List available capture devices
	ListDevices() ([]string, error)

	// Get the backend type
	GetType() BackendType
}

// NewBackend creates a backend based on configuration
func NewBackend(cfg *config.Config) Backend {
	switch determineBackend(cfg) {
	case BackendTypeSynthetic:
		return NewSyntheticBackend()
	default:
		return NewFFmpegBackend(cfg)
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Device.Backend) {
	case "ffmpeg":
		return BackendTypeFFmpeg
	case "synthetic":
		return BackendTypeSynthetic
	}

	// auto: ffmpeg when the binary can be found
	ffmpegPath := cfg.Device.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if _, err := exec.LookPath(ffmpegPath); err != nil {
		slog.Debug("ffmpeg not found, using synthetic capture backend", "ffmpeg", ffmpegPath)
		return BackendTypeSynthetic
	}
	return BackendTypeFFmpeg
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends(cfg *config.Config) []BackendType {
	backends := []BackendType{BackendTypeSynthetic}
	ffmpegPath := cfg.Device.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if _, err := exec.LookPath(ffmpegPath); err == nil {
		backends = append([]BackendType{BackendTypeFFmpeg}, backends...)
	}
	return backends
}
