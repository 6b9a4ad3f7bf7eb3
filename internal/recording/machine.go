// Package recording drives the per-question recording lifecycle:
// idle, recording, stopped, uploading, then uploaded or failed.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/interviewcapture/internal/media"
	"github.com/audiolibrelab/interviewcapture/internal/notify"
	"github.com/audiolibrelab/interviewcapture/internal/upload"
)

// Source is the capture side of the media handle
type Source interface {
	Active() bool
	StartCapture(timeslice time.Duration, sink media.ChunkSink) (media.Capture, error)
}

// Deliverable is an assembled segment ready for upload
type Deliverable struct {
	SegmentID  string
	QuestionID int
	Data       []byte
}

// Uploader sends a deliverable to the backend
type Uploader interface {
	Upload(ctx context.Context, d Deliverable) error
}

// UploaderFunc adapts a function to Uploader
type UploaderFunc func(ctx context.Context, d Deliverable) error

func (f UploaderFunc) Upload(ctx context.Context, d Deliverable) error {
	return f(ctx, d)
}

// Options tunes a Machine. Zero values select 1s for both intervals.
type Options struct {
	Timeslice    time.Duration
	TickInterval time.Duration
}

type segment struct {
	id         string
	questionID int
	status     Status
	elapsed    int
	lastErr    error
}

// Machine owns the current segment. At most one segment is recording.
type Machine struct {
	source   Source
	uploader Uploader
	events   notify.Publisher
	opts     Options

	mutex      sync.Mutex
	segment    *segment
	buffer     *ChunkBuffer
	capture    media.Capture
	generation uint64
	stopping   bool

	// elapsed ticker
	tickStop chan struct{}
	tickDone chan struct{}
}

// NewMachine creates a machine recording from source and delivering to uploader
func NewMachine(source Source, uploader Uploader, events notify.Publisher, opts Options) *Machine {
	if events == nil {
		events = notify.Discard
	}
	if opts.Timeslice <= 0 {
		opts.Timeslice = time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Machine{
		source:   source,
		uploader: uploader,
		events:   events,
		opts:     opts,
		buffer:   NewChunkBuffer(),
	}
}

// Arm prepares a fresh idle segment for questionID and returns its id.
// The current segment must be idle or terminal.
func (m *Machine) Arm(questionID int) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.segment != nil && !m.segment.status.Terminal() && m.segment.status != StatusIdle {
		return "", fmt.Errorf("%w: cannot arm while %s", ErrInvalidTransition, m.segment.status)
	}

	m.segment = &segment{
		id:         uuid.New().String(),
		questionID: questionID,
		status:     StatusIdle,
	}
	m.buffer.Reset()
	slog.Debug("Recording segment armed", "segment", m.segment.id, "question", questionID)
	return m.segment.id, nil
}

// Start begins recording the armed segment
func (m *Machine) Start() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.segment == nil {
		return ErrNoSegment
	}
	if m.segment.status != StatusIdle {
		return fmt.Errorf("%w: can only start recording from idle state, current: %s", ErrInvalidTransition, m.segment.status)
	}
	if !m.source.Active() {
		return ErrDeviceNotReady
	}

	m.buffer.Reset()
	m.generation++
	generation := m.generation

	capture, err := m.source.StartCapture(m.opts.Timeslice, func(chunk []byte) {
		m.onChunk(generation, chunk)
	})
	if err != nil {
		if errors.Is(err, media.ErrNoStream) {
			return fmt.Errorf("%w: %w", ErrDeviceNotReady, err)
		}
		return fmt.Errorf("failed to start recording: %w", err)
	}

	m.capture = capture
	m.segment.status = StatusRecording
	m.segment.elapsed = 0
	m.segment.lastErr = nil
	m.startTicker()

	slog.Info("Recording started", "segment", m.segment.id, "question", m.segment.questionID)
	m.events.Publish(notify.Event{
		Kind: notify.RecordingStarted,
		Data: map[string]any{"segment_id": m.segment.id, "question_id": m.segment.questionID},
	})
	return nil
}

func (m *Machine) onChunk(generation uint64, chunk []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if generation != m.generation || m.segment == nil || m.segment.status != StatusRecording {
		slog.Debug("Dropping late media chunk", "bytes", len(chunk))
		return
	}
	m.buffer.Append(chunk)
}

// Stop ends the recording, assembles it and uploads it. It returns once the
// segment has reached uploaded or failed.
func (m *Machine) Stop(ctx context.Context) error {
	m.mutex.Lock()
	if m.segment == nil {
		m.mutex.Unlock()
		return ErrNoSegment
	}
	if m.segment.status != StatusRecording || m.stopping {
		status := m.segment.status
		m.mutex.Unlock()
		return fmt.Errorf("%w: no recording in progress, current: %s", ErrInvalidTransition, status)
	}
	m.stopping = true
	capture := m.capture
	tickDone := m.stopTicker()
	m.mutex.Unlock()

	// the ticker and the final chunk both take the lock
	<-tickDone
	if err := capture.Stop(); err != nil {
		slog.Warn("Capture did not stop cleanly", "error", err)
	}

	m.mutex.Lock()
	seg := m.segment
	m.stopping = false
	m.capture = nil
	m.generation++
	seg.status = StatusStopped
	elapsed := seg.elapsed
	slog.Info("Recording stopped", "segment", seg.id, "elapsed", FormatElapsed(elapsed), "chunks", m.buffer.Len(), "bytes", m.buffer.Size())
	m.events.Publish(notify.Event{
		Kind: notify.RecordingStopped,
		Data: map[string]any{"segment_id": seg.id, "elapsed_seconds": elapsed},
	})

	data, err := m.buffer.Assemble()
	if err != nil {
		seg.status = StatusFailed
		seg.lastErr = err
		m.mutex.Unlock()
		slog.Warn("Nothing to upload", "segment", seg.id, "error", err)
		return err
	}
	seg.status = StatusUploading
	d := Deliverable{SegmentID: seg.id, QuestionID: seg.questionID, Data: data}
	m.mutex.Unlock()

	uploadErr := m.uploader.Upload(ctx, d)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if uploadErr != nil {
		if !errors.Is(uploadErr, upload.ErrUploadFailed) {
			uploadErr = fmt.Errorf("%w: %w", upload.ErrUploadFailed, uploadErr)
		}
		seg.status = StatusFailed
		seg.lastErr = uploadErr
		return uploadErr
	}
	seg.status = StatusUploaded
	return nil
}

// Abort stops an active recording without uploading it
func (m *Machine) Abort() {
	m.mutex.Lock()
	if m.segment == nil || m.segment.status != StatusRecording || m.stopping {
		m.mutex.Unlock()
		return
	}
	m.stopping = true
	capture := m.capture
	tickDone := m.stopTicker()
	m.generation++
	m.mutex.Unlock()

	<-tickDone
	if err := capture.Stop(); err != nil {
		slog.Debug("Capture did not stop cleanly during abort", "error", err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stopping = false
	m.capture = nil
	m.segment.status = StatusFailed
	m.segment.lastErr = ErrAborted
	m.buffer.Reset()
	slog.Info("Recording aborted", "segment", m.segment.id)
}

// startTicker runs the elapsed-seconds counter. Caller holds the lock.
func (m *Machine) startTicker() {
	m.tickStop = make(chan struct{})
	m.tickDone = make(chan struct{})
	stop, done := m.tickStop, m.tickDone

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.opts.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.tick(stop)
			}
		}
	}()
}

func (m *Machine) tick(stop chan struct{}) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	select {
	case <-stop:
		return
	default:
	}
	if m.segment == nil || m.segment.status != StatusRecording {
		return
	}
	m.segment.elapsed++
	m.events.Publish(notify.Event{
		Kind:    notify.RecordingTick,
		Message: FormatElapsed(m.segment.elapsed),
		Data:    map[string]any{"segment_id": m.segment.id, "elapsed_seconds": m.segment.elapsed},
	})
}

// stopTicker signals the ticker and returns its done channel. Caller holds
// the lock and must wait on the channel after releasing it.
func (m *Machine) stopTicker() chan struct{} {
	done := m.tickDone
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
		m.tickDone = nil
	}
	if done == nil {
		done = make(chan struct{})
		close(done)
	}
	return done
}

// Status returns the status of the current segment, idle if none is armed
func (m *Machine) Status() Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.segment == nil {
		return StatusIdle
	}
	return m.segment.status
}

// Recording reports whether a segment is being recorded
func (m *Machine) Recording() bool {
	return m.Status() == StatusRecording
}

// Snapshot returns a copy of the current segment
func (m *Machine) Snapshot() Snapshot {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.segment == nil {
		return Snapshot{Status: StatusIdle}
	}
	s := Snapshot{
		SegmentID:  m.segment.id,
		QuestionID: m.segment.questionID,
		Status:     m.segment.status,
		Elapsed:    m.segment.elapsed,
		Chunks:     m.buffer.Len(),
		Bytes:      m.buffer.Size(),
	}
	if m.segment.lastErr != nil {
		s.LastError = m.segment.lastErr.Error()
	}
	return s
}
