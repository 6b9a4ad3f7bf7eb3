package recording

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/interviewcapture/internal/media"
	"github.com/audiolibrelab/interviewcapture/internal/notify"
	"github.com/audiolibrelab/interviewcapture/internal/upload"
)

// fakeSource hands the sink to the test so chunks can be pushed manually
type fakeSource struct {
	mu     sync.Mutex
	active bool
	sinks  []media.ChunkSink
	final  []byte
	err    error
}

func (s *fakeSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *fakeSource) StartCapture(_ time.Duration, sink media.ChunkSink) (media.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.sinks = append(s.sinks, sink)
	return &fakeCapture{sink: sink, final: s.final}, nil
}

func (s *fakeSource) push(chunk string) {
	s.mu.Lock()
	sink := s.sinks[len(s.sinks)-1]
	s.mu.Unlock()
	sink([]byte(chunk))
}

func (s *fakeSource) sink(i int) media.ChunkSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinks[i]
}

type fakeCapture struct {
	sink  media.ChunkSink
	final []byte
}

func (c *fakeCapture) Stop() error {
	if c.final != nil {
		c.sink(c.final)
	}
	return nil
}

type recordingUploader struct {
	mu      sync.Mutex
	err     error
	uploads []Deliverable
}

func (u *recordingUploader) Upload(_ context.Context, d Deliverable) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, d)
	return u.err
}

func (u *recordingUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.uploads)
}

func newTestMachine(source *fakeSource, uploader Uploader) *Machine {
	return NewMachine(source, uploader, nil, Options{Timeslice: time.Second, TickInterval: time.Hour})
}

func TestMachine_StartRequiresArm(t *testing.T) {
	m := newTestMachine(&fakeSource{active: true}, &recordingUploader{})
	assert.ErrorIs(t, m.Start(), ErrNoSegment)
	assert.Equal(t, StatusIdle, m.Status())
}

func TestMachine_StartWithoutDevice(t *testing.T) {
	m := newTestMachine(&fakeSource{active: false}, &recordingUploader{})
	_, err := m.Arm(1)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Start(), ErrDeviceNotReady)
	assert.Equal(t, StatusIdle, m.Status())
}

func TestMachine_StartWhenStreamGone(t *testing.T) {
	src := &fakeSource{active: true, err: media.ErrNoStream}
	m := newTestMachine(src, &recordingUploader{})
	_, err := m.Arm(1)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Start(), ErrDeviceNotReady)
	assert.Equal(t, StatusIdle, m.Status())
}

func TestMachine_OnlyOneRecording(t *testing.T) {
	m := newTestMachine(&fakeSource{active: true}, &recordingUploader{})
	_, err := m.Arm(1)
	require.NoError(t, err)
	require.NoError(t, m.Start())

	assert.ErrorIs(t, m.Start(), ErrInvalidTransition)
	_, err = m.Arm(2)
	assert.ErrorIs(t, err, ErrInvalidTransition, "arming while recording must fail")
	assert.True(t, m.Recording())
}

func TestMachine_StopUploadsConcatenatedChunks(t *testing.T) {
	src := &fakeSource{active: true, final: []byte("c3")}
	uploader := &recordingUploader{}
	bus := notify.NewBus(16)
	events, cancel := bus.Subscribe()
	defer cancel()

	m := NewMachine(src, uploader, bus, Options{TickInterval: time.Hour})
	segmentID, err := m.Arm(7)
	require.NoError(t, err)
	require.NoError(t, m.Start())

	src.push("c1")
	src.push("")
	src.push("c2")

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, StatusUploaded, m.Status())

	require.Equal(t, 1, uploader.count())
	d := uploader.uploads[0]
	assert.Equal(t, "c1c2c3", string(d.Data))
	assert.Equal(t, 7, d.QuestionID)
	assert.Equal(t, segmentID, d.SegmentID)

	assert.Equal(t, notify.RecordingStarted, (<-events).Kind)
	assert.Equal(t, notify.RecordingStopped, (<-events).Kind)
}

func TestMachine_StopWithoutRecording(t *testing.T) {
	m := newTestMachine(&fakeSource{active: true}, &recordingUploader{})
	assert.ErrorIs(t, m.Stop(context.Background()), ErrNoSegment)

	_, err := m.Arm(1)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Stop(context.Background()), ErrInvalidTransition)
	assert.Equal(t, StatusIdle, m.Status())
}

func TestMachine_EmptyRecordingFails(t *testing.T) {
	bus := notify.NewBus(16)
	events, cancel := bus.Subscribe()
	defer cancel()

	uploader := &recordingUploader{}
	m := NewMachine(&fakeSource{active: true}, uploader, bus, Options{Timeslice: time.Second, TickInterval: time.Hour})
	_, err := m.Arm(1)
	require.NoError(t, err)
	require.NoError(t, m.Start())

	err = m.Stop(context.Background())
	assert.ErrorIs(t, err, ErrEmptyRecording)
	assert.Equal(t, StatusFailed, m.Status())
	assert.Equal(t, 0, uploader.count(), "an empty recording must never be uploaded")
	assert.Equal(t, ErrEmptyRecording.Error(), m.Snapshot().LastError)

	// reporting the failure is left to the caller
	for len(events) > 0 {
		assert.NotEqual(t, notify.Error, (<-events).Kind)
	}
}

func TestMachine_UploadFailure(t *testing.T) {
	src := &fakeSource{active: true}
	uploader := &recordingUploader{err: errors.New("connection refused")}
	m := newTestMachine(src, uploader)
	_, err := m.Arm(1)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	src.push("data")

	err = m.Stop(context.Background())
	assert.ErrorIs(t, err, upload.ErrUploadFailed)
	assert.Equal(t, StatusFailed, m.Status())
	assert.Equal(t, 1, uploader.count(), "no automatic retry")
}

func TestMachine_LateChunksAreDropped(t *testing.T) {
	src := &fakeSource{active: true}
	uploader := &recordingUploader{}
	m := newTestMachine(src, uploader)

	_, err := m.Arm(1)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	src.push("first")
	require.NoError(t, m.Stop(context.Background()))

	_, err = m.Arm(2)
	require.NoError(t, err)
	require.NoError(t, m.Start())

	// chunk from the first capture arrives late
	src.sink(0)([]byte("stale"))
	src.push("second")
	require.NoError(t, m.Stop(context.Background()))

	require.Equal(t, 2, uploader.count())
	assert.Equal(t, "first", string(uploader.uploads[0].Data))
	assert.Equal(t, "second", string(uploader.uploads[1].Data))
}

func TestMachine_ChunksAfterStopAreDropped(t *testing.T) {
	src := &fakeSource{active: true}
	m := newTestMachine(src, &recordingUploader{})
	_, err := m.Arm(1)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	src.push("a")
	require.NoError(t, m.Stop(context.Background()))

	src.push("late")
	assert.Equal(t, 1, m.Snapshot().Chunks)
}

func TestMachine_RearmAfterFailure(t *testing.T) {
	src := &fakeSource{active: true}
	m := newTestMachine(src, &recordingUploader{})
	_, err := m.Arm(3)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	require.ErrorIs(t, m.Stop(context.Background()), ErrEmptyRecording)

	id, err := m.Arm(3)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, StatusIdle, m.Status())
	assert.Empty(t, m.Snapshot().LastError)
}

func TestMachine_ElapsedTicker(t *testing.T) {
	src := &fakeSource{active: true}
	bus := notify.NewBus(64)
	events, cancel := bus.Subscribe()
	defer cancel()

	m := NewMachine(src, &recordingUploader{}, bus, Options{TickInterval: 5 * time.Millisecond})
	_, err := m.Arm(1)
	require.NoError(t, err)
	require.NoError(t, m.Start())

	assert.Eventually(t, func() bool {
		return m.Snapshot().Elapsed >= 3
	}, time.Second, 5*time.Millisecond)

	src.push("x")
	require.NoError(t, m.Stop(context.Background()))
	stoppedAt := m.Snapshot().Elapsed

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stoppedAt, m.Snapshot().Elapsed, "ticker must stop with the recording")

	sawTick := false
	for len(events) > 0 {
		if e := <-events; e.Kind == notify.RecordingTick {
			sawTick = true
		}
	}
	assert.True(t, sawTick)
}

func TestMachine_Abort(t *testing.T) {
	src := &fakeSource{active: true, final: []byte("tail")}
	uploader := &recordingUploader{}
	m := newTestMachine(src, uploader)
	_, err := m.Arm(1)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	src.push("a")

	m.Abort()
	assert.Equal(t, StatusFailed, m.Status())
	assert.Equal(t, 0, uploader.count())
	assert.Equal(t, 0, m.Snapshot().Chunks)

	m.Abort()
}
