package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/interviewcapture/internal/config"
	"github.com/audiolibrelab/interviewcapture/internal/media"
	"github.com/audiolibrelab/interviewcapture/internal/notify"
	"github.com/audiolibrelab/interviewcapture/internal/presence"
	"github.com/audiolibrelab/interviewcapture/internal/recording"
	"github.com/audiolibrelab/interviewcapture/internal/service"
	"github.com/audiolibrelab/interviewcapture/internal/session"
)

// promptService implements the calls the prompt makes; anything else panics
type promptService struct {
	service.Service

	recording bool
	calls     []string
	outcome   session.Outcome
}

func (p *promptService) GetStatus() service.Status {
	st := service.Status{Recording: recording.Snapshot{Status: recording.StatusIdle}, Elapsed: "00:00"}
	if p.recording {
		st.Recording.Status = recording.StatusRecording
	}
	return st
}

func (p *promptService) StartRecording() error {
	p.calls = append(p.calls, "start")
	p.recording = true
	return nil
}

func (p *promptService) StopRecording(ctx context.Context) error {
	p.calls = append(p.calls, "stop")
	p.recording = false
	return nil
}

func (p *promptService) NextQuestion(ctx context.Context) (session.Outcome, error) {
	p.calls = append(p.calls, "next")
	return p.outcome, nil
}

func (p *promptService) CheckFace(ctx context.Context) (presence.Warning, error) {
	p.calls = append(p.calls, "face")
	return presence.Warning{FaceCount: 1}, nil
}

func TestHandleInput_RecordToggles(t *testing.T) {
	svc := &promptService{}
	var out bytes.Buffer
	ctx := context.Background()

	for _, line := range []string{"r", " record ", "", "f"} {
		done, err := handleInput(ctx, svc, line, &out)
		require.NoError(t, err)
		assert.False(t, done)
	}
	assert.Equal(t, []string{"start", "stop", "face"}, svc.calls)
	assert.Contains(t, out.String(), "1 face(s) detected")
}

func TestHandleInput_NextAndQuit(t *testing.T) {
	svc := &promptService{}
	var out bytes.Buffer
	ctx := context.Background()

	done, err := handleInput(ctx, svc, "n", &out)
	require.NoError(t, err)
	assert.False(t, done)

	svc.outcome = session.Completed
	done, err = handleInput(ctx, svc, "next", &out)
	require.NoError(t, err)
	assert.True(t, done, "completing the session ends the prompt")

	done, err = handleInput(ctx, svc, "q", &out)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = handleInput(ctx, svc, "dance", &out)
	assert.Error(t, err)
}

func TestHandleInput_CameraRetryAfterDenial(t *testing.T) {
	c := config.Default()
	c.Device.Backend = "synthetic"
	c.Device.Width = 32
	c.Device.Height = 24
	c.Presence.Enabled = false

	capture := &media.SyntheticBackend{OpenErr: errors.New("permission denied")}
	svc := service.New(c, nil, capture)
	defer svc.Close()

	var out bytes.Buffer
	ctx := context.Background()

	done, err := handleInput(ctx, svc, "camera", &out)
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)
	assert.False(t, done, "a denied camera keeps the prompt running")
	assert.False(t, svc.GetStatus().CameraActive)

	done, err = handleInput(ctx, svc, "st", &out)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Contains(t, out.String(), "Camera: false")

	capture.OpenErr = nil
	done, err = handleInput(ctx, svc, "c", &out)
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, svc.GetStatus().CameraActive)
}

func TestDescribeEvent(t *testing.T) {
	assert.Equal(t, "\nQuestion 2 of 5: Why us?", describeEvent(notify.Event{
		Kind:    notify.QuestionChanged,
		Message: "Why us?",
		Data:    map[string]any{"index": 1, "count": 5},
	}))
	assert.Equal(t, "Recording stopped at 01:05", describeEvent(notify.Event{
		Kind: notify.RecordingStopped,
		Data: map[string]any{"elapsed_seconds": 65},
	}))
	assert.Equal(t, "Interview completed!", describeEvent(notify.Event{Kind: notify.SessionCompleted, Message: "Interview completed!"}))
	assert.Empty(t, describeEvent(notify.Event{Kind: notify.RecordingTick, Message: "00:01"}))
	assert.Empty(t, describeEvent(notify.Event{Kind: notify.LoadingFinished}))
}

func TestFormatScore(t *testing.T) {
	score := 7.26
	assert.Equal(t, "-", formatScore(nil))
	assert.Equal(t, "7.3", formatScore(&score))
	assert.Equal(t, "abc…", truncate("abcdef", 4))
	assert.Equal(t, "abc", truncate("abc", 4))
}
