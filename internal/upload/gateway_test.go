package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/interviewcapture/internal/api"
	"github.com/audiolibrelab/interviewcapture/internal/config"
	"github.com/audiolibrelab/interviewcapture/internal/notify"
)

type fakeSender struct {
	mu    sync.Mutex
	err   error
	calls []api.AnswerUpload
}

func (s *fakeSender) UploadAnswer(_ context.Context, u api.AnswerUpload) (api.AnswerReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, u)
	if s.err != nil {
		return api.AnswerReceipt{}, s.err
	}
	return api.AnswerReceipt{AnswerID: "100"}, nil
}

func testUploadConfig() config.UploadConfig {
	return config.Default().Upload
}

func TestGateway_UploadUsesConfiguredField(t *testing.T) {
	sender := &fakeSender{}
	bus := notify.NewBus(4)
	events, cancel := bus.Subscribe()
	defer cancel()

	g := NewGateway(sender, testUploadConfig(), config.OutputConfig{}, bus)
	result, err := g.Upload(context.Background(), Task{SessionID: "s1", QuestionID: 3, SegmentID: "seg-1", Data: []byte("blob")})
	require.NoError(t, err)
	assert.Equal(t, "100", result.AnswerID)
	assert.Equal(t, 4, result.Bytes)

	require.Len(t, sender.calls, 1)
	call := sender.calls[0]
	assert.Equal(t, "video", call.FieldName)
	assert.Equal(t, "recording.webm", call.FileName)
	assert.Equal(t, "video/webm", call.ContentType)
	assert.Equal(t, "s1", call.SessionID)
	assert.Equal(t, 3, call.QuestionID)

	assert.Equal(t, notify.UploadSucceeded, (<-events).Kind)
	assert.Equal(t, 0, g.InFlight())
}

func TestGateway_RejectsDuplicateSegment(t *testing.T) {
	sender := &fakeSender{}
	g := NewGateway(sender, testUploadConfig(), config.OutputConfig{}, nil)
	task := Task{SessionID: "s1", QuestionID: 1, SegmentID: "seg-1", Data: []byte("x")}

	_, err := g.Upload(context.Background(), task)
	require.NoError(t, err)
	_, err = g.Upload(context.Background(), task)
	assert.ErrorIs(t, err, ErrDuplicateUpload)
	assert.Len(t, sender.calls, 1)
}

func TestGateway_FailureIsNotRetried(t *testing.T) {
	sender := &fakeSender{err: errors.New("503 service unavailable")}
	g := NewGateway(sender, testUploadConfig(), config.OutputConfig{}, nil)
	task := Task{SessionID: "s1", QuestionID: 1, SegmentID: "seg-2", Data: []byte("x")}

	_, err := g.Upload(context.Background(), task)
	assert.ErrorIs(t, err, ErrUploadFailed)

	_, err = g.Upload(context.Background(), task)
	assert.ErrorIs(t, err, ErrDuplicateUpload, "a failed segment is re-recorded, not re-sent")
	assert.Len(t, sender.calls, 1)
}

func TestGateway_KeepsLocalCopy(t *testing.T) {
	dir := t.TempDir()
	g := NewGateway(&fakeSender{}, testUploadConfig(), config.OutputConfig{Directory: dir, KeepLocal: true}, nil)

	result, err := g.Upload(context.Background(), Task{SessionID: "7", QuestionID: 2, SegmentID: "abc", Data: []byte("webm")})
	require.NoError(t, err)

	expected := filepath.Join(dir, "session-7", "question-2-abc.webm")
	assert.Equal(t, expected, result.Archived)
	data, err := os.ReadFile(expected)
	require.NoError(t, err)
	assert.Equal(t, "webm", string(data))
}
