package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/interviewcapture/internal/api"
	"github.com/audiolibrelab/interviewcapture/internal/config"
	"github.com/audiolibrelab/interviewcapture/internal/media"
	"github.com/audiolibrelab/interviewcapture/internal/metrics"
	"github.com/audiolibrelab/interviewcapture/internal/notify"
	"github.com/audiolibrelab/interviewcapture/internal/presence"
	"github.com/audiolibrelab/interviewcapture/internal/recording"
	"github.com/audiolibrelab/interviewcapture/internal/service"
	"github.com/audiolibrelab/interviewcapture/internal/session"
	"github.com/audiolibrelab/interviewcapture/internal/upload"
)

// stubService records calls and returns canned results
type stubService struct {
	bus     *notify.Bus
	metrics *metrics.Metrics
	cfg     *config.Config

	status    service.Status
	lastError string
	roleID    int
	outcome   session.Outcome
	err       error
	frame     *image.RGBA
}

func newStub() *stubService {
	return &stubService{
		bus:     notify.NewBus(8),
		metrics: metrics.New("test"),
		cfg:     config.Default(),
	}
}

func (s *stubService) Roles(ctx context.Context) ([]api.Role, error) {
	return []api.Role{{ID: 1, Name: "Backend Engineer"}}, s.err
}

func (s *stubService) StartSession(ctx context.Context, roleID int) (*service.SessionView, error) {
	s.roleID = roleID
	if s.err != nil {
		return nil, s.err
	}
	return &service.SessionView{SessionID: "5", RoleID: roleID, QuestionCount: 2, QuestionID: 10}, nil
}

func (s *stubService) NextQuestion(ctx context.Context) (session.Outcome, error) {
	return s.outcome, s.err
}

func (s *stubService) StartCamera(ctx context.Context) error { return s.err }
func (s *stubService) StopCamera() error { return s.err }
func (s *stubService) Ready() <-chan struct{} { return make(chan struct{}) }

func (s *stubService) Frame() (*image.RGBA, error) {
	if s.frame == nil {
		return nil, media.ErrNoFrameAvailable
	}
	return s.frame, nil
}

func (s *stubService) ListDevices() ([]string, error) { return []string{"synthetic:test-pattern"}, nil }
func (s *stubService) StartRecording() error { return s.err }
func (s *stubService) StopRecording(ctx context.Context) error { return s.err }

func (s *stubService) CheckFace(ctx context.Context) (presence.Warning, error) {
	return presence.Warning{Active: true, FaceCount: 2}, s.err
}

func (s *stubService) GetStatus() service.Status { return s.status }
func (s *stubService) GetConfig() *config.Config { return s.cfg }
func (s *stubService) GetLastError() string { return s.lastError }

func (s *stubService) Subscribe() (<-chan notify.Event, func()) { return s.bus.Subscribe() }
func (s *stubService) Metrics() *metrics.Metrics { return s.metrics }
func (s *stubService) Close() error { return nil }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Status(t *testing.T) {
	stub := newStub()
	stub.status = service.Status{
		Recording: recording.Snapshot{Status: recording.StatusRecording},
		Elapsed:   "00:07",
	}
	h := New(stub, "0").Handler()

	rec := do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "RECORDING", body["status"])
	assert.Equal(t, "Recording in progress - 00:07", body["message"])
}

func TestServer_StartSessionWithRole(t *testing.T) {
	stub := newStub()
	h := New(stub, "0").Handler()

	rec := do(t, h, http.MethodPost, "/api/session", `{"role_id": 3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, stub.roleID)
	assert.Equal(t, true, decode(t, rec)["success"])

	rec = do(t, h, http.MethodPost, "/api/session", `{"role_id": "x"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ErrorResponses(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		err       error
		lastError string
		wantCode  int
		wantError string
	}{
		{
			name:      "camera not ready",
			path:      "/api/recording/start",
			err:       recording.ErrDeviceNotReady,
			lastError: "Camera is not ready yet: capture device not ready",
			wantCode:  http.StatusConflict,
			wantError: "Camera is not ready yet: capture device not ready",
		},
		{
			name:     "advance while recording",
			path:     "/api/next",
			err:      session.ErrRecordingInProgress,
			wantCode: http.StatusConflict,
		},
		{
			name:     "upload failed",
			path:     "/api/recording/stop",
			err:      fmt.Errorf("%w: 500", upload.ErrUploadFailed),
			wantCode: http.StatusBadGateway,
		},
		{
			name:     "camera denied",
			path:     "/api/camera/start",
			err:      fmt.Errorf("%w: permission denied", media.ErrDeviceUnavailable),
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:     "logged out",
			path:     "/api/session",
			err:      api.ErrUnauthorized,
			wantCode: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newStub()
			stub.err = tt.err
			stub.lastError = tt.lastError
			rec := do(t, New(stub, "0").Handler(), http.MethodPost, tt.path, "")

			assert.Equal(t, tt.wantCode, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, body["error"])
			} else {
				assert.Equal(t, tt.err.Error(), body["error"])
			}
		})
	}
}

func TestServer_NextCompletes(t *testing.T) {
	stub := newStub()
	stub.outcome = session.Completed
	rec := do(t, New(stub, "0").Handler(), http.MethodPost, "/api/next", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "completed", body["outcome"])
	assert.Equal(t, "Interview completed!", body["message"])
}

func TestServer_FaceCheck(t *testing.T) {
	rec := do(t, New(newStub(), "0").Handler(), http.MethodPost, "/api/face-check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["warning"])
	assert.EqualValues(t, 2, body["face_count"])
}

func TestServer_Frame(t *testing.T) {
	stub := newStub()
	h := New(stub, "0").Handler()

	rec := do(t, h, http.MethodGet, "/api/frame.jpg", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	stub.frame = image.NewRGBA(image.Rect(0, 0, 32, 24))
	rec = do(t, h, http.MethodGet, "/api/frame.jpg", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xFF, 0xD8}, rec.Body.Bytes()[:2])
}

func TestServer_MethodNotAllowed(t *testing.T) {
	rec := do(t, New(newStub(), "0").Handler(), http.MethodGet, "/api/recording/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	stub := newStub()
	stub.metrics.Observe(notify.Event{Kind: notify.RecordingStarted})

	rec := do(t, New(stub, "0").Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_recordings_total 1")
}

func TestServer_EventsWebsocket(t *testing.T) {
	stub := newStub()
	srv := httptest.NewServer(New(stub, "0").Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is registered after the upgrade; publish until seen
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				stub.bus.Publish(notify.Event{Kind: notify.FaceWarning, Message: "Multiple faces detected (2)"})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e notify.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, notify.FaceWarning, e.Kind)
	assert.Equal(t, "Multiple faces detected (2)", e.Message)
}

func TestServer_EventsClosedOnShutdown(t *testing.T) {
	stub := newStub()
	srv := httptest.NewServer(New(stub, "0").Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	stub.bus.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestServer_RunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(newStub(), "0").Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusCode(service.ErrNoSession))
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(recording.ErrEmptyRecording))
	assert.Equal(t, http.StatusInternalServerError, statusCode(errors.New("boom")))
}
