package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/interviewcapture/internal/api"
	"github.com/audiolibrelab/interviewcapture/internal/media"
	"github.com/audiolibrelab/interviewcapture/internal/recording"
	"github.com/audiolibrelab/interviewcapture/internal/service"
	"github.com/audiolibrelab/interviewcapture/internal/session"
	"github.com/audiolibrelab/interviewcapture/internal/upload"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// Server represents the web server for controlling an interview
type Server struct {
	service  service.Service
	port     string
	upgrader websocket.Upgrader
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Controller service.Status `json:"controller"`
}

// SessionRequest starts an interview; a zero role selects the default role
type SessionRequest struct {
	RoleID int `json:"role_id"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// New creates a new web server instance around svc
func New(svc service.Service, port string) *Server {
	return &Server{
		service: svc,
		port:    port,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /api/roles", s.handleRoles)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("POST /api/session", s.handleStartSession)
	mux.HandleFunc("POST /api/camera/start", s.handleStartCamera)
	mux.HandleFunc("POST /api/camera/stop", s.handleStopCamera)
	mux.HandleFunc("POST /api/recording/start", s.handleStartRecording)
	mux.HandleFunc("POST /api/recording/stop", s.handleStopRecording)
	mux.HandleFunc("POST /api/next", s.handleNext)
	mux.HandleFunc("POST /api/face-check", s.handleFaceCheck)
	mux.HandleFunc("GET /api/frame.jpg", s.handleFrame)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("GET /metrics", s.service.Metrics().Handler())
	return mux
}

// Run serves until ctx is cancelled, then shuts the listener down
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting interview web server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.logEvents(gCtx)
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// logEvents mirrors controller events into the server log
func (s *Server) logEvents(ctx context.Context) {
	events, cancel := s.service.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			slog.Debug("Controller event", "kind", e.Kind, "message", e.Message)
		}
	}
}

// handleIndex serves the control page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

// handleStatus returns the current status of the controller
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.service.GetStatus()
	s.sendJSON(w, http.StatusOK, StatusResponse{
		Status:     string(st.Recording.Status),
		Message:    generateStatusMessage(st),
		Controller: st,
	})
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.service.Roles(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "operation", "roles")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.service.ListDevices()
	if err != nil {
		s.sendServiceError(w, err, "operation", "devices")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleStartSession bootstraps a session. The role comes from a JSON body
// or a role_id form value.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "start_session")
			return
		}
	} else if v := r.FormValue("role_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "role_id must be a number", "role_id", v)
			return
		}
		req.RoleID = id
	}

	view, err := s.service.StartSession(r.Context(), req.RoleID)
	if err != nil {
		s.sendServiceError(w, err, "operation", "start_session", "role_id", req.RoleID)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Interview started",
		"session": view,
	})
}

func (s *Server) handleStartCamera(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StartCamera(r.Context()); err != nil {
		s.sendServiceError(w, err, "operation", "start_camera")
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Camera started"})
}

func (s *Server) handleStopCamera(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StopCamera(); err != nil {
		s.sendServiceError(w, err, "operation", "stop_camera")
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Camera stopped"})
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StartRecording(); err != nil {
		s.sendServiceError(w, err, "operation", "start_recording")
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording started"})
}

// handleStopRecording stops the recording; the response is sent once the
// upload has settled
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StopRecording(r.Context()); err != nil {
		s.sendServiceError(w, err, "operation", "stop_recording")
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Answer uploaded"})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.service.NextQuestion(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "operation", "next_question")
		return
	}

	message := "Next question"
	if outcome == session.Completed {
		message = "Interview completed!"
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": message,
		"outcome": outcome.String(),
		"session": s.service.GetStatus().Session,
	})
}

func (s *Server) handleFaceCheck(w http.ResponseWriter, r *http.Request) {
	warning, err := s.service.CheckFace(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "operation", "face_check")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"face_count": warning.FaceCount,
		"warning":    warning.Active,
		"message":    warning.Message(),
	})
}

// handleFrame serves the current camera frame as a JPEG still
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := s.service.Frame()
	if err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, err.Error(), "operation", "frame")
		return
	}
	data, err := media.EncodeJPEG(frame, s.service.GetConfig().Presence.JPEGQuality)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "frame")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleEvents streams controller events to a websocket client as JSON
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.service.Subscribe()
	defer cancel()

	// the read side only handles pongs and notices the client leaving
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case e, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				slog.Debug("Websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// generateStatusMessage creates appropriate status messages based on current state
func generateStatusMessage(st service.Status) string {
	if st.LastError != "" {
		return st.LastError
	}
	switch st.Recording.Status {
	case recording.StatusRecording:
		return fmt.Sprintf("Recording in progress - %s", st.Elapsed)
	case recording.StatusUploading:
		return "Uploading answer"
	case recording.StatusUploaded:
		return "Answer uploaded"
	}
	if st.Session != nil && st.Session.Completed {
		return "Interview completed!"
	}
	if st.Presence.Active {
		return st.Presence.Message()
	}
	return ""
}

// statusCode maps a controller error to an HTTP status
func statusCode(err error) int {
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, media.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, upload.ErrUploadFailed):
		return http.StatusBadGateway
	case errors.Is(err, recording.ErrEmptyRecording):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNoSession),
		errors.Is(err, session.ErrRecordingInProgress),
		errors.Is(err, session.ErrSessionCompleted),
		errors.Is(err, session.ErrNotStarted),
		errors.Is(err, recording.ErrDeviceNotReady),
		errors.Is(err, recording.ErrInvalidTransition),
		errors.Is(err, recording.ErrNoSegment):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendServiceError reports err with the controller's user-facing message
func (s *Server) sendServiceError(w http.ResponseWriter, err error, logContext ...interface{}) {
	message := s.service.GetLastError()
	if message == "" {
		message = err.Error()
	}
	s.sendErrorResponse(w, statusCode(err), message, logContext...)
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	s.sendJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
