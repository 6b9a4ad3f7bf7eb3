package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/interviewcapture/internal/api"
	"github.com/audiolibrelab/interviewcapture/internal/config"
	"github.com/audiolibrelab/interviewcapture/internal/media"
	"github.com/audiolibrelab/interviewcapture/internal/metrics"
	"github.com/audiolibrelab/interviewcapture/internal/notify"
	"github.com/audiolibrelab/interviewcapture/internal/presence"
	"github.com/audiolibrelab/interviewcapture/internal/recording"
	"github.com/audiolibrelab/interviewcapture/internal/session"
	"github.com/audiolibrelab/interviewcapture/internal/upload"
)

var ErrNoSession = errors.New("no interview session started")

// Service represents the interview controller used by the CLI and the web server
type Service interface {
	// Session operations
	Roles(ctx context.Context) ([]api.Role, error)
	StartSession(ctx context.Context, roleID int) (*SessionView, error)
	NextQuestion(ctx context.Context) (session.Outcome, error)

	// Camera operations
	StartCamera(ctx context.Context) error
	StopCamera() error
	Ready() <-chan struct{}
	Frame() (*image.RGBA, error)
	ListDevices() ([]string, error)

	// Recording operations
	StartRecording() error
	StopRecording(ctx context.Context) error

	// Presence operations
	CheckFace(ctx context.Context) (presence.Warning, error)

	// Information operations
	GetStatus() Status
	GetConfig() *config.Config
	GetLastError() string
	Subscribe() (<-chan notify.Event, func())
	Metrics() *metrics.Metrics

	Close() error
}

// Backend is the part of the REST API the controller drives
type Backend interface {
	Roles(ctx context.Context) ([]api.Role, error)
	StartSession(ctx context.Context, roleID int) (string, error)
	Questions(ctx context.Context, sessionID string) ([]api.Question, error)
	UploadAnswer(ctx context.Context, u api.AnswerUpload) (api.AnswerReceipt, error)
	CompleteSession(ctx context.Context, sessionID string) error
	DetectFaces(ctx context.Context, imageDataURL string) (int, error)
}

// SessionView describes the session and its current question
type SessionView struct {
	SessionID     string `json:"session_id"`
	RoleID        int    `json:"role_id"`
	RoleName      string `json:"role_name,omitempty"`
	QuestionCount int    `json:"question_count"`
	Index         int    `json:"index"`
	QuestionID    int    `json:"question_id"`
	QuestionText  string `json:"question_text"`
	IsLast        bool   `json:"is_last"`
	Completed     bool   `json:"completed"`
}

// Status is a snapshot of the whole controller
type Status struct {
	Session         *SessionView       `json:"session,omitempty"`
	Recording       recording.Snapshot `json:"recording"`
	Elapsed         string             `json:"elapsed"`
	CameraActive    bool               `json:"camera_active"`
	PresenceEnabled bool               `json:"presence_enabled"`
	Presence        presence.Warning   `json:"presence"`
	LastError       string             `json:"last_error,omitempty"`
}

// InterviewService is the main service implementation
type InterviewService struct {
	cfg     *config.Config
	backend Backend
	bus     *notify.Bus
	metrics *metrics.Metrics

	handle      *media.Handle
	machine     *recording.Machine
	gateway     *upload.Gateway
	progression *session.Progression
	monitor     *presence.Monitor

	sessionMutex sync.RWMutex
	roleID       int
	roleName     string
	hasSession   bool

	metricsDone chan struct{}
	closeOnce   sync.Once

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new interview service instance
func New(cfg *config.Config, backend Backend, capture media.Backend) *InterviewService {
	bus := notify.NewBus(64)
	s := &InterviewService{
		cfg:         cfg,
		backend:     backend,
		bus:         bus,
		metrics:     metrics.New("interviewcapture"),
		metricsDone: make(chan struct{}),
	}

	s.handle = media.NewHandle(capture, bus)
	s.gateway = upload.NewGateway(backend, cfg.Upload, cfg.Output, bus)
	s.machine = recording.NewMachine(s.handle, recording.UploaderFunc(s.deliver), bus, recording.Options{
		Timeslice: cfg.Device.Timeslice,
	})
	s.progression = session.New(completer{s}, s.machine)
	s.monitor = presence.NewMonitor(s.handle, backend, bus, presence.OptionsFromConfig(cfg.Presence))

	events, _ := bus.Subscribe()
	go func() {
		defer close(s.metricsDone)
		s.metrics.Run(events)
	}()

	return s
}

// completer publishes completion around the backend call
type completer struct{ s *InterviewService }

func (c completer) CompleteSession(ctx context.Context, sessionID string) error {
	c.s.bus.Publish(notify.Event{Kind: notify.LoadingStarted, Message: "Completing interview"})
	defer c.s.bus.Publish(notify.Event{Kind: notify.LoadingFinished})
	return c.s.backend.CompleteSession(ctx, sessionID)
}

// deliver hands a stopped segment to the upload gateway
func (s *InterviewService) deliver(ctx context.Context, d recording.Deliverable) error {
	s.bus.Publish(notify.Event{Kind: notify.LoadingStarted, Message: "Uploading answer"})
	defer s.bus.Publish(notify.Event{Kind: notify.LoadingFinished})

	_, err := s.gateway.Upload(ctx, upload.Task{
		SessionID:  s.progression.SessionID(),
		QuestionID: d.QuestionID,
		SegmentID:  d.SegmentID,
		Data:       d.Data,
	})
	return err
}

// Roles lists the interview roles offered by the backend
func (s *InterviewService) Roles(ctx context.Context) ([]api.Role, error) {
	roles, err := s.backend.Roles(ctx)
	if err != nil {
		s.fail("Failed to load roles", err)
		return nil, err
	}
	return roles, nil
}

// StartSession creates a backend session and loads its questions. A zero
// roleID selects the configured role, else the first role offered.
func (s *InterviewService) StartSession(ctx context.Context, roleID int) (*SessionView, error) {
	if s.machine.Recording() {
		return nil, session.ErrRecordingInProgress
	}
	s.clearLastError()
	s.bus.Publish(notify.Event{Kind: notify.LoadingStarted, Message: "Starting interview"})
	defer s.bus.Publish(notify.Event{Kind: notify.LoadingFinished})

	if roleID == 0 {
		roleID = s.cfg.Interview.RoleID
	}
	roleName := ""
	if roleID == 0 {
		roles, err := s.backend.Roles(ctx)
		if err != nil {
			s.fail("Failed to load roles", err)
			return nil, err
		}
		if len(roles) == 0 {
			err := errors.New("backend offers no interview roles")
			s.fail("Failed to start session", err)
			return nil, err
		}
		roleID, roleName = roles[0].ID, roles[0].Name
	}

	sessionID, err := s.backend.StartSession(ctx, roleID)
	if err != nil {
		s.fail("Failed to start session", err)
		return nil, err
	}
	questions, err := s.backend.Questions(ctx, sessionID)
	if err != nil {
		s.fail("Failed to load questions", err)
		return nil, err
	}

	qs := make([]session.Question, 0, len(questions))
	for _, q := range questions {
		qs = append(qs, session.Question{ID: q.ID, Text: q.Text})
	}
	if err := s.progression.Begin(sessionID, qs); err != nil {
		s.fail("Failed to start session", err)
		return nil, err
	}
	// face results belong to the session they were taken in
	s.monitor.Reset()

	s.sessionMutex.Lock()
	s.roleID, s.roleName, s.hasSession = roleID, roleName, true
	s.sessionMutex.Unlock()

	view := s.sessionView()
	s.publishQuestion(view)

	if s.cfg.Device.AutoStart && !s.handle.Active() {
		// camera failures are reported but leave the session usable
		if err := s.StartCamera(ctx); err != nil {
			slog.Warn("Camera could not be started automatically", "error", err)
		}
	}
	return view, nil
}

// NextQuestion advances the session, completing it after the last question
func (s *InterviewService) NextQuestion(ctx context.Context) (session.Outcome, error) {
	outcome, err := s.progression.Advance(ctx)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRecordingInProgress):
			s.fail("Stop the recording before moving on", err)
		case outcome == session.Completed && !errors.Is(err, session.ErrSessionCompleted):
			s.fail("Failed to complete interview", err)
		default:
			s.fail("Cannot advance", err)
		}
		return outcome, err
	}

	if outcome == session.Completed {
		slog.Info("Interview completed", "session", s.progression.SessionID())
		s.bus.Publish(notify.Event{
			Kind:    notify.SessionCompleted,
			Message: "Interview completed!",
			Data:    map[string]any{"session_id": s.progression.SessionID()},
		})
		if err := s.StopCamera(); err != nil {
			slog.Warn("Failed to release camera after completion", "error", err)
		}
		return outcome, nil
	}

	s.publishQuestion(s.sessionView())
	return outcome, nil
}

// StartCamera acquires the capture device and starts presence monitoring
func (s *InterviewService) StartCamera(ctx context.Context) error {
	err := s.handle.Acquire(ctx, media.ConstraintsFromConfig(s.cfg))
	if errors.Is(err, media.ErrAlreadyAcquired) {
		return nil
	}
	if err != nil {
		s.fail("Unable to access camera", err)
		return err
	}

	// Acquire returns once the handle is ready
	if s.cfg.Presence.Enabled {
		s.monitor.Start()
	}
	return nil
}

// StopCamera stops presence monitoring and releases the device. An active
// recording is discarded.
func (s *InterviewService) StopCamera() error {
	s.machine.Abort()
	s.monitor.Stop()
	if err := s.handle.Release(); err != nil {
		s.fail("Failed to release camera", err)
		return err
	}
	return nil
}

// Ready returns a channel closed once the camera is ready
func (s *InterviewService) Ready() <-chan struct{} {
	return s.handle.Ready()
}

// Frame returns the current camera frame
func (s *InterviewService) Frame() (*image.RGBA, error) {
	return s.handle.Frame()
}

// ListDevices lists the capture devices of the configured backend
func (s *InterviewService) ListDevices() ([]string, error) {
	return s.handle.ListDevices()
}

// StartRecording records an answer to the current question. Re-recording a
// question after an upload or a failure starts a fresh segment. The question
// cannot move on between arming and starting.
func (s *InterviewService) StartRecording() error {
	err := s.progression.WithCurrent(func(current session.Question) error {
		snap := s.machine.Snapshot()
		if snap.SegmentID == "" || snap.QuestionID != current.ID || snap.Status.Terminal() {
			if _, err := s.machine.Arm(current.ID); err != nil {
				return err
			}
		}
		return s.machine.Start()
	})

	switch {
	case err == nil:
		s.clearLastError()
	case errors.Is(err, session.ErrNotStarted):
		err = fmt.Errorf("%w: %w", ErrNoSession, err)
		s.fail("Start an interview session first", err)
	case errors.Is(err, session.ErrSessionCompleted):
		s.fail("Interview already completed", err)
	case errors.Is(err, recording.ErrDeviceNotReady):
		s.fail("Camera is not ready yet", err)
	default:
		s.fail("Failed to start recording", err)
	}
	return err
}

// StopRecording stops the recording and uploads it
func (s *InterviewService) StopRecording(ctx context.Context) error {
	err := s.machine.Stop(ctx)
	switch {
	case err == nil:
		s.clearLastError()
	case errors.Is(err, recording.ErrEmptyRecording):
		s.fail("No recording data to upload", err)
	case errors.Is(err, upload.ErrUploadFailed):
		s.fail("Failed to upload answer", err)
	default:
		s.fail("Failed to stop recording", err)
	}
	return err
}

// CheckFace runs a one-off face check, whether or not monitoring is enabled
func (s *InterviewService) CheckFace(ctx context.Context) (presence.Warning, error) {
	w, err := s.monitor.CheckNow(ctx)
	if err != nil {
		s.fail("Face detection failed", err)
	}
	return w, err
}

// GetStatus returns a snapshot of the controller
func (s *InterviewService) GetStatus() Status {
	snap := s.machine.Snapshot()
	st := Status{
		Session:         s.sessionView(),
		Recording:       snap,
		Elapsed:         recording.FormatElapsed(snap.Elapsed),
		CameraActive:    s.handle.Active(),
		PresenceEnabled: s.cfg.Presence.Enabled,
		Presence:        s.monitor.Warning(),
		LastError:       s.GetLastError(),
	}
	return st
}

// GetConfig returns the current configuration
func (s *InterviewService) GetConfig() *config.Config {
	return s.cfg
}

// Subscribe returns a stream of controller events
func (s *InterviewService) Subscribe() (<-chan notify.Event, func()) {
	return s.bus.Subscribe()
}

// Metrics returns the controller's Prometheus collectors
func (s *InterviewService) Metrics() *metrics.Metrics {
	return s.metrics
}

// Close discards any active recording, releases the camera and closes the
// event bus.
func (s *InterviewService) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.machine.Abort()
		s.monitor.Stop()
		err = s.handle.Release()
		s.bus.Close()
		<-s.metricsDone
	})
	return err
}

func (s *InterviewService) sessionView() *SessionView {
	s.sessionMutex.RLock()
	hasSession, roleID, roleName := s.hasSession, s.roleID, s.roleName
	s.sessionMutex.RUnlock()
	if !hasSession {
		return nil
	}

	view := &SessionView{
		SessionID:     s.progression.SessionID(),
		RoleID:        roleID,
		RoleName:      roleName,
		QuestionCount: s.progression.Len(),
		Index:         s.progression.Index(),
		IsLast:        s.progression.IsLast(),
		Completed:     s.progression.Completed(),
	}
	if q, err := s.progression.Current(); err == nil {
		view.QuestionID = q.ID
		view.QuestionText = q.Text
	}
	return view
}

func (s *InterviewService) publishQuestion(view *SessionView) {
	if view == nil {
		return
	}
	s.bus.Publish(notify.Event{
		Kind:    notify.QuestionChanged,
		Message: view.QuestionText,
		Data: map[string]any{
			"index":       view.Index,
			"count":       view.QuestionCount,
			"question_id": view.QuestionID,
		},
	})
}

// fail records err as the last error and publishes it
func (s *InterviewService) fail(message string, err error) {
	text := fmt.Sprintf("%s: %v", message, err)
	s.setLastError(text)
	s.bus.Publish(notify.Event{Kind: notify.Error, Message: text})
}

// GetLastError returns the last error message (thread-safe)
func (s *InterviewService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *InterviewService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *InterviewService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
