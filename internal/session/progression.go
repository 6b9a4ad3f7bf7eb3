// Package session tracks the ordered questions of an interview session and
// its completion.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrNoQuestions         = errors.New("session has no questions")
	ErrRecordingInProgress = errors.New("recording in progress")
	ErrSessionCompleted    = errors.New("session already completed")
	ErrNotStarted          = errors.New("session not started")
)

// Question is one immutable interview question
type Question struct {
	ID   int
	Text string
}

// Completer notifies the backend that a session is finished
type Completer interface {
	CompleteSession(ctx context.Context, sessionID string) error
}

// RecordingState tells the progression whether a recording is active
type RecordingState interface {
	Recording() bool
}

// Outcome is the result of Advance
type Outcome int

const (
	Moved Outcome = iota
	Completed
)

func (o Outcome) String() string {
	if o == Completed {
		return "completed"
	}
	return "moved"
}

// Progression walks the questions of one session. The index never
// decreases and completion happens once.
type Progression struct {
	completer Completer
	recorder  RecordingState

	mu        sync.Mutex
	sessionID string
	questions []Question
	index     int
	completed bool
	begun     bool
}

// New creates a progression completing sessions through completer
func New(completer Completer, recorder RecordingState) *Progression {
	return &Progression{completer: completer, recorder: recorder}
}

// Begin loads the questions of a session and points at the first one
func (p *Progression) Begin(sessionID string, questions []Question) error {
	if len(questions) == 0 {
		return ErrNoQuestions
	}

	qs := make([]Question, len(questions))
	copy(qs, questions)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = sessionID
	p.questions = qs
	p.index = 0
	p.completed = false
	p.begun = true
	slog.Info("Interview session started", "session", sessionID, "questions", len(qs))
	return nil
}

// Advance moves to the next question, or completes the session when the
// current question is the last one. The completion flag is set before the
// backend is contacted, so a failed completion is reported and not retried.
func (p *Progression) Advance(ctx context.Context) (Outcome, error) {
	p.mu.Lock()
	if !p.begun {
		p.mu.Unlock()
		return Moved, ErrNotStarted
	}
	if p.completed {
		p.mu.Unlock()
		return Completed, ErrSessionCompleted
	}
	if p.recorder != nil && p.recorder.Recording() {
		p.mu.Unlock()
		return Moved, ErrRecordingInProgress
	}

	if p.index < len(p.questions)-1 {
		p.index++
		slog.Debug("Advanced to next question", "session", p.sessionID, "index", p.index)
		p.mu.Unlock()
		return Moved, nil
	}

	p.completed = true
	sessionID := p.sessionID
	p.mu.Unlock()

	slog.Info("Completing interview session", "session", sessionID)
	if err := p.completer.CompleteSession(ctx, sessionID); err != nil {
		return Completed, fmt.Errorf("failed to complete session %s: %w", sessionID, err)
	}
	return Completed, nil
}

// Current returns the current question
func (p *Progression) Current() (Question, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.begun {
		return Question{}, ErrNotStarted
	}
	return p.questions[p.index], nil
}

// WithCurrent runs fn with the current question while holding the
// progression lock, so the question cannot change until fn returns. fn must
// not call back into the progression.
func (p *Progression) WithCurrent(fn func(Question) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.begun {
		return ErrNotStarted
	}
	if p.completed {
		return ErrSessionCompleted
	}
	return fn(p.questions[p.index])
}

// Index returns the 0-based index of the current question
func (p *Progression) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

// Len returns the number of questions
func (p *Progression) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.questions)
}

func (p *Progression) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

func (p *Progression) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// IsLast reports whether the current question is the final one
func (p *Progression) IsLast() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.begun && p.index == len(p.questions)-1
}
