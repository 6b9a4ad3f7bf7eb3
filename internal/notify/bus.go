// Package notify is the application-wide notification channel. Components
// publish events (loading indicator, device readiness, face warnings, errors)
// to a Bus they receive by reference; views subscribe to it.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies an event
type Kind string

const (
	LoadingStarted     Kind = "loading_started"
	LoadingFinished    Kind = "loading_finished"
	DeviceReady        Kind = "device_ready"
	DeviceReleased     Kind = "device_released"
	RecordingStarted   Kind = "recording_started"
	RecordingTick      Kind = "recording_tick"
	RecordingStopped   Kind = "recording_stopped"
	UploadSucceeded    Kind = "upload_succeeded"
	UploadFailed       Kind = "upload_failed"
	FaceWarning        Kind = "face_warning"
	FaceWarningCleared Kind = "face_warning_cleared"
	PresenceChecked    Kind = "presence_checked"
	QuestionChanged    Kind = "question_changed"
	SessionCompleted   Kind = "session_completed"
	Error              Kind = "error"
)

// Event is a single notification
type Event struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Time    time.Time      `json:"time"`
}

// Publisher is the side of the bus components depend on
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	size   int
	closed bool
}

// NewBus creates a bus whose subscriber channels buffer size events
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 32
	}
	return &Bus{
		subs: make(map[int]chan Event),
		size: size,
	}
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.size)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers e to every subscriber
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("Notification dropped, subscriber is full", "subscriber", id, "kind", e.Kind)
		}
	}
}

// Close closes every subscriber channel; later publishes are no-ops
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Discard is a Publisher that drops everything
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
