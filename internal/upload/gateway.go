// Package upload delivers assembled recordings to the backend.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/audiolibrelab/interviewcapture/internal/api"
	"github.com/audiolibrelab/interviewcapture/internal/config"
	"github.com/audiolibrelab/interviewcapture/internal/notify"
)

var (
	ErrUploadFailed    = errors.New("upload failed")
	ErrDuplicateUpload = errors.New("segment already uploaded")
)

// Task is one deliverable bound for the backend
type Task struct {
	SessionID  string
	QuestionID int
	SegmentID  string
	Data       []byte
}

// Sender is the backend call performing the upload
type Sender interface {
	UploadAnswer(ctx context.Context, u api.AnswerUpload) (api.AnswerReceipt, error)
}

type entryState int

const (
	stateInFlight entryState = iota
	stateDone
	stateFailed
)

// Result is the outcome of a finished upload
type Result struct {
	SegmentID string
	AnswerID  string
	Bytes     int
	Archived  string
}

// Gateway performs one upload attempt per segment
type Gateway struct {
	sender Sender
	cfg    config.UploadConfig
	output config.OutputConfig
	events notify.Publisher

	mutex  sync.Mutex
	ledger map[string]entryState
}

// NewGateway creates a gateway sending through sender
func NewGateway(sender Sender, cfg config.UploadConfig, output config.OutputConfig, events notify.Publisher) *Gateway {
	if events == nil {
		events = notify.Discard
	}
	return &Gateway{
		sender: sender,
		cfg:    cfg,
		output: output,
		events: events,
		ledger: make(map[string]entryState),
	}
}

// Upload sends t once. A segment that has been handed to Upload before is
// rejected, whatever the outcome of that attempt.
func (g *Gateway) Upload(ctx context.Context, t Task) (Result, error) {
	if err := g.claim(t.SegmentID); err != nil {
		return Result{}, err
	}

	result := Result{SegmentID: t.SegmentID, Bytes: len(t.Data)}
	if g.output.KeepLocal {
		path, err := g.archive(t)
		if err != nil {
			slog.Warn("Failed to keep local copy of recording", "segment", t.SegmentID, "error", err)
		} else {
			result.Archived = path
		}
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	started := time.Now()
	receipt, err := g.sender.UploadAnswer(ctx, api.AnswerUpload{
		SessionID:   t.SessionID,
		QuestionID:  t.QuestionID,
		FieldName:   g.cfg.FieldName,
		FileName:    g.cfg.FileName,
		ContentType: g.cfg.ContentType,
		Data:        t.Data,
	})
	if err != nil {
		g.settle(t.SegmentID, stateFailed)
		slog.Error("Upload failed", "session", t.SessionID, "question", t.QuestionID, "segment", t.SegmentID, "error", err)
		g.events.Publish(notify.Event{
			Kind:    notify.UploadFailed,
			Message: "Failed to upload recording",
			Data:    map[string]any{"segment_id": t.SegmentID, "question_id": t.QuestionID, "error": err.Error()},
		})
		return result, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	g.settle(t.SegmentID, stateDone)
	result.AnswerID = receipt.AnswerID
	slog.Info("Recording uploaded", "session", t.SessionID, "question", t.QuestionID, "answer", receipt.AnswerID,
		"bytes", len(t.Data), "duration", time.Since(started).Round(time.Millisecond))
	g.events.Publish(notify.Event{
		Kind:    notify.UploadSucceeded,
		Message: "Answer uploaded successfully!",
		Data:    map[string]any{"segment_id": t.SegmentID, "question_id": t.QuestionID, "answer_id": receipt.AnswerID, "bytes": len(t.Data)},
	})
	return result, nil
}

func (g *Gateway) claim(segmentID string) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if _, seen := g.ledger[segmentID]; seen {
		return fmt.Errorf("%w: %s", ErrDuplicateUpload, segmentID)
	}
	g.ledger[segmentID] = stateInFlight
	return nil
}

func (g *Gateway) settle(segmentID string, state entryState) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.ledger[segmentID] = state
}

// InFlight returns the number of uploads not yet settled
func (g *Gateway) InFlight() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	n := 0
	for _, s := range g.ledger {
		if s == stateInFlight {
			n++
		}
	}
	return n
}

// archive writes the deliverable under the output directory
func (g *Gateway) archive(t Task) (string, error) {
	dir := filepath.Join(g.output.Directory, "session-"+t.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	ext := filepath.Ext(g.cfg.FileName)
	if ext == "" {
		ext = ".webm"
	}
	path := filepath.Join(dir, fmt.Sprintf("question-%d-%s%s", t.QuestionID, t.SegmentID, ext))
	if err := os.WriteFile(path, t.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to write recording: %w", err)
	}
	slog.Debug("Recording archived", "path", path)
	return path, nil
}
