package recording

import (
	"errors"
	"fmt"
)

// Status represents the lifecycle state of a recording segment
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusRecording Status = "RECORDING"
	StatusStopped   Status = "STOPPED"
	StatusUploading Status = "UPLOADING"
	StatusUploaded  Status = "UPLOADED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition happens without re-arming
func (s Status) Terminal() bool {
	return s == StatusUploaded || s == StatusFailed
}

var (
	ErrDeviceNotReady    = errors.New("capture device not ready")
	ErrEmptyRecording    = errors.New("recording produced no data")
	ErrInvalidTransition = errors.New("invalid recording state transition")
	ErrNoSegment         = errors.New("no segment armed")
	ErrAborted           = errors.New("recording aborted")
)

// Snapshot is a copy of the current segment state
type Snapshot struct {
	SegmentID  string `json:"segment_id"`
	QuestionID int    `json:"question_id"`
	Status     Status `json:"status"`
	Elapsed    int    `json:"elapsed_seconds"`
	Chunks     int    `json:"chunks"`
	Bytes      int    `json:"bytes"`
	LastError  string `json:"last_error,omitempty"`
}

// FormatElapsed renders seconds as mm:ss
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
