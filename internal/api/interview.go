package api

import (
	"bytes"
	"context"
	"fmt"
)

// Role is an interview role offered by the backend
type Role struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Question is one interview question of a session
type Question struct {
	ID         int    `json:"id"`
	Text       string `json:"question_text"`
	Category   string `json:"category,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

// AnswerUpload is the multipart upload of one recorded answer
type AnswerUpload struct {
	SessionID   string
	QuestionID  int
	FieldName   string
	FileName    string
	ContentType string
	Data        []byte
}

// AnswerReceipt is the backend's acknowledgement of an upload
type AnswerReceipt struct {
	AnswerID string
	Message  string
}

// Roles lists the interview roles
func (c *Client) Roles(ctx context.Context) ([]Role, error) {
	var roles []Role
	resp, err := c.request(ctx).SetResult(&roles).Get("/interview/roles")
	if err := c.check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return roles, nil
}

// StartSession creates a session for roleID and returns its id
func (c *Client) StartSession(ctx context.Context, roleID int) (string, error) {
	var out struct {
		SessionID flexibleID `json:"session_id"`
	}
	resp, err := c.request(ctx).
		SetBody(map[string]int{"role_id": roleID}).
		SetResult(&out).
		Post("/interview/start-session")
	if err := c.check(resp, err); err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("failed to start session: response carries no session_id")
	}
	return string(out.SessionID), nil
}

// Questions returns the ordered questions of a session
func (c *Client) Questions(ctx context.Context, sessionID string) ([]Question, error) {
	var questions []Question
	resp, err := c.request(ctx).
		SetPathParam("session", sessionID).
		SetResult(&questions).
		Get("/interview/questions/{session}")
	if err := c.check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to load questions: %w", err)
	}
	return questions, nil
}

// UploadAnswer sends one recorded answer as multipart form data
func (c *Client) UploadAnswer(ctx context.Context, u AnswerUpload) (AnswerReceipt, error) {
	var out struct {
		AnswerID flexibleID `json:"answer_id"`
		Message  string     `json:"message"`
	}
	resp, err := c.request(ctx).
		SetFormData(map[string]string{
			"session_id":  u.SessionID,
			"question_id": itoa(u.QuestionID),
		}).
		SetMultipartField(u.FieldName, u.FileName, u.ContentType, bytes.NewReader(u.Data)).
		SetResult(&out).
		Post("/interview/upload-answer")
	if err := c.check(resp, err); err != nil {
		return AnswerReceipt{}, fmt.Errorf("failed to upload answer: %w", err)
	}
	return AnswerReceipt{AnswerID: string(out.AnswerID), Message: out.Message}, nil
}

// CompleteSession marks the session finished
func (c *Client) CompleteSession(ctx context.Context, sessionID string) error {
	resp, err := c.request(ctx).
		SetBody(map[string]string{"session_id": sessionID}).
		Post("/interview/complete-session")
	if err := c.check(resp, err); err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	return nil
}

// DetectFaces submits a JPEG data URL and returns the number of faces seen
func (c *Client) DetectFaces(ctx context.Context, imageDataURL string) (int, error) {
	var out struct {
		FaceCount *int `json:"face_count"`
	}
	resp, err := c.request(ctx).
		SetBody(map[string]string{"image": imageDataURL}).
		SetResult(&out).
		Post("/face/detect-face")
	if err := c.check(resp, err); err != nil {
		return 0, fmt.Errorf("face detection failed: %w", err)
	}
	if out.FaceCount == nil {
		return 0, fmt.Errorf("face detection failed: response carries no face_count")
	}
	return *out.FaceCount, nil
}
