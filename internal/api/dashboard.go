package api

import (
	"context"
	"fmt"
)

// AnswerSummary is one row of the answer history
type AnswerSummary struct {
	AnswerID        int      `json:"answer_id"`
	CreatedAt       string   `json:"created_at"`
	QuestionText    string   `json:"question_text"`
	ClarityScore    *float64 `json:"clarity_score"`
	StructureScore  *float64 `json:"structure_score"`
	ConfidenceScore *float64 `json:"confidence_score"`
	TranscriptText  string   `json:"transcript_text"`
}

// AnswerDetail is the full evaluation of one answer
type AnswerDetail struct {
	AnswerSummary
	Feedback string `json:"feedback"`
	Summary  string `json:"summary"`
}

// Processed reports whether the backend has scored the answer yet
func (a AnswerSummary) Processed() bool {
	return a.ClarityScore != nil || a.StructureScore != nil || a.ConfidenceScore != nil
}

// AnswerHistory lists past answers, newest first
func (c *Client) AnswerHistory(ctx context.Context) ([]AnswerSummary, error) {
	var history []AnswerSummary
	resp, err := c.request(ctx).SetResult(&history).Get("/dashboard/answers/history")
	if err := c.check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to load answer history: %w", err)
	}
	return history, nil
}

// Answer returns the detail of one answer
func (c *Client) Answer(ctx context.Context, answerID int) (*AnswerDetail, error) {
	var detail AnswerDetail
	resp, err := c.request(ctx).
		SetPathParam("answer", itoa(answerID)).
		SetResult(&detail).
		Get("/interview/answer/{answer}")
	if err := c.check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to load answer %d: %w", answerID, err)
	}
	return &detail, nil
}
