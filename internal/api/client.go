// Package api is the client for the interview backend REST API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/audiolibrelab/interviewcapture/internal/config"
)

// ErrUnauthorized is returned for a 401 response; the stored token has been
// cleared by then.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response from the backend
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
}

// errorBody covers the error shapes the backend uses
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Msg     string `json:"msg"`
}

func (b errorBody) text() string {
	for _, s := range []string{b.Message, b.Error, b.Msg} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Client talks to the backend. Every request carries the bearer token of
// the token source and an X-Request-ID.
type Client struct {
	http   *resty.Client
	tokens TokenSource
}

// New creates a client for the configured backend
func New(cfg config.BackendConfig, tokens TokenSource) *Client {
	if tokens == nil {
		tokens = StaticToken("")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{tokens: tokens}
	c.http = resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if token := c.tokens.Token(); token != "" {
				r.SetAuthToken(token)
			}
			r.SetHeader("X-Request-ID", uuid.New().String())
			return nil
		})
	return c
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&errorBody{})
}

// check turns transport errors and error responses into Go errors. A 401
// clears the token before reporting ErrUnauthorized.
func (c *Client) check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if !resp.IsError() {
		return nil
	}

	method, path := resp.Request.Method, resp.Request.URL
	msg := ""
	if body, ok := resp.Error().(*errorBody); ok && body != nil {
		msg = body.text()
	}
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		slog.Warn("Backend rejected credentials, clearing stored token", "path", path)
		if clearErr := c.tokens.Clear(); clearErr != nil {
			slog.Warn("Failed to clear token", "error", clearErr)
		}
		return fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	}
	return &StatusError{Method: method, Path: path, Code: resp.StatusCode(), Message: msg}
}

// flexibleID accepts identifiers the backend sends as JSON numbers or strings
type flexibleID string

func (id *flexibleID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid identifier %s", data)
	}
	*id = flexibleID(n.String())
	return nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
