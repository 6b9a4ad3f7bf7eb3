package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/interviewcapture/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler, tokens TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.BackendConfig{BaseURL: srv.URL + "/api", Timeout: 5 * time.Second}, tokens)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestClient_RolesSendsTokenAndRequestID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/interview/roles", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		writeJSON(w, http.StatusOK, []Role{{ID: 1, Name: "Backend"}, {ID: 2, Name: "Frontend"}})
	})

	c := newTestClient(t, mux, StaticToken("secret"))
	roles, err := c.Roles(context.Background())
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "Backend", roles[0].Name)
}

func TestClient_StartSessionAcceptsNumericID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/interview/start-session", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 3, body["role_id"])
		writeJSON(w, http.StatusCreated, map[string]any{"session_id": 42, "message": "Session started successfully"})
	})

	c := newTestClient(t, mux, nil)
	id, err := c.StartSession(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestClient_Questions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/interview/questions/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.PathValue("id"))
		writeJSON(w, http.StatusOK, []map[string]any{
			{"id": 10, "question_text": "Tell me about yourself"},
			{"id": 11, "question_text": "Why this role?"},
		})
	})

	c := newTestClient(t, mux, nil)
	questions, err := c.Questions(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, questions, 2)
	assert.Equal(t, 11, questions[1].ID)
	assert.Equal(t, "Why this role?", questions[1].Text)
}

func TestClient_UploadAnswerMultipart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/interview/upload-answer", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "42", r.FormValue("session_id"))
		assert.Equal(t, "10", r.FormValue("question_id"))

		file, header, err := r.FormFile("video")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "webm-bytes", string(data))
		assert.Equal(t, "recording.webm", header.Filename)
		assert.Equal(t, "video/webm", header.Header.Get("Content-Type"))

		writeJSON(w, http.StatusCreated, map[string]any{"answer_id": 7, "message": "Audio uploaded successfully"})
	})

	c := newTestClient(t, mux, nil)
	receipt, err := c.UploadAnswer(context.Background(), AnswerUpload{
		SessionID:   "42",
		QuestionID:  10,
		FieldName:   "video",
		FileName:    "recording.webm",
		ContentType: "video/webm",
		Data:        []byte("webm-bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, "7", receipt.AnswerID)
}

func TestClient_ErrorMessageFromBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/interview/start-session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid role ID"})
	})

	c := newTestClient(t, mux, nil)
	_, err := c.StartSession(context.Background(), 99)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Equal(t, "Invalid role ID", statusErr.Message)
}

func TestClient_UnauthorizedClearsToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/dashboard/answers/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "Token has expired"})
	})

	tokenFile := filepath.Join(t.TempDir(), "token.yaml")
	tokens := NewFileToken(tokenFile)
	require.NoError(t, tokens.Save("expired", &User{Email: "a@b.c"}))

	c := newTestClient(t, mux, tokens)
	_, err := c.AnswerHistory(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, tokens.Token())

	_, statErr := os.Stat(tokenFile)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "token file should be removed")
}

func TestClient_DetectFaces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/face/detect-face", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "data:image/jpeg;base64,AAAA", body["image"])
		writeJSON(w, http.StatusOK, map[string]any{"face_count": 2, "encodings": []any{}})
	})

	c := newTestClient(t, mux, nil)
	count, err := c.DetectFaces(context.Background(), "data:image/jpeg;base64,AAAA")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClient_DetectFacesMissingCount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/face/detect-face", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	c := newTestClient(t, mux, nil)
	_, err := c.DetectFaces(context.Background(), "data:image/jpeg;base64,AAAA")
	assert.Error(t, err)
}

func TestClient_AnswerDetail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/interview/answer/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"answer_id":        5,
			"created_at":       "2026-01-02T10:00:00",
			"question_text":    "Tell me about yourself",
			"clarity_score":    7.5,
			"structure_score":  nil,
			"confidence_score": 6,
			"transcript_text":  "I am...",
			"feedback":         "Good",
			"summary":          "Clear answer",
		})
	})

	c := newTestClient(t, mux, nil)
	detail, err := c.Answer(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, detail.AnswerID)
	require.NotNil(t, detail.ClarityScore)
	assert.Equal(t, 7.5, *detail.ClarityScore)
	assert.Nil(t, detail.StructureScore)
	assert.True(t, detail.Processed())
	assert.Equal(t, "Good", detail.Feedback)
}

func TestClient_Login(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "tok",
			"user":         map[string]any{"id": 1, "email": "a@b.c", "full_name": "Ada"},
		})
	})

	c := newTestClient(t, mux, nil)
	token, user, err := c.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
	require.NotNil(t, user)
	assert.Equal(t, "1", string(user.ID))
	assert.Equal(t, "Ada", user.FullName)
}

func TestFileToken_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.yaml")
	tokens := NewFileToken(path)
	assert.Empty(t, tokens.Token(), "missing file means no token")

	require.NoError(t, tokens.Save("abc", &User{ID: "9", Email: "x@y.z"}))

	reloaded := NewFileToken(path)
	assert.Equal(t, "abc", reloaded.Token())
	require.NotNil(t, reloaded.User())
	assert.Equal(t, "x@y.z", reloaded.User().Email)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, reloaded.Clear())
	require.NoError(t, reloaded.Clear())
	assert.Empty(t, reloaded.Token())
}
