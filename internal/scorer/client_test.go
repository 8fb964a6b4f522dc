package scorer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/hostsentry/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEvent() *model.RawEvent {
	return &model.RawEvent{
		ID:        "ev-1",
		Timestamp: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Host:      "web-01",
		Channel:   "Security",
		Code:      4625,
		Severity:  "warning",
		User:      "admin",
		SourceIP:  "10.0.0.9",
		Message:   "An account failed to log on",
	}
}

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2, "system prompt plus event payload")

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:        baseURL,
		Model:          "llama3",
		MaxTokens:      512,
		Temperature:    0.1,
		RequestTimeout: 2 * time.Second,
	}, testLogger())
	require.NoError(t, err)
	return c
}

func TestClient_ScoreParsesClassification(t *testing.T) {
	srv := chatServer(t, `{"event_class":"authentication_failure","risk":"high","confidence":85,"summary":"Failed logon for admin on web-01","techniques":["T1110"],"actions":["lock account"]}`)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	class, err := c.Score(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, "authentication_failure", class.EventClass)
	assert.Equal(t, model.RiskHigh, class.Risk)
	assert.Equal(t, 85, class.Confidence)
	assert.Equal(t, []string{"T1110"}, class.Techniques)
}

func TestClient_ScoreStripsMarkdownFences(t *testing.T) {
	srv := chatServer(t, "```json\n{\"event_class\":\"service_state_change\",\"risk\":\"low\",\"confidence\":60,\"summary\":\"Service restarted\"}\n```")
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	class, err := c.Score(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, "service_state_change", class.EventClass)
	assert.Equal(t, model.RiskLow, class.Risk)
}

func TestClient_ScoreRejectsMalformedOutput(t *testing.T) {
	cases := map[string]string{
		"not json":              "the event looks suspicious",
		"confidence over range": `{"event_class":"x","risk":"low","confidence":150,"summary":"s"}`,
		"missing event class":   `{"risk":"low","confidence":50,"summary":"s"}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			srv := chatServer(t, content)
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			_, err := c.Score(context.Background(), testEvent())
			assert.Error(t, err)
		})
	}
}

func TestClient_ScoreUnknownRiskDegradesToLow(t *testing.T) {
	srv := chatServer(t, `{"event_class":"odd","risk":"catastrophic","confidence":40,"summary":"s"}`)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	class, err := c.Score(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, model.RiskLow, class.Risk)
}

func TestClient_ScoreSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Score(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_ScoreHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server detects the client disconnect and
		// cancels the request context; otherwise srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Score(ctx, testEvent())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed", req.Model)

		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		BaseURL:        srv.URL,
		Model:          "llama3",
		EmbedModel:     "nomic-embed",
		RequestTimeout: 2 * time.Second,
	}, testLogger())
	require.NoError(t, err)

	vec, err := c.Embed(context.Background(), "failed logon")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestClient_ConfigValidation(t *testing.T) {
	_, err := NewClient(Config{Model: "m", RequestTimeout: time.Second}, testLogger())
	assert.Error(t, err, "base URL required")

	_, err = NewClient(Config{BaseURL: "http://x", RequestTimeout: time.Second}, testLogger())
	assert.Error(t, err, "model required")

	_, err = NewClient(Config{BaseURL: "http://x", Model: "m"}, testLogger())
	assert.Error(t, err, "timeout required")
}
