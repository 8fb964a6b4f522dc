package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/hostsentry/internal/correlation"
	"github.com/hostsentry/hostsentry/internal/model"
	"github.com/hostsentry/hostsentry/internal/queue"
	"github.com/hostsentry/hostsentry/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}

type readyStub struct{ connected bool }

func (r readyStub) IsConnected() bool { return r.connected }

func newTestServer(t *testing.T, ready Ready) (*Server, *store.MemoryStore, *queue.Queue) {
	t.Helper()
	st := store.NewMemoryStore(100, 100)
	q, err := queue.New(queue.Config{Capacity: 10, DeadLetterCap: 5, DefaultMaxRetries: 2}, testLogger())
	require.NoError(t, err)
	engine, err := correlation.NewEngine(time.Hour, 100, correlation.DefaultRules(), testLogger())
	require.NoError(t, err)
	return New(st, q, engine, nil, nil, ready, testLogger()), st, q
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func seedFinding(st *store.MemoryStore, eventID, host string, risk model.RiskLevel) {
	st.Add(&model.Finding{
		ID:   "f-" + eventID,
		Kind: model.FindingDeterministic,
		Event: &model.RawEvent{
			ID:      eventID,
			Host:    host,
			Channel: "Security",
			Code:    4625,
		},
		Classification: model.Classification{EventClass: "authentication_failure", Risk: risk, Confidence: 80},
		CreatedAt:      time.Now().UTC(),
	})
}

func TestServer_Healthz(t *testing.T) {
	s, _, _ := newTestServer(t, readyStub{connected: true})
	rec := doGet(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ReadyzReflectsNATS(t *testing.T) {
	s, _, _ := newTestServer(t, readyStub{connected: false})
	rec := doGet(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s, _, _ = newTestServer(t, readyStub{connected: true})
	rec = doGet(t, s, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_FindingsFiltering(t *testing.T) {
	s, st, _ := newTestServer(t, readyStub{connected: true})
	seedFinding(st, "a", "web-01", model.RiskLow)
	seedFinding(st, "b", "web-01", model.RiskHigh)
	seedFinding(st, "c", "db-01", model.RiskCritical)

	rec := doGet(t, s, "/findings")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count    int              `json:"count"`
		Findings []*model.Finding `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)

	rec = doGet(t, s, "/findings?host=web-01&risk=high")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "b", body.Findings[0].Event.ID)

	rec = doGet(t, s, "/findings?limit=2")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestServer_FindingsRejectsBadLimit(t *testing.T) {
	s, _, _ := newTestServer(t, readyStub{connected: true})
	rec := doGet(t, s, "/findings?limit=banana")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DeadLetters(t *testing.T) {
	s, _, q := newTestServer(t, readyStub{connected: true})

	ev := &model.RawEvent{ID: "ev-1", Host: "web-01", Channel: "Security", Code: 1}
	require.True(t, q.Enqueue(ev, model.PriorityNormal))

	// Exhaust retries so the event dead-letters.
	_, ok := q.Dequeue(contextWithTimeout(t))
	require.True(t, ok)
	for q.Retry("ev-1", "boom") {
		_, ok = q.Dequeue(contextWithTimeout(t))
		require.True(t, ok)
	}

	rec := doGet(t, s, "/deadletters")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}

func TestServer_Stats(t *testing.T) {
	s, st, _ := newTestServer(t, readyStub{connected: true})
	seedFinding(st, "a", "web-01", model.RiskLow)

	rec := doGet(t, s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "queue")
	assert.Contains(t, body, "correlation")
	assert.Contains(t, body, "store")
	assert.NotContains(t, body, "vector_pool", "nil pool omitted")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, readyStub{connected: true})
	rec := doGet(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
