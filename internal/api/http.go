package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hostsentry/hostsentry/internal/correlation"
	"github.com/hostsentry/hostsentry/internal/model"
	"github.com/hostsentry/hostsentry/internal/queue"
	"github.com/hostsentry/hostsentry/internal/store"
	"github.com/hostsentry/hostsentry/internal/vectorstore"
)

// Ready reports whether upstream connections are usable. Satisfied by the
// NATS connection wrapper in main.
type Ready interface {
	IsConnected() bool
}

// Server is the HTTP status and query surface.
type Server struct {
	store  *store.MemoryStore
	queue  *queue.Queue
	engine *correlation.Engine
	pool   *vectorstore.Pool
	batch  *vectorstore.Batcher
	ready  Ready
	logger *slog.Logger
}

// New builds the API server. Pool and batcher are nil when vector storage
// is disabled.
func New(st *store.MemoryStore, q *queue.Queue, engine *correlation.Engine,
	pool *vectorstore.Pool, batch *vectorstore.Batcher, ready Ready, logger *slog.Logger) *Server {
	return &Server{
		store:  st,
		queue:  q,
		engine: engine,
		pool:   pool,
		batch:  batch,
		ready:  ready,
		logger: logger.With("component", "api"),
	}
}

// Router returns the configured route set.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/findings", s.handleFindings).Methods(http.MethodGet)
	r.HandleFunc("/deadletters", s.handleDeadLetters).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":        "ok",
		"queue_healthy": s.queue.Healthy(),
	}
	if !s.queue.Healthy() {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "nats disconnected"})
		return
	}
	if s.pool != nil && s.pool.HealthyCount() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "no healthy vector-store instance"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	minRisk := model.ParseRiskLevel(r.URL.Query().Get("risk"))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	findings := s.store.Query(host, minRisk, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(findings),
		"findings": findings,
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters := s.queue.DeadLetters()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":        len(letters),
		"dead_letters": letters,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"queue":       s.queue.Metrics(),
		"correlation": s.engine.Stats(),
		"store":       s.store.Stats(),
	}
	if s.pool != nil {
		body["vector_pool"] = s.pool.Snapshots()
	}
	if s.batch != nil {
		body["vector_batcher"] = s.batch.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
