package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Record is one vector upsert: an event embedding plus its metadata.
type Record struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SearchHit is one similarity search result.
type SearchHit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Client talks to the vector-store backend through the health-aware pool.
// Upsert payloads are gzip-compressed; batches go through the Batcher.
type Client struct {
	pool       *Pool
	httpClient *http.Client
	collection string
	logger     *slog.Logger
}

// NewClient creates a vector-store client routed through the pool. The pool
// may be nil at construction and set later, since the pool itself probes
// through this client.
func NewClient(pool *Pool, collection string, requestTimeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		pool:       pool,
		httpClient: &http.Client{Timeout: requestTimeout},
		collection: collection,
		logger:     logger,
	}
}

// SetPool attaches the routing pool. Must be called before the first Upsert
// or Search when the client was built without one.
func (c *Client) SetPool(pool *Pool) {
	c.pool = pool
}

type upsertRequest struct {
	Collection string   `json:"collection"`
	Records    []Record `json:"records"`
}

type searchRequest struct {
	Collection string    `json:"collection"`
	Vector     []float32 `json:"vector"`
	Limit      int       `json:"limit"`
}

type searchResponse struct {
	Hits []SearchHit `json:"hits"`
}

// Upsert writes records to a healthy instance. Pool unavailability and HTTP
// failures surface as errors; the caller (usually the Batcher) decides how
// to degrade.
func (c *Client) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	in, err := c.pool.Acquire()
	if err != nil {
		return err
	}

	body, err := gzipJSON(upsertRequest{Collection: c.collection, Records: records})
	if err != nil {
		return fmt.Errorf("encode upsert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.Addr+"/vectors/upsert", body)
	if err != nil {
		return fmt.Errorf("create upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.pool.ReportResult(in, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("upsert to %s: %w", in.Addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("upsert to %s: status %d: %s", in.Addr, resp.StatusCode, string(msg))
		c.pool.ReportResult(in, time.Since(start), err)
		return err
	}
	return nil
}

// Search runs a similarity lookup against a healthy instance.
func (c *Client) Search(ctx context.Context, vector []float32, limit int) ([]SearchHit, error) {
	in, err := c.pool.Acquire()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(searchRequest{Collection: c.collection, Vector: vector, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("encode search: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.Addr+"/vectors/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.pool.ReportResult(in, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("search on %s: %w", in.Addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search on %s: status %d", in.Addr, resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out.Hits, nil
}

// Probe implements Prober with a GET against the instance health endpoint.
func (c *Client) Probe(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: status %d", addr, resp.StatusCode)
	}
	return nil
}

func gzipJSON(v any) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
