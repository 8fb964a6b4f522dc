package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hostsentry/hostsentry/internal/model"
)

// Config holds the connection settings for the OpenAI-compatible scoring
// backend. Local runtimes such as Ollama expose the same surface.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbedModel     string
	MaxTokens      int
	Temperature    float64
	RequestTimeout time.Duration
}

func (c Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("scorer: base URL is required")
	}
	if c.Model == "" {
		return fmt.Errorf("scorer: model is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("scorer: request timeout must be positive")
	}
	return nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// scoredOutput is the JSON shape the model is instructed to return.
type scoredOutput struct {
	EventClass string   `json:"event_class"`
	Risk       string   `json:"risk"`
	Confidence int      `json:"confidence"`
	Summary    string   `json:"summary"`
	Techniques []string `json:"techniques"`
	Actions    []string `json:"actions"`
}

const systemPrompt = `You are a host security analyst. Classify the Windows event below.
Respond with a single JSON object and nothing else, with these fields:
event_class (snake_case label), risk (low|medium|high|critical),
confidence (integer 0-100), summary (one sentence),
techniques (MITRE ATT&CK IDs, may be empty), actions (recommended actions, may be empty).`

// Client scores events against an OpenAI-compatible chat API and produces
// embeddings for vector storage.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient validates the configuration and builds a scoring client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}, nil
}

// Score classifies one event. Failures and timeouts surface as errors so the
// pipeline can fall back to a degraded finding.
func (c *Client) Score(ctx context.Context, ev *model.RawEvent) (*model.Classification, error) {
	prompt := fmt.Sprintf("host=%s channel=%s code=%d severity=%s user=%s source_ip=%s\nmessage: %s",
		ev.Host, ev.Channel, ev.Code, ev.Severity, ev.User, ev.SourceIP, ev.Message)

	request := chatRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	content, err := c.chat(ctx, request)
	if err != nil {
		return nil, err
	}
	return parseClassification(content)
}

// Embed returns the embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	embedModel := c.cfg.EmbedModel
	if embedModel == "" {
		embedModel = c.cfg.Model
	}
	jsonData, err := json.Marshal(embedRequest{Model: embedModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response embedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}
	return response.Data[0].Embedding, nil
}

func (c *Client) chat(ctx context.Context, request chatRequest) (string, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return response.Choices[0].Message.Content, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// parseClassification extracts the JSON object from the model output.
// Models often wrap JSON in markdown fences, so those are stripped first.
func parseClassification(content string) (*model.Classification, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var out scoredOutput
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("failed to parse classification: %w", err)
	}

	if out.Confidence < 0 || out.Confidence > 100 {
		return nil, fmt.Errorf("confidence %d out of range", out.Confidence)
	}
	if out.EventClass == "" {
		return nil, fmt.Errorf("missing event_class in classification")
	}

	return &model.Classification{
		EventClass: out.EventClass,
		Risk:       model.ParseRiskLevel(out.Risk),
		Confidence: out.Confidence,
		Summary:    out.Summary,
		Techniques: out.Techniques,
		Actions:    out.Actions,
	}, nil
}
