// Package llmclient provides the gateway's LLM collaborator: a thin
// request/response client for an Ollama server with retries, exponential
// backoff, and lazy model download.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/securag/policygate/internal/httpclient"
)

// Config holds the Ollama client configuration.
type Config struct {
	// Host is the Ollama server base URL (e.g. http://localhost:11434).
	Host string

	// Model is the chat model name.
	Model string

	// DownloadModel pulls the model on first use when it is not present.
	DownloadModel bool

	// SystemPrompt is prepended to every conversation.
	SystemPrompt string

	// Retry configuration
	MaxRetries     int           // Maximum number of retry attempts (default: 3)
	InitialBackoff time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff     time.Duration // Maximum backoff duration (default: 30s)
	BackoffFactor  float64       // Backoff multiplier (default: 2.0)
}

// DefaultConfig returns a local-Ollama configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "http://localhost:11434",
		Model:          "gemma2:2b",
		DownloadModel:  true,
		SystemPrompt:   "You are a helpful assistant.",
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Ollama is a chat client for one Ollama server.
type Ollama struct {
	cfg        Config
	httpClient *http.Client

	ensureOnce sync.Once
	ensureErr  error
}

// New returns a client for cfg. Zero retry fields inherit defaults.
func New(cfg Config) *Ollama {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	return &Ollama{
		cfg:        cfg,
		httpClient: httpclient.NewDefaultHTTPClient(),
	}
}

// SetHTTPClient replaces the underlying HTTP client (used by tests).
func (c *Ollama) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// Model returns the configured model name.
func (c *Ollama) Model() string { return c.cfg.Model }

// Respond runs one non-streaming chat turn. The configured system prompt is
// used when systemPrompt is empty. History entries with unrecognized roles
// are normalized to "user"; entries with empty content are dropped.
func (c *Ollama) Respond(ctx context.Context, prompt, systemPrompt string, history []Message) (string, error) {
	c.ensureOnce.Do(func() {
		c.ensureErr = c.ensureModel(ctx)
	})
	if c.ensureErr != nil {
		return "", c.ensureErr
	}

	reqBody := map[string]any{
		"model":    c.cfg.Model,
		"messages": c.buildMessages(prompt, systemPrompt, history),
		"stream":   false,
	}

	var resp struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := c.post(ctx, "/api/chat", reqBody, &resp); err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// buildMessages assembles the system prompt, normalized history, and the
// current user prompt.
func (c *Ollama) buildMessages(prompt, systemPrompt string, history []Message) []Message {
	if systemPrompt == "" {
		systemPrompt = c.cfg.SystemPrompt
	}

	messages := make([]Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		role := m.Role
		switch role {
		case "user", "assistant", "system":
		default:
			role = "user"
		}
		messages = append(messages, Message{Role: role, Content: m.Content})
	}
	return append(messages, Message{Role: "user", Content: prompt})
}

// ensureModel checks the server's model list and pulls the configured model
// when absent and downloads are enabled.
func (c *Ollama) ensureModel(ctx context.Context) error {
	var tags struct {
		Models []struct {
			Model string `json:"model"`
			Name  string `json:"name"`
		} `json:"models"`
	}
	if err := c.get(ctx, "/api/tags", &tags); err != nil {
		return fmt.Errorf("listing models: %w", err)
	}

	for _, m := range tags.Models {
		if m.Model == c.cfg.Model || m.Name == c.cfg.Model {
			return nil
		}
	}

	if !c.cfg.DownloadModel {
		return fmt.Errorf("model %q is not available on %s and downloads are disabled", c.cfg.Model, c.cfg.Host)
	}

	return c.post(ctx, "/api/pull", map[string]any{"model": c.cfg.Model, "stream": false}, nil)
}

// post sends a JSON request with retries and decodes the response into out.
func (c *Ollama) post(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	maxAttempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		respBody, status, err := c.doOnce(ctx, http.MethodPost, endpoint, payload)
		if err != nil {
			lastErr = err
			continue
		}
		if isRetryable(status) {
			lastErr = fmt.Errorf("ollama returned status %d: %s", status, strings.TrimSpace(string(respBody)))
			continue
		}
		if status != http.StatusOK {
			return fmt.Errorf("ollama returned status %d: %s", status, strings.TrimSpace(string(respBody)))
		}
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("unmarshaling response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("request to %s failed after %d attempts: %w", endpoint, maxAttempts, lastErr)
}

// get fetches an endpoint once (no retries) and decodes into out.
func (c *Ollama) get(ctx context.Context, endpoint string, out any) error {
	respBody, status, err := c.doOnce(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("ollama returned status %d: %s", status, strings.TrimSpace(string(respBody)))
	}
	return json.Unmarshal(respBody, out)
}

func (c *Ollama) doOnce(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.cfg.Host, "/")+endpoint, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// calculateBackoff calculates the backoff duration for a given attempt
func (c *Ollama) calculateBackoff(attempt int) time.Duration {
	backoff := float64(c.cfg.InitialBackoff) * math.Pow(c.cfg.BackoffFactor, float64(attempt-1))
	if backoff > float64(c.cfg.MaxBackoff) {
		backoff = float64(c.cfg.MaxBackoff)
	}
	return time.Duration(backoff)
}

// isRetryable returns true if the status code indicates a retryable error
func isRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusGatewayTimeout
}
