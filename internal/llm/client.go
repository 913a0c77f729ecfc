// Package llm provides an HTTP client for chat-completion style model
// endpoints. The aggregation service uses it to merge conflicting rule
// payloads into a single document.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables consulted by OpenFromEnv.
const (
	EnvBaseURL = "TAXCORE_LLM_BASE_URL"
	EnvModel   = "TAXCORE_LLM_MODEL"
	EnvAPIKey  = "TAXCORE_LLM_API_KEY"
	EnvTimeout = "TAXCORE_LLM_TIMEOUT_SECONDS"
)

// Config holds the connection settings for a model endpoint.
type Config struct {
	BaseURL    string
	Model      string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client calls a chat-completion endpoint and returns the first message
// content verbatim. Retries are bounded and apply only to transport
// failures and 5xx responses.
type Client struct {
	cfg  Config
	http *http.Client
}

// New validates cfg and returns a ready Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("llm: base URL is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("llm: model name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// OpenFromEnv builds a Client from TAXCORE_LLM_* environment variables.
// It returns (nil, nil) when no base URL is configured so callers can run
// without a model endpoint.
func OpenFromEnv() (*Client, error) {
	base := strings.TrimSpace(os.Getenv(EnvBaseURL))
	if base == "" {
		return nil, nil
	}
	cfg := Config{
		BaseURL: base,
		Model:   strings.TrimSpace(os.Getenv(EnvModel)),
		APIKey:  os.Getenv(EnvAPIKey),
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTimeout)); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("llm: invalid %s value %q", EnvTimeout, raw)
		}
		cfg.Timeout = time.Duration(secs) * time.Second
	}
	return New(cfg)
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends prompt as a single user message and returns the first
// choice's content.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    c.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("llm: encode request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
		content, retryable, err := c.attempt(ctx, endpoint, payload)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", lastErr
}

func (c *Client) attempt(ctx context.Context, endpoint string, payload []byte) (string, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", true, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("llm: server error %d: %s", resp.StatusCode, truncate(body, 256))
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("llm: unexpected status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false, fmt.Errorf("llm: decode response: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return "", false, fmt.Errorf("llm: model error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("llm: response contained no choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
