package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cartograph-io/cartograph/internal/config"
)

// Default HTTP client configuration values.
const (
	defaultHTTPModel     = "gpt-4o-mini"
	defaultHTTPMaxTokens = 4096
)

// HTTPConfig holds the settings of the OpenAI-compatible provider client.
type HTTPConfig struct {
	// BaseURL is the provider endpoint root, e.g. https://api.openai.com/v1.
	// Empty disables the HTTP client; the daemon falls back to a dry run.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Model is the model identifier passed on every call.
	Model string

	// Timeout bounds one call round trip.
	Timeout time.Duration

	// MaxTokens caps the completion length.
	MaxTokens int
}

// LoadHTTPConfig loads provider configuration from environment variables.
func LoadHTTPConfig() (*HTTPConfig, error) {
	cfg := &HTTPConfig{
		BaseURL:   config.GetEnvStr("CARTOGRAPH_LLM_BASE_URL", ""),
		APIKey:    config.GetEnvStr("CARTOGRAPH_LLM_API_KEY", ""),
		Model:     config.GetEnvStr("CARTOGRAPH_LLM_MODEL", defaultHTTPModel),
		Timeout:   config.GetEnvDuration("CARTOGRAPH_LLM_TIMEOUT", DefaultCallTimeout),
		MaxTokens: config.GetEnvInt("CARTOGRAPH_LLM_MAX_TOKENS", defaultHTTPMaxTokens),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("llm configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return nil
	}

	if c.Model == "" {
		return fmt.Errorf("model is required when a base url is set")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}

	if c.MaxTokens < 1 {
		return fmt.Errorf("max tokens must be at least 1, got %d", c.MaxTokens)
	}

	return nil
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint. One
// prompt becomes one user message; the first choice's content is the reply
// body.
type HTTPClient struct {
	cfg    *HTTPConfig
	http   *http.Client
	logger *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a provider client. The config must carry a base URL.
func NewHTTPClient(cfg *HTTPConfig, logger *slog.Logger) (*HTTPClient, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm http client requires a base url")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid llm config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "llm"),
	}, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Call sends one prompt and returns the first completion choice. Transport
// failures and 5xx replies map to ErrUnavailable, 429 to ErrRateLimited, and
// an empty choice list to ErrMalformedResponse, so callers can lean on
// Retryable without knowing the wire details.
func (c *HTTPClient) Call(ctx context.Context, prompt string) (*Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:     c.cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: provider returned 429", ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: provider returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("llm provider rejected call: status %d: %s", resp.StatusCode, raw)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("%w: reply carries no choices", ErrMalformedResponse)
	}

	c.logger.Debug("provider call served",
		"model", c.cfg.Model,
		"elapsed", time.Since(start),
		"total_tokens", chat.Usage.TotalTokens,
	)

	return &Response{
		Body:  chat.Choices[0].Message.Content,
		Usage: chat.Usage,
	}, nil
}
