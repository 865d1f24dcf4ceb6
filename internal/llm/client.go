// Package llm defines the contract the pipeline requires from its language
// model provider. Prompt construction and answer interpretation belong to the
// extractors; the pipeline only moves text, enforces the call timeout, and
// classifies failures so workers know what to retry.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultCallTimeout bounds a single provider call. Large-context extraction
// calls routinely run over a minute; anything past this is treated as lost.
const DefaultCallTimeout = 150 * time.Second

// BreakerName is the circuit breaker target every caller wraps provider
// calls with, so extraction workers and triangulation share one view of
// provider health.
const BreakerName = "llm"

// Sentinel errors for provider failures.
var (
	// ErrRateLimited is returned when the provider sheds load. Retriable.
	ErrRateLimited = errors.New("llm provider rate limited")

	// ErrUnavailable is returned for transient transport or provider
	// failures. Retriable.
	ErrUnavailable = errors.New("llm provider unavailable")

	// ErrMalformedResponse is returned when a reply carries no decodable
	// payload. Not retriable: the same prompt gets the same garbage back
	// often enough that callers record and skip instead.
	ErrMalformedResponse = errors.New("malformed llm response")
)

// Usage is the provider's token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is one provider reply.
type Response struct {
	Body  string
	Usage Usage
}

// Client is the external language model provider. Implementations must be
// safe for concurrent use; the worker pool's rate limiter bounds how hard
// they are driven.
type Client interface {
	Call(ctx context.Context, prompt string) (*Response, error)
}

// Retryable reports whether a provider error is worth retrying with backoff.
// Cancellation is deliberately excluded: a cancelled call means the run is
// shutting down, not that the provider hiccuped.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// DecodeBody extracts the JSON payload from a reply body and unmarshals it
// into v. Models wrap their answers in markdown fences and prose despite
// every instruction not to, so the decoder tolerates both: fences are
// stripped and the payload is sliced from the first opening bracket to the
// last matching closing one. Failures wrap ErrMalformedResponse.
func DecodeBody(body string, v any) error {
	payload, err := extractJSON(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func extractJSON(body string) (string, error) {
	s := strings.TrimSpace(body)

	if strings.HasPrefix(s, "```") {
		if idx := strings.IndexByte(s, '\n'); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON payload in %d-byte body", len(body))
	}

	var end int
	if s[start] == '{' {
		end = strings.LastIndexByte(s, '}')
	} else {
		end = strings.LastIndexByte(s, ']')
	}
	if end <= start {
		return "", fmt.Errorf("unterminated JSON payload")
	}

	return s[start : end+1], nil
}
