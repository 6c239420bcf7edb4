// Package ai provides clients for the external language-model and embedding
// services the engine cooperates with. Both clients degrade gracefully: when
// a backend is unreachable the callers fall back to lexical-only behavior
// and mark their results degraded.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when no LLM backend is configured or the
// backend is unreachable. Callers treat it as a signal to degrade, never as
// a fatal error.
var ErrUnavailable = errors.New("llm backend unavailable")

const (
	llmTimeout   = 60 * time.Second
	llmCacheSize = 500
	llmCacheTTL  = 5 * time.Minute
)

// LLMClient produces free-text completions for reasoning prompts.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Available() bool
}

// HTTPLLMClient talks to an Ollama-compatible /api/generate endpoint. A
// circuit breaker keeps a flapping backend from stalling every mapping run,
// and completed prompts are cached with a short TTL.
type HTTPLLMClient struct {
	baseURL string
	model   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *expirable.LRU[string, string]
	logger  zerolog.Logger
}

// NewHTTPLLMClient creates a client for the configured LLM endpoint.
func NewHTTPLLMClient(baseURL, model string, logger zerolog.Logger) *HTTPLLMClient {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &HTTPLLMClient{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: llmTimeout},
		breaker: breaker,
		cache:   expirable.NewLRU[string, string](llmCacheSize, nil, llmCacheTTL),
		logger:  logger,
	}
}

// Available reports whether a backend is configured and the breaker is not
// open.
func (c *HTTPLLMClient) Available() bool {
	return c.baseURL != "" && c.breaker.State() != gobreaker.StateOpen
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Complete sends the prompt to the backend and returns its raw completion.
func (c *HTTPLLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	if c.baseURL == "" {
		return "", ErrUnavailable
	}
	if cached, ok := c.cache.Get(prompt); ok {
		return cached, nil
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", ErrUnavailable
		}
		return "", err
	}

	text := result.(string)
	c.cache.Add(prompt, text)
	return text, nil
}

func (c *HTTPLLMClient) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshal llm request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("llm backend returned %d: %s", resp.StatusCode, string(data))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	return out.Response, nil
}

// NullLLMClient is the no-backend implementation used in tests and when no
// LLM_URL is configured. Every call reports unavailability so engines run in
// degraded (lexical/embedding-only) mode.
type NullLLMClient struct{}

func (NullLLMClient) Complete(context.Context, string) (string, error) { return "", ErrUnavailable }
func (NullLLMClient) Available() bool                                  { return false }
