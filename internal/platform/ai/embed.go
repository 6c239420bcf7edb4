package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	embedTimeout = 15 * time.Second
	// EmbeddingDim is the fixed dimensionality every embedder produces.
	EmbeddingDim = 256
)

// Embedder turns text into a fixed-dimension vector. Implementations must be
// deterministic for equal input within one process so cached vectors stay
// comparable.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Available() bool
}

// HTTPEmbedder calls a sentence-transformer service exposing POST /embed
// with {"texts": [...]} and returning {"embeddings": [[...]]}. Vectors are
// cached for the life of the process keyed by input text.
type HTTPEmbedder struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	cache map[string][]float32
}

// NewHTTPEmbedder creates a client for the configured embedding endpoint.
func NewHTTPEmbedder(baseURL string) *HTTPEmbedder {
	return &HTTPEmbedder{
		baseURL: baseURL,
		http:    &http.Client{Timeout: embedTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "embedding",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		cache: make(map[string][]float32),
	}
}

func (e *HTTPEmbedder) Available() bool {
	return e.baseURL != "" && e.breaker.State() != gobreaker.StateOpen
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the service vector for text, consulting the process cache
// first.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if v, ok := e.cache[text]; ok {
		e.mu.RUnlock()
		return v, nil
	}
	e.mu.RUnlock()

	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}

	vec := result.([]float32)
	e.mu.Lock()
	e.cache[text] = vec
	e.mu.Unlock()
	return vec, nil
}

func (e *HTTPEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Texts: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding service returned no vectors")
	}
	return out.Embeddings[0], nil
}

// LocalEmbedder is a deterministic in-process embedder based on hashed
// character trigrams. It approximates lexical similarity well enough for
// field-name ranking and lets the engine run with no external services.
type LocalEmbedder struct {
	mu    sync.RWMutex
	cache map[string][]float32
}

// NewLocalEmbedder creates the default in-process embedder.
func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{cache: make(map[string][]float32)}
}

func (e *LocalEmbedder) Available() bool { return true }

// Embed hashes character trigrams of the normalized text into a fixed-size
// vector and L2-normalizes it.
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if v, ok := e.cache[text]; ok {
		e.mu.RUnlock()
		return v, nil
	}
	e.mu.RUnlock()

	norm := strings.ToLower(strings.TrimSpace(text))
	vec := make([]float32, EmbeddingDim)
	padded := "  " + norm + "  "
	for i := 0; i+3 <= len(padded); i++ {
		h := fnv.New32a()
		h.Write([]byte(padded[i : i+3]))
		vec[h.Sum32()%EmbeddingDim]++
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum > 0 {
		inv := float32(1 / math.Sqrt(sum))
		for i := range vec {
			vec[i] *= inv
		}
	}

	e.mu.Lock()
	e.cache[text] = vec
	e.mu.Unlock()
	return vec, nil
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
