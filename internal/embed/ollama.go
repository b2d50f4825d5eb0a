package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	ragerr "github.com/velumlabs/ragd/internal/errors"
)

// Ollama defaults.
const (
	DefaultOllamaHost  = "http://localhost:11434"
	DefaultOllamaModel = "nomic-embed-text"

	// ollamaConnectTimeout bounds the initial health check.
	ollamaConnectTimeout = 10 * time.Second
)

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	// Host is the Ollama API endpoint (default http://localhost:11434).
	Host string
	// Model is the embedding model name.
	Model string
	// Dimensions is the expected vector dimension; 0 auto-detects on Initialize.
	Dimensions int
	// Timeout is the per-request timeout.
	Timeout time.Duration
	// MaxRetries is the number of retries for transient request failures.
	MaxRetries int
}

// OllamaEmbedder generates embeddings using Ollama's HTTP API.
type OllamaEmbedder struct {
	client *http.Client
	config OllamaConfig

	mu          sync.RWMutex
	closed      bool
	initialized bool
	dims        int
}

var _ Embedder = (*OllamaEmbedder)(nil)

// ollamaEmbedRequest is the /api/embed request body.
type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaEmbedResponse is the /api/embed response body.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// ollamaTagsResponse is the /api/tags response body.
type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// NewOllamaEmbedder creates an Ollama embedder. No network calls happen
// until Initialize.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	// Per-request deadlines come from context, not a static client
	// timeout, so Initialize can use a longer deadline than Embed.
	return &OllamaEmbedder{
		client: &http.Client{},
		config: cfg,
		dims:   cfg.Dimensions,
	}
}

// Initialize checks connectivity, verifies the model is present, and
// auto-detects the embedding dimension when not configured.
func (e *OllamaEmbedder) Initialize(ctx context.Context, fn ProgressFunc) error {
	report(fn, "connecting", 0)

	checkCtx, cancel := context.WithTimeout(ctx, ollamaConnectTimeout)
	defer cancel()

	if err := e.checkModel(checkCtx); err != nil {
		return err
	}
	report(fn, "model available", 50)

	if e.dims == 0 {
		dims, err := e.detectDimensions(ctx)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.dims = dims
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()

	report(fn, "ready", 100)
	return nil
}

// checkModel verifies the configured model is available on the host.
func (e *OllamaEmbedder) checkModel(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return ragerr.Wrap(ragerr.ErrCodeProviderUnavailable, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return ragerr.New(ragerr.ErrCodeProviderUnavailable,
			fmt.Sprintf("cannot reach Ollama at %s", e.config.Host), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return ragerr.New(ragerr.ErrCodeProviderUnavailable,
			fmt.Sprintf("Ollama returned status %d: %s", resp.StatusCode, string(body)), nil)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return ragerr.Wrap(ragerr.ErrCodeProviderUnavailable, err)
	}

	want := strings.ToLower(e.config.Model)
	wantBase := strings.Split(want, ":")[0]
	for _, m := range tags.Models {
		name := strings.ToLower(m.Name)
		if name == want || strings.Split(name, ":")[0] == wantBase {
			return nil
		}
	}
	return ragerr.New(ragerr.ErrCodeProviderUnavailable,
		fmt.Sprintf("model %q not available on %s", e.config.Model, e.config.Host), nil)
}

// detectDimensions embeds a probe text to learn the vector dimension.
func (e *OllamaEmbedder) detectDimensions(ctx context.Context) (int, error) {
	vecs, err := e.doEmbed(ctx, []string{"dimension detection"})
	if err != nil {
		return 0, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return 0, ragerr.New(ragerr.ErrCodeEmbeddingFailed, "empty embedding returned", nil)
	}
	return len(vecs[0]), nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts, preserving order.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	dims := e.dims
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	// Blank inputs embed to the zero vector without a provider round trip.
	nonEmptyIdx := make([]int, 0, len(texts))
	nonEmpty := make([]string, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) != "" {
			nonEmptyIdx = append(nonEmptyIdx, i)
			nonEmpty = append(nonEmpty, t)
		}
	}

	results := make([][]float32, len(texts))
	for i := range results {
		results[i] = make([]float32, dims)
	}
	if len(nonEmpty) == 0 {
		return results, nil
	}

	retryCfg := ragerr.DefaultRetryConfig()
	retryCfg.MaxRetries = e.config.MaxRetries
	vecs, err := ragerr.RetryWithResult(ctx, retryCfg, func() ([][]float32, error) {
		return e.doEmbed(ctx, nonEmpty)
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(nonEmpty) {
		return nil, ragerr.New(ragerr.ErrCodeEmbeddingFailed,
			fmt.Sprintf("expected %d embeddings, got %d", len(nonEmpty), len(vecs)), nil)
	}

	for j, i := range nonEmptyIdx {
		if dims > 0 && len(vecs[j]) != dims {
			return nil, ragerr.New(ragerr.ErrCodeDimensionMismatch,
				fmt.Sprintf("provider returned %d dimensions, expected %d", len(vecs[j]), dims), nil)
		}
		results[i] = vecs[j]
	}
	return results, nil
}

// doEmbed performs one /api/embed round trip.
func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrCodeEmbeddingFailed, err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrCodeEmbeddingFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, ragerr.TimeoutError(
				fmt.Sprintf("embedding request timed out after %s", e.config.Timeout), err)
		}
		return nil, ragerr.New(ragerr.ErrCodeProviderUnavailable, "embedding request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, ragerr.New(ragerr.ErrCodeEmbeddingFailed,
			fmt.Sprintf("embedding failed with status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, ragerr.Wrap(ragerr.ErrCodeEmbeddingFailed, err)
	}
	return result.Embeddings, nil
}

// Dimensions returns the embedding dimension (0 before Initialize when
// auto-detection is enabled).
func (e *OllamaEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *OllamaEmbedder) ModelName() string {
	return e.config.Model
}

// Available reports whether the embedder has been initialized and the
// host answers the health endpoint.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed || !e.initialized {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, ollamaConnectTimeout)
	defer cancel()
	return e.checkModel(checkCtx) == nil
}

// Close releases resources.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.client.CloseIdleConnections()
	return nil
}
