package rag

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	orcherr "llamarun/internal/errors"
)

// knownDimensions covers embedding models this system has shipped
// against; anything else falls back to defaultDimensions.
var knownDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

const defaultDimensions = 1536

// EmbedderConfig configures an OpenAI-compatible embeddings client.
type EmbedderConfig struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	CacheSize int
	Timeout   time.Duration
}

// Embedder turns text into vectors via an external embeddings endpoint,
// with an LRU cache keyed by content hash to avoid re-embedding
// identical chunks across requests. A circuit breaker protects the
// pipeline from hammering a provider that's already failing: once it
// trips, EmbedBatch fails fast with a DegradedError instead of waiting
// out the HTTP timeout on every call.
type Embedder struct {
	cfg     EmbedderConfig
	client  *http.Client
	cache   *lru.Cache[string, []float32]
	dims    int
	breaker *orcherr.CircuitBreaker
}

// NewEmbedder constructs an Embedder. BaseURL defaults to the OpenAI
// embeddings API; CacheSize <= 0 disables caching.
func NewEmbedder(cfg EmbedderConfig) (*Embedder, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	provider := cfg.Provider
	if provider == "" {
		provider = "default"
	}

	e := &Embedder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		dims:    dimensionsFor(cfg.Model),
		breaker: orcherr.NewCircuitBreaker("embeddings:"+provider, orcherr.DefaultCircuitBreakerConfig()),
	}

	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		e.cache = cache
	}

	return e, nil
}

func dimensionsFor(model string) int {
	if d, ok := knownDimensions[model]; ok {
		return d
	}
	return defaultDimensions
}

// Dimensions reports the vector width produced for the configured model.
func (e *Embedder) Dimensions() int {
	return e.dims
}

// Embed returns the embedding for a single text, serving from cache
// when possible.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(cacheKey(text)); ok {
			return v, nil
		}
	}

	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("embeddings provider returned no vectors")
	}

	if e.cache != nil {
		e.cache.Add(cacheKey(text), out[0])
	}
	return out[0], nil
}

// EmbedBatch embeds multiple texts in one request.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(map[string]any{
		"model":           e.cfg.Model,
		"input":           texts,
		"encoding_format": "float",
	})
	if err != nil {
		return nil, fmt.Errorf("encode embeddings request: %w", err)
	}

	url := strings.TrimRight(e.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	return orcherr.ExecuteFunc(e.breaker, ctx, func(ctx context.Context) ([][]float32, error) {
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, orcherr.NewTransientError(err, "embeddings provider unreachable")
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("embeddings provider returned %d: %s", resp.StatusCode, string(body))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return nil, orcherr.NewTransientError(err, "embeddings provider rate-limited or unavailable")
			}
			return nil, orcherr.NewPermanentError(err, "embeddings request rejected")
		}

		var parsed struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("decode embeddings response: %w", err)
		}

		out := make([][]float32, len(texts))
		for _, d := range parsed.Data {
			if d.Index >= 0 && d.Index < len(out) {
				out[d.Index] = d.Embedding
			}
		}
		return out, nil
	})
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
