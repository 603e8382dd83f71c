package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/circuitbreaker"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrNoEmbedding means the entity has no embedding yet. It is not a failure.
var ErrNoEmbedding = errors.New("no embedding for entity")

// ErrCircuitOpen is returned while the embedding service breaker is open.
var ErrCircuitOpen = errors.New("embedding service circuit open")

// EmbeddingSource returns the embedding vector of one entity.
type EmbeddingSource interface {
	Embedding(ctx context.Context, tenantID, kind, id string) ([]float64, error)
}

// CachedEmbeddings serves embeddings from a cache, filling misses from an
// origin. With no origin, a miss is ErrNoEmbedding; that is the setup
// where an offline job writes embeddings straight into Redis.
type CachedEmbeddings struct {
	cache  domain.Cache
	origin EmbeddingSource
	ttl    time.Duration
}

// NewCachedEmbeddings creates a cache-backed source. origin may be nil.
func NewCachedEmbeddings(c domain.Cache, origin EmbeddingSource, ttl time.Duration) *CachedEmbeddings {
	return &CachedEmbeddings{cache: c, origin: origin, ttl: ttl}
}

// EmbeddingKey is the cache key of an entity embedding.
func EmbeddingKey(kind, id string) string {
	return "emb:" + kind + ":" + id
}

// Embedding implements EmbeddingSource.
func (c *CachedEmbeddings) Embedding(ctx context.Context, tenantID, kind, id string) ([]float64, error) {
	key := EmbeddingKey(kind, id)
	emb, found, err := cache.GetJSON[[]float64](ctx, c.cache, tenantID, key)
	if err == nil && found {
		return emb, nil
	}
	if c.origin == nil {
		if err != nil {
			return nil, err
		}
		return nil, ErrNoEmbedding
	}

	emb, err = c.origin.Embedding(ctx, tenantID, kind, id)
	if err != nil {
		return nil, err
	}
	_ = cache.SetJSON(ctx, c.cache, tenantID, key, emb, c.ttl)
	return emb, nil
}

// HTTPEmbeddings calls the embedding service:
// GET {base}/v1/embeddings/{kind}/{id} -> {"embedding": [...]}.
type HTTPEmbeddings struct {
	base   string
	client *http.Client
}

// NewHTTPEmbeddings creates a client. client may be nil.
func NewHTTPEmbeddings(baseURL string, client *http.Client) *HTTPEmbeddings {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return &HTTPEmbeddings{base: strings.TrimRight(baseURL, "/"), client: client}
}

// Embedding implements EmbeddingSource.
func (h *HTTPEmbeddings) Embedding(ctx context.Context, tenantID, kind, id string) ([]float64, error) {
	u := fmt.Sprintf("%s/v1/embeddings/%s/%s", h.base, url.PathEscape(kind), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoEmbedding
	default:
		return nil, fmt.Errorf("embedding service returned %d", resp.StatusCode)
	}

	var body struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return body.Embedding, nil
}

// breakerKey is the circuit breaker key of the embedding service.
const breakerKey = "embeddings"

// GuardedEmbeddings skips the wrapped source while its breaker is open.
type GuardedEmbeddings struct {
	source  EmbeddingSource
	breaker *circuitbreaker.Breaker
}

// NewGuardedEmbeddings wraps source with breaker.
func NewGuardedEmbeddings(source EmbeddingSource, breaker *circuitbreaker.Breaker) *GuardedEmbeddings {
	return &GuardedEmbeddings{source: source, breaker: breaker}
}

// Embedding implements EmbeddingSource.
func (g *GuardedEmbeddings) Embedding(ctx context.Context, tenantID, kind, id string) ([]float64, error) {
	if !g.breaker.Allow(breakerKey) {
		return nil, ErrCircuitOpen
	}
	emb, err := g.source.Embedding(ctx, tenantID, kind, id)
	if err != nil && !errors.Is(err, ErrNoEmbedding) {
		g.breaker.RecordFailure(breakerKey)
		return nil, err
	}
	g.breaker.RecordSuccess(breakerKey)
	return emb, err
}
