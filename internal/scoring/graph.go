package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Entity kinds whose embeddings are concatenated, in order.
var graphEntities = []string{"card", "merchant", "device"}

// Graph scores the concatenated card, merchant and device embeddings with a
// logistic head. A failed lookup contributes a zero vector; when every
// attempted lookup fails the component is unavailable.
type Graph struct {
	source  EmbeddingSource
	dim     int
	bias    float64
	weights []float64
}

// NewGraph compiles the graph head over source.
func NewGraph(m GraphModel, source EmbeddingSource) *Graph {
	return &Graph{source: source, dim: m.Dim, bias: m.Bias, weights: m.Weights}
}

// Name implements Scorer.
func (g *Graph) Name() string { return domain.ComponentGraph }

// Fallback implements Scorer.
func (g *Graph) Fallback(*Input) float64 { return FallbackGraph }

// Score implements Scorer.
func (g *Graph) Score(ctx context.Context, in *Input) (float64, error) {
	if in == nil || in.Tx == nil {
		return 0, fmt.Errorf("%w: no transaction", ErrUnavailable)
	}
	vec, err := g.Embed(ctx, in.Tx)
	if err != nil {
		return 0, err
	}

	z := g.bias
	for i, w := range g.weights {
		z += w * vec[i]
	}
	return sigmoid(z), nil
}

// Embed returns the concatenated entity embeddings of tx.
func (g *Graph) Embed(ctx context.Context, tx *domain.Transaction) ([]float64, error) {
	ids := []string{tx.CardID, tx.MerchantID, tx.DeviceID}
	vec := make([]float64, len(graphEntities)*g.dim)
	errs := make([]error, len(graphEntities))
	attempted := 0

	var eg errgroup.Group
	for i, kind := range graphEntities {
		if ids[i] == "" || g.source == nil {
			continue
		}
		attempted++
		eg.Go(func() error {
			emb, err := g.source.Embedding(ctx, tx.TenantID, kind, ids[i])
			switch {
			case errors.Is(err, ErrNoEmbedding):
				return nil
			case err != nil:
				errs[i] = err
				return nil
			case len(emb) != g.dim:
				errs[i] = fmt.Errorf("%s embedding has %d dims, want %d", kind, len(emb), g.dim)
				return nil
			}
			copy(vec[i*g.dim:], emb)
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	failed := 0
	var lastErr error
	for i, err := range errs {
		if err != nil {
			failed++
			lastErr = err
			slog.Debug("embedding lookup failed, using zero vector",
				"tx_id", tx.ID,
				"entity", graphEntities[i],
				"error", err,
			)
		}
	}
	if attempted > 0 && failed == attempted {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
	}
	return vec, nil
}
