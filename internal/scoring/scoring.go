// Package scoring runs the model components of the ensemble. Each component
// either returns a score in [0,1] or fails; failures are resolved to the
// component's fallback in one place, Runner.Run.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// ErrUnavailable means a component could not produce a score.
var ErrUnavailable = errors.New("component unavailable")

var errPanic = errors.New("scorer panicked")

// Neutral fallback scores.
const (
	FallbackTabular = 0.5
	FallbackGraph   = 0.5
)

// Fallback reasons.
const (
	ReasonTimeout     = "timeout"
	ReasonUnavailable = "unavailable"
	ReasonInvalid     = "invalid_score"
	ReasonPanic       = "panic"
)

// Input is what a component sees of one transaction.
type Input struct {
	Tx       *domain.Transaction
	Features *domain.FeatureVector
}

// Scorer is one model component.
type Scorer interface {
	// Name is the component name used for weights and reporting.
	Name() string

	// Score returns a value in [0,1] or an error.
	Score(ctx context.Context, in *Input) (float64, error)

	// Fallback is the score used when Score fails.
	Fallback(in *Input) float64
}

// Runner scores all components in parallel, each bounded by timeout.
type Runner struct {
	scorers []Scorer
	timeout time.Duration
}

// NewRunner creates a Runner.
func NewRunner(timeout time.Duration, scorers ...Scorer) *Runner {
	return &Runner{scorers: scorers, timeout: timeout}
}

// outcome is the raw result of one component.
type outcome struct {
	score   float64
	err     error
	latency time.Duration
}

// Run scores every component. Component failures never fail Run; only
// cancellation of ctx does, in which case all scores are discarded.
func (r *Runner) Run(ctx context.Context, in *Input) ([]domain.ComponentScore, error) {
	outcomes := make([]outcome, len(r.scorers))

	var g errgroup.Group
	for i, s := range r.scorers {
		g.Go(func() error {
			outcomes[i] = r.invoke(ctx, s, in)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scores := make([]domain.ComponentScore, len(r.scorers))
	for i, s := range r.scorers {
		scores[i] = resolve(s, in, outcomes[i])
	}
	return scores, nil
}

// invoke runs one component in its own goroutine so that a scorer ignoring
// its context cannot hold up the others past the timeout.
func (r *Runner) invoke(ctx context.Context, s Scorer, in *Input) outcome {
	cctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("%w: %w: %v", ErrUnavailable, errPanic, p)}
			}
		}()
		score, err := s.Score(cctx, in)
		done <- outcome{score: score, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-cctx.Done():
		o = outcome{err: cctx.Err()}
	}
	o.latency = time.Since(start)
	metrics.ComponentDuration.WithLabelValues(s.Name()).Observe(o.latency.Seconds())
	return o
}

// resolve is the single place where a failed component becomes its fallback.
func resolve(s Scorer, in *Input, o outcome) domain.ComponentScore {
	cs := domain.ComponentScore{
		Name:      s.Name(),
		Score:     o.score,
		LatencyMs: float64(o.latency.Microseconds()) / 1000,
	}

	reason := ""
	switch {
	case errors.Is(o.err, context.DeadlineExceeded):
		reason = ReasonTimeout
	case errors.Is(o.err, errPanic):
		reason = ReasonPanic
	case o.err != nil:
		reason = ReasonUnavailable
	case math.IsNaN(o.score) || o.score < 0 || o.score > 1:
		reason = ReasonInvalid
	}
	if reason == "" {
		return cs
	}

	cs.Score = clamp01(s.Fallback(in))
	cs.Fallback = true
	cs.Reason = reason
	metrics.ComponentFallbacks.WithLabelValues(cs.Name, reason).Inc()
	slog.Warn("model component fell back",
		"component", cs.Name,
		"tx_id", txID(in),
		"reason", reason,
		"fallback_score", cs.Score,
		"error", o.err,
	)
	return cs
}

func txID(in *Input) string {
	if in == nil || in.Tx == nil {
		return ""
	}
	return in.Tx.ID
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0.5
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Components builds the tabular, graph and anomaly scorers of a bundle.
func Components(b *Bundle, source EmbeddingSource) (*Tabular, *Graph, *Anomaly) {
	return NewTabular(b.Tabular), NewGraph(b.Graph, source), NewAnomaly(b.Anomaly)
}
