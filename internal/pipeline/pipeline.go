// Package pipeline turns one transaction into a scored, explained and
// recorded decision.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel/pipeline")

// ScoringError reports that no result could be produced for a transaction.
// It is the only error Score returns; no decision is persisted with it.
type ScoringError struct {
	TxID  string
	Cause error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("scoring transaction %q failed: %v", e.TxID, e.Cause)
}

func (e *ScoringError) Unwrap() error {
	return e.Cause
}

// Deps are the stages of a Pipeline.
type Deps struct {
	Features  *features.Generator
	Runner    *scoring.Runner
	Combiner  *ensemble.Combiner
	Explainer *explain.Explainer
	Recorder  *decision.Recorder

	ModelVersion string
	Route        string

	// TotalTimeout bounds one Score call end to end.
	TotalTimeout time.Duration

	// BatchWorkers bounds concurrency of ScoreBatch.
	BatchWorkers int
}

// Pipeline scores transactions. It is safe for concurrent use.
type Pipeline struct {
	features  *features.Generator
	runner    *scoring.Runner
	combiner  *ensemble.Combiner
	explainer *explain.Explainer
	recorder  *decision.Recorder

	modelVersion string
	route        string
	timeout      time.Duration
	batchWorkers int
}

// New creates a Pipeline.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		features:     d.Features,
		runner:       d.Runner,
		combiner:     d.Combiner,
		explainer:    d.Explainer,
		recorder:     d.Recorder,
		modelVersion: d.ModelVersion,
		route:        d.Route,
		timeout:      d.TotalTimeout,
		batchWorkers: d.BatchWorkers,
	}
	if p.route == "" {
		p.route = domain.RouteProduction
	}
	if p.batchWorkers <= 0 {
		p.batchWorkers = 16
	}
	return p
}

// Score runs one transaction through features, components, ensemble,
// explanation and recording. Degraded inputs and component failures are
// absorbed; only a *ScoringError is returned. Scoring the same transaction
// id again returns the decision recorded first.
func (p *Pipeline) Score(ctx context.Context, tx domain.Transaction) (*domain.EnsembleResult, error) {
	start := time.Now()

	tx = tx.Normalized()
	if err := tx.Validate(); err != nil {
		return nil, p.fail(ctx, tx, err, start)
	}
	if tx.TenantID == "" {
		return nil, p.fail(ctx, tx, domain.ErrTenantRequired, start)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "pipeline.score", trace.WithAttributes(
		attribute.String("tx.id", tx.ID),
		attribute.String("tenant.id", tx.TenantID),
		attribute.String("model.version", p.modelVersion),
	))
	defer span.End()

	// A retried id must not feed velocity and history a second time.
	if prior, err := p.recorder.Find(ctx, tx.TenantID, tx.ID); err != nil {
		logging.L(ctx).Warn("decision lookup failed, scoring anyway",
			"tx_id", tx.ID,
			"tenant_id", tx.TenantID,
			"error", err,
		)
	} else if prior != nil {
		span.SetAttributes(attribute.Bool("decision.duplicate", true))
		metrics.TransactionsScored.WithLabelValues("duplicate").Inc()
		logging.L(ctx).Debug("transaction already scored",
			"tx_id", tx.ID,
			"tenant_id", tx.TenantID,
		)
		return &prior.Result, nil
	}

	result, alertType, err := p.evaluate(ctx, &tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scoring failed")
		return nil, p.fail(ctx, tx, err, start)
	}

	// Partial work is discarded on cancellation; nothing is persisted.
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled before record")
		return nil, p.fail(ctx, tx, err, start)
	}

	rctx, rspan := tracer.Start(ctx, "record")
	d, inserted, err := p.recorder.Record(rctx, decision.Entry{
		TenantID:  tx.TenantID,
		Result:    result,
		Route:     p.route,
		Latency:   time.Since(start),
		AlertType: alertType,
	})
	rspan.SetAttributes(attribute.Bool("decision.inserted", inserted))
	rspan.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		return nil, p.fail(ctx, tx, err, start)
	}
	if !inserted {
		result = &d.Result
	}

	span.SetAttributes(
		attribute.Float64("p_fraud", result.PFraud),
		attribute.Bool("is_fraud", result.IsFraud),
	)

	outcome := "legit"
	if result.IsFraud {
		outcome = "fraud"
	}
	elapsed := time.Since(start)
	metrics.TransactionsScored.WithLabelValues(outcome).Inc()
	metrics.ScoringDuration.Observe(elapsed.Seconds())

	logging.L(ctx).Debug("transaction scored",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"p_fraud", result.PFraud,
		"is_fraud", result.IsFraud,
		"degraded", result.Degraded,
		"duplicate", !inserted,
		"duration_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

// evaluate runs the stages that do not write anything.
func (p *Pipeline) evaluate(ctx context.Context, tx *domain.Transaction) (*domain.EnsembleResult, domain.AlertType, error) {
	fctx, fspan := tracer.Start(ctx, "features")
	v := p.features.Generate(fctx, tx)
	fspan.SetAttributes(attribute.StringSlice("features.degraded", v.Degraded))
	fspan.End()
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	sctx, sspan := tracer.Start(ctx, "scoring")
	scores, err := p.runner.Run(sctx, &scoring.Input{Tx: tx, Features: v})
	for _, s := range scores {
		if s.Fallback {
			sspan.AddEvent("fallback", trace.WithAttributes(
				attribute.String("component", s.Name),
				attribute.String("reason", s.Reason),
			))
		}
	}
	sspan.End()
	if err != nil {
		return nil, "", err
	}

	result, err := p.combiner.Combine(tx.ID, p.modelVersion, tx.MCC, scores)
	if err != nil {
		return nil, "", err
	}

	degraded := append([]string(nil), v.Degraded...)
	for _, s := range scores {
		if s.Fallback {
			degraded = append(degraded, s.Name)
		}
	}
	result.Degraded = degraded
	result.Features = v

	_, espan := tracer.Start(ctx, "explain")
	ex := p.explainer.Explain(tx.TenantID, v)
	espan.End()
	result.Explanation = ex.Explanation

	return result, ex.AlertType, nil
}

func (p *Pipeline) fail(ctx context.Context, tx domain.Transaction, cause error, start time.Time) error {
	metrics.TransactionsScored.WithLabelValues("failed").Inc()
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())

	level := slog.LevelError
	if errors.Is(cause, domain.ErrInvalidTransaction) {
		level = slog.LevelWarn
	}
	logging.L(ctx).Log(context.WithoutCancel(ctx), level, "scoring failed",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"error", cause,
	)
	return &ScoringError{TxID: tx.ID, Cause: cause}
}
