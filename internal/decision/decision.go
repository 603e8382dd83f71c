// Package decision persists scored transactions exactly once and emits the
// post-commit decision and alert signals.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// DefaultSignalTimeout bounds one post-commit publish.
const DefaultSignalTimeout = time.Second

// Entry is one scored transaction ready to be recorded.
type Entry struct {
	TenantID  string
	Result    *domain.EnsembleResult
	Route     string
	Latency   time.Duration
	AlertType domain.AlertType
}

// Recorder writes decisions insert-if-absent and signals alerts after the
// write commits.
type Recorder struct {
	repo          domain.Repository
	bus           domain.EventBus
	signalTimeout time.Duration
	now           func() time.Time
}

// NewRecorder creates a recorder. bus may be nil, in which case no signals
// are emitted.
func NewRecorder(repo domain.Repository, bus domain.EventBus) *Recorder {
	return &Recorder{
		repo:          repo,
		bus:           bus,
		signalTimeout: DefaultSignalTimeout,
		now:           time.Now,
	}
}

// Record persists the decision for e.Result.TxID. A second call for the same
// transaction is a no-op that returns the stored decision with inserted
// false. Signals are only emitted by the call that inserted.
func (r *Recorder) Record(ctx context.Context, e Entry) (*domain.Decision, bool, error) {
	if e.TenantID == "" {
		return nil, false, domain.ErrTenantRequired
	}
	if e.Result == nil || e.Result.TxID == "" {
		return nil, false, fmt.Errorf("decision needs a result with a transaction id")
	}

	route := e.Route
	if route == "" {
		route = domain.RouteProduction
	}
	d := &domain.Decision{
		TxID:      e.Result.TxID,
		TenantID:  e.TenantID,
		Result:    *e.Result,
		Route:     route,
		LatencyMs: e.Latency.Milliseconds(),
		CreatedAt: r.now().UTC(),
	}

	inserted, err := r.repo.InsertDecision(ctx, e.TenantID, d)
	if err != nil {
		metrics.DecisionsTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("insert decision: %w", err)
	}

	if !inserted {
		metrics.DecisionsTotal.WithLabelValues("duplicate").Inc()
		slog.Debug("decision already recorded", "tx_id", d.TxID, "tenant_id", e.TenantID)

		existing, err := r.repo.GetDecision(ctx, e.TenantID, d.TxID)
		if err != nil {
			slog.Warn("failed to load existing decision",
				"tx_id", d.TxID,
				"tenant_id", e.TenantID,
				"error", err,
			)
			return d, false, nil
		}
		return existing, false, nil
	}

	metrics.DecisionsTotal.WithLabelValues("inserted").Inc()
	r.signal(ctx, d, e.AlertType)
	return d, true, nil
}

// Find returns the decision recorded for txID, or nil when there is none.
func (r *Recorder) Find(ctx context.Context, tenantID, txID string) (*domain.Decision, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	d, err := r.repo.GetDecision(ctx, tenantID, txID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find decision: %w", err)
	}
	return d, nil
}

// signal emits the committed decision and, for fraud, an alert signal.
// Failures are logged and counted, never returned.
func (r *Recorder) signal(ctx context.Context, d *domain.Decision, alertType domain.AlertType) {
	if r.bus == nil {
		return
	}

	// The decision is committed; a cancelled request must not suppress it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.signalTimeout)
	defer cancel()

	if payload, err := json.Marshal(d); err == nil {
		if err := r.bus.Publish(ctx, d.TenantID, domain.TopicDecision, payload); err != nil {
			slog.Warn("failed to publish decision",
				"tx_id", d.TxID,
				"tenant_id", d.TenantID,
				"error", err,
			)
		}
	}

	// Shadow decisions are recorded for comparison only.
	if !d.Result.IsFraud || d.Route == domain.RouteShadow {
		return
	}

	severity := domain.SeverityFor(d.Result.PFraud, d.Result.Threshold)
	if alertType == "" {
		alertType = domain.AlertFraudDetected
	}
	sig := domain.AlertSignal{
		TxID:         d.TxID,
		TenantID:     d.TenantID,
		PFraud:       d.Result.PFraud,
		Threshold:    d.Result.Threshold,
		RiskFactors:  d.Result.Explanation.RiskFactors,
		AlertType:    alertType,
		ModelVersion: d.Result.ModelVersion,
		DecidedAt:    d.CreatedAt,
	}
	payload, err := json.Marshal(sig)
	if err == nil {
		err = r.bus.Publish(ctx, d.TenantID, domain.TopicAlert, payload)
	}
	if err != nil {
		metrics.AlertsTotal.WithLabelValues("signal_failed", string(severity)).Inc()
		slog.Error("failed to signal alert",
			"tx_id", d.TxID,
			"tenant_id", d.TenantID,
			"error", err,
		)
		return
	}

	metrics.AlertsTotal.WithLabelValues("signalled", string(severity)).Inc()
	slog.Info("alert signalled",
		"tx_id", d.TxID,
		"tenant_id", d.TenantID,
		"p_fraud", d.Result.PFraud,
		"severity", severity,
	)
}
