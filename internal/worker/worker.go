// Package worker consumes post-commit alert signals, persists alerts and
// forwards them to the notifier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel/worker")

// Worker processes alert signals asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	notifier domain.Notifier

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	now           func() time.Time
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants whose alert topics are consumed.
	TenantIDs []string
}

// NewWorker creates a new alert worker. notifier may be nil.
func NewWorker(bus domain.EventBus, repo domain.Repository, notifier domain.Notifier) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		repo:     repo,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Start subscribes to the alert topic of every configured tenant.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return fmt.Errorf("worker needs at least one tenant")
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)
	return nil
}

// startTenantWorker subscribes to one tenant's alert topic.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		w.wg.Add(1)
		defer w.wg.Done()
		return w.processAlert(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicAlert,
	)
	return nil
}

// AlertID derives a stable alert id so redelivered signals update the same
// alert instead of creating another.
func AlertID(tenantID, txID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("kestrel:"+tenantID+":"+txID)).String()
}

// processAlert turns one alert signal into a persisted, notified alert.
func (w *Worker) processAlert(ctx context.Context, tenantID string, msg *domain.Message) (err error) {
	ctx, span := tracer.Start(ctx, "worker.alert", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("message.id", msg.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "alert not processed")
		}
		span.End()
	}()

	var sig domain.AlertSignal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		slog.Error("failed to parse alert signal",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if sig.TenantID != "" && sig.TenantID != tenantID {
		return fmt.Errorf("alert signal for tenant %q on tenant %q topic", sig.TenantID, tenantID)
	}

	alert := BuildAlert(tenantID, &sig, w.now())
	span.SetAttributes(
		attribute.String("tx.id", sig.TxID),
		attribute.String("alert.severity", string(alert.Severity)),
	)

	if w.repo != nil {
		if err := w.repo.SaveAlert(ctx, tenantID, alert); err != nil {
			slog.Error("failed to save alert",
				"tx_id", sig.TxID,
				"tenant_id", tenantID,
				"error", err,
			)
			return err
		}
		metrics.AlertsTotal.WithLabelValues("persisted", string(alert.Severity)).Inc()
	}

	if w.notifier != nil {
		if err := w.notifier.Notify(ctx, alert); err != nil {
			slog.Error("failed to notify alert",
				"alert_id", alert.ID,
				"tx_id", sig.TxID,
				"error", err,
			)
		} else {
			metrics.AlertsTotal.WithLabelValues("notified", string(alert.Severity)).Inc()
		}
	}

	slog.Info("alert processed",
		"alert_id", alert.ID,
		"tx_id", sig.TxID,
		"tenant_id", tenantID,
		"severity", alert.Severity,
		"type", alert.Type,
	)
	return nil
}

// BuildAlert grades an alert signal.
func BuildAlert(tenantID string, sig *domain.AlertSignal, now time.Time) *domain.Alert {
	alertType := sig.AlertType
	if alertType == "" {
		alertType = domain.AlertFraudDetected
	}
	factors := sig.RiskFactors
	if factors == nil {
		factors = []string{}
	}
	return &domain.Alert{
		ID:          AlertID(tenantID, sig.TxID),
		TenantID:    tenantID,
		TxID:        sig.TxID,
		Type:        alertType,
		Severity:    domain.SeverityFor(sig.PFraud, sig.Threshold),
		PFraud:      sig.PFraud,
		Reason:      fmt.Sprintf("fraud probability %.4f above threshold %.2f", sig.PFraud, sig.Threshold),
		RiskFactors: factors,
		Status:      domain.AlertStatusOpen,
		CreatedAt:   now.UTC(),
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
