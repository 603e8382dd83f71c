// Package notify forwards fraud alerts to a log or a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a notifier based on configuration.
func New(cfg domain.NotifyConfig) (domain.Notifier, error) {
	switch cfg.Type {
	case "log", "":
		return LogNotifier{}, nil

	case "telegram":
		t := cfg.Telegram
		return NewTelegram(t.BotToken, t.ChatID, t.MaxRetries, t.RetryDelay)

	case "none":
		return Nop{}, nil

	default:
		return nil, fmt.Errorf("unsupported notifier type: %s", cfg.Type)
	}
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

// Notify implements domain.Notifier.
func (LogNotifier) Notify(ctx context.Context, a *domain.Alert) error {
	slog.WarnContext(ctx, "fraud alert",
		"alert_id", a.ID,
		"tx_id", a.TxID,
		"tenant_id", a.TenantID,
		"severity", a.Severity,
		"type", a.Type,
		"p_fraud", a.PFraud,
		"risk_factors", a.RiskFactors,
	)
	return nil
}

// Nop drops alerts.
type Nop struct{}

// Notify implements domain.Notifier.
func (Nop) Notify(context.Context, *domain.Alert) error { return nil }
