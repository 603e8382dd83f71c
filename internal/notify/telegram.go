package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/retry"
)

// sender is the part of *tgbotapi.BotAPI the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts alerts to a chat.
type Telegram struct {
	bot        sender
	chatID     int64
	maxRetries int
	retryDelay time.Duration
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(botToken, chatID string, maxRetries int, retryDelay time.Duration) (*Telegram, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newTelegram(bot, id, maxRetries, retryDelay), nil
}

func newTelegram(bot sender, chatID int64, maxRetries int, retryDelay time.Duration) *Telegram {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Telegram{
		bot:        bot,
		chatID:     chatID,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Notify implements domain.Notifier.
func (t *Telegram) Notify(ctx context.Context, a *domain.Alert) error {
	msg := tgbotapi.NewMessage(t.chatID, formatAlert(a))
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	err := retry.Do(ctx, t.maxRetries, t.retryDelay, func() error {
		_, err := t.bot.Send(msg)
		return err
	})
	if err != nil {
		return fmt.Errorf("telegram send failed after %d attempts: %w", t.maxRetries, err)
	}
	return nil
}

var severityEmoji = map[domain.AlertSeverity]string{
	domain.SeverityLow:      "🟢",
	domain.SeverityMedium:   "🟡",
	domain.SeverityHigh:     "🟠",
	domain.SeverityCritical: "🔴",
}

// formatAlert renders an alert as a MarkdownV2 message.
func formatAlert(a *domain.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *Fraud alert* \\(%s\\)\n\n", severityEmoji[a.Severity], escapeMarkdownV2(string(a.Severity)))
	fmt.Fprintf(&b, "Transaction: `%s`\n", escapeMarkdownV2(a.TxID))
	fmt.Fprintf(&b, "Tenant: %s\n", escapeMarkdownV2(a.TenantID))
	fmt.Fprintf(&b, "Fraud probability: *%s*\n", escapeMarkdownV2(fmt.Sprintf("%.1f%%", a.PFraud*100)))
	fmt.Fprintf(&b, "Type: %s\n", escapeMarkdownV2(string(a.Type)))

	if len(a.RiskFactors) > 0 {
		b.WriteString("\nRisk factors:\n")
		for _, f := range a.RiskFactors {
			fmt.Fprintf(&b, "• %s\n", escapeMarkdownV2(f))
		}
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
