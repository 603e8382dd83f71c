package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxTransactionAmount is the largest amount accepted for scoring.
const MaxTransactionAmount = 1_000_000.0

var (
	// ErrInvalidTransaction is returned when a transaction fails validation.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrTenantRequired is returned when an operation is called without a tenant.
	ErrTenantRequired = errors.New("tenantID is required")
)

// Transaction is a single card payment to be scored. It is never mutated
// once it enters the pipeline.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	Timestamp time.Time `json:"timestamp"`

	// Entities
	CardID     string `json:"cardId"`
	MerchantID string `json:"merchantId"`
	DeviceID   string `json:"deviceId,omitempty"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	MCC      string  `json:"mcc"`

	// Optional geo fields
	IP      string `json:"ip,omitempty"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
}

// Validate checks the transaction against the accepted input shape.
func (tx *Transaction) Validate() error {
	if tx == nil {
		return fmt.Errorf("%w: transaction is nil", ErrInvalidTransaction)
	}
	if tx.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTransaction)
	}
	if tx.CardID == "" || tx.MerchantID == "" {
		return fmt.Errorf("%w: cardId and merchantId are required", ErrInvalidTransaction)
	}
	if tx.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidTransaction)
	}
	// Negated so NaN fails too.
	if !(tx.Amount > 0 && tx.Amount <= MaxTransactionAmount) {
		return fmt.Errorf("%w: amount must be in (0, %.0f]", ErrInvalidTransaction, MaxTransactionAmount)
	}
	if !isDigits(tx.MCC, 4) {
		return fmt.Errorf("%w: mcc must be 4 digits", ErrInvalidTransaction)
	}
	if len(tx.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidTransaction)
	}
	if tx.Country != "" && len(tx.Country) != 2 {
		return fmt.Errorf("%w: country must be a 2-letter code", ErrInvalidTransaction)
	}
	return nil
}

// Normalized returns a copy with defaults applied and codes upper-cased.
func (tx Transaction) Normalized() Transaction {
	if tx.Currency == "" {
		tx.Currency = "USD"
	}
	tx.Currency = strings.ToUpper(tx.Currency)
	tx.Country = strings.ToUpper(tx.Country)
	tx.Timestamp = tx.Timestamp.UTC()
	return tx
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
