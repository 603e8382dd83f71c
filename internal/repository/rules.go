package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveRiskRule upserts a risk-factor rule with tenant isolation.
func (r *SQLRepository) SaveRiskRule(ctx context.Context, tenantID string, rule *domain.RiskRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule == nil || rule.ID == "" || rule.Expression == "" || rule.Factor == "" {
		return fmt.Errorf("%w: rule id, factor and expression are required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO risk_rules (
			id, tenant_id, factor, expression, alert_type, priority, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			factor = excluded.factor,
			expression = excluded.expression,
			alert_type = excluded.alert_type,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	alertType := rule.AlertType
	if alertType == "" {
		alertType = domain.AlertPatternAnomaly
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Factor, rule.Expression, string(alertType),
		rule.Priority, boolToInt(rule.Enabled), now, now,
	)
	return err
}

// GetRiskRule retrieves a rule with tenant isolation.
func (r *SQLRepository) GetRiskRule(ctx context.Context, tenantID string, ruleID string) (*domain.RiskRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, factor, expression, alert_type, priority, enabled, created_at, updated_at
		FROM risk_rules
		WHERE tenant_id = ? AND id = ?
	`

	rule, err := scanRiskRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRiskRules returns the enabled rules of a tenant in priority order.
func (r *SQLRepository) ListRiskRules(ctx context.Context, tenantID string) ([]*domain.RiskRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, factor, expression, alert_type, priority, enabled, created_at, updated_at
		FROM risk_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY priority, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RiskRule
	for rows.Next() {
		rule, err := scanRiskRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRiskRule(row rowScanner) (*domain.RiskRule, error) {
	var rule domain.RiskRule
	var alertType string
	var enabled int

	if err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Factor, &rule.Expression, &alertType,
		&rule.Priority, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rule.AlertType = domain.AlertType(alertType)
	rule.Enabled = enabled == 1
	return &rule, nil
}
