package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// InsertDecision writes a decision unless one already exists for the
// transaction. inserted is false on a duplicate; that is not an error.
func (r *SQLRepository) InsertDecision(ctx context.Context, tenantID string, d *domain.Decision) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if d == nil || d.TxID == "" {
		return false, fmt.Errorf("%w: decision txId is required", ErrInvalidInput)
	}

	componentScores, err := json.Marshal(d.Result.ComponentScores)
	if err != nil {
		return false, fmt.Errorf("encode component scores: %w", err)
	}
	components, err := json.Marshal(d.Result.Components)
	if err != nil {
		return false, fmt.Errorf("encode components: %w", err)
	}
	explanation, err := json.Marshal(d.Result.Explanation)
	if err != nil {
		return false, fmt.Errorf("encode explanation: %w", err)
	}
	degraded, _ := json.Marshal(d.Result.Degraded)

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO decisions (
			tx_id, tenant_id, p_fraud, is_fraud, threshold,
			component_scores, components, explanation, degraded,
			model_version, route, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, tx_id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		d.TxID, tenantID, d.Result.PFraud, boolToInt(d.Result.IsFraud), d.Result.Threshold,
		string(componentScores), string(components), string(explanation), string(degraded),
		d.Result.ModelVersion, d.Route, d.LatencyMs, createdAt.UTC(),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetDecision retrieves the decision for a transaction.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, txID string) (*domain.Decision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tx_id, tenant_id, p_fraud, is_fraud, threshold,
			   component_scores, components, explanation, degraded,
			   model_version, route, latency_ms, created_at
		FROM decisions
		WHERE tenant_id = ? AND tx_id = ?
	`

	var d domain.Decision
	var isFraud int
	var componentScores, components, explanation, degraded string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&d.TxID, &d.TenantID, &d.Result.PFraud, &isFraud, &d.Result.Threshold,
		&componentScores, &components, &explanation, &degraded,
		&d.Result.ModelVersion, &d.Route, &d.LatencyMs, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Result.TxID = d.TxID
	d.Result.IsFraud = isFraud == 1
	if err := json.Unmarshal([]byte(componentScores), &d.Result.ComponentScores); err != nil {
		return nil, fmt.Errorf("decode component scores: %w", err)
	}
	if err := json.Unmarshal([]byte(explanation), &d.Result.Explanation); err != nil {
		return nil, fmt.Errorf("decode explanation: %w", err)
	}
	_ = json.Unmarshal([]byte(components), &d.Result.Components)
	_ = json.Unmarshal([]byte(degraded), &d.Result.Degraded)

	return &d, nil
}

// SaveAlert stores an alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, tenantID string, a *domain.Alert) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if a == nil || a.ID == "" || a.TxID == "" {
		return fmt.Errorf("%w: alert id and txId are required", ErrInvalidInput)
	}

	factors, _ := json.Marshal(a.RiskFactors)
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO alerts (
			id, tenant_id, tx_id, type, severity, p_fraud, reason, risk_factors, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.TxID, string(a.Type), string(a.Severity), a.PFraud,
		a.Reason, string(factors), a.Status, createdAt.UTC(),
	)
	return err
}

// ListAlerts returns alerts for a tenant, newest first. A non-empty txID
// filters to one transaction.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, txID string) ([]*domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tx_id, type, severity, p_fraud, reason, risk_factors, status, created_at
		FROM alerts
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if txID != "" {
		query += " AND tx_id = ?"
		args = append(args, txID)
	}
	query += " ORDER BY created_at DESC LIMIT 500"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		var alertType, severity, factors string

		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.TxID, &alertType, &severity, &a.PFraud,
			&a.Reason, &factors, &a.Status, &a.CreatedAt,
		); err != nil {
			return nil, err
		}

		a.Type = domain.AlertType(alertType)
		a.Severity = domain.AlertSeverity(severity)
		_ = json.Unmarshal([]byte(factors), &a.RiskFactors)
		alerts = append(alerts, &a)
	}

	return alerts, rows.Err()
}
