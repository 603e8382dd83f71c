package domain

import (
	"time"
)

// Model component names.
const (
	ComponentTabular = "tabular"
	ComponentGraph   = "graph"
	ComponentAnomaly = "anomaly"
)

// ComponentScore is one model component's score for one transaction.
type ComponentScore struct {
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
	Fallback  bool    `json:"fallback,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	LatencyMs float64 `json:"latencyMs"`
}

// Contribution is one ranked entry of an explanation.
type Contribution struct {
	Feature     string  `json:"feature"`
	Importance  float64 `json:"importance"`
	Description string  `json:"description"`
}

// Explanation lists the top feature contributions, largest magnitude first,
// plus qualitative risk factors.
type Explanation struct {
	Contributions []Contribution `json:"contributions"`
	RiskFactors   []string       `json:"riskFactors"`
}

// EnsembleResult is the final output of scoring one transaction.
type EnsembleResult struct {
	TxID            string             `json:"txId"`
	PFraud          float64            `json:"pFraud"`
	IsFraud         bool               `json:"isFraud"`
	Threshold       float64            `json:"threshold"`
	ComponentScores map[string]float64 `json:"componentScores"`
	Components      []ComponentScore   `json:"components,omitempty"`
	Explanation     Explanation        `json:"explanation"`
	ModelVersion    string             `json:"modelVersion"`
	Degraded        []string           `json:"degraded,omitempty"`

	// Features is the vector the result was computed from. It is returned
	// to the caller but not persisted with the decision.
	Features *FeatureVector `json:"features,omitempty"`
}

// Decision routes.
const (
	RouteProduction = "production"
	RouteShadow     = "shadow"
	RouteCanary     = "canary"
)

// Decision is the persisted record of a scored transaction. There is at
// most one per (tenant, transaction id).
type Decision struct {
	TxID      string         `json:"txId"`
	TenantID  string         `json:"tenantId"`
	Result    EnsembleResult `json:"result"`
	Route     string         `json:"route"`
	LatencyMs int64          `json:"latencyMs"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "LOW"
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// SeverityFor grades a fraud probability.
func SeverityFor(pFraud, threshold float64) AlertSeverity {
	switch {
	case pFraud >= 0.95:
		return SeverityCritical
	case pFraud >= 0.85:
		return SeverityHigh
	case pFraud > threshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AlertType classifies why an alert fired.
type AlertType string

const (
	AlertFraudDetected  AlertType = "fraud_detected"
	AlertVelocityBreach AlertType = "velocity_breach"
	AlertPatternAnomaly AlertType = "pattern_anomaly"
)

// AlertStatus constants
const (
	AlertStatusOpen     = "OPEN"
	AlertStatusResolved = "RESOLVED"
)

// AlertSignal is the post-commit message emitted when a decision is fraud.
type AlertSignal struct {
	TxID         string    `json:"txId"`
	TenantID     string    `json:"tenantId"`
	PFraud       float64   `json:"pFraud"`
	Threshold    float64   `json:"threshold"`
	RiskFactors  []string  `json:"riskFactors"`
	AlertType    AlertType `json:"alertType,omitempty"`
	ModelVersion string    `json:"modelVersion"`
	DecidedAt    time.Time `json:"decidedAt"`
}

// Alert is the persisted alert raised from an AlertSignal.
type Alert struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenantId"`
	TxID        string        `json:"txId"`
	Type        AlertType     `json:"type"`
	Severity    AlertSeverity `json:"severity"`
	PFraud      float64       `json:"pFraud"`
	Reason      string        `json:"reason"`
	RiskFactors []string      `json:"riskFactors"`
	Status      string        `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
}
