package domain

import "time"

// RiskRule is a qualitative risk factor expressed as a CEL predicate over
// the feature vector. Every schema feature name is bound as a double
// variable, e.g. "velocity_1m_count >= 3.0".
type RiskRule struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Factor is the human-readable risk factor emitted when the rule matches.
	Factor string `json:"factor"`

	// CEL expression to evaluate; must return bool
	Expression string `json:"expression"`

	// AlertType the factor points to when an alert is raised
	AlertType AlertType `json:"alertType"`

	// Order among factors in an explanation, lowest first
	Priority int `json:"priority"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
