package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// Risk factor texts of the built-in rules.
const (
	FactorVelocity        = "Multiple transactions in short time window"
	FactorFarFromHome     = "Transaction far from usual location"
	FactorNewDevice       = "First-time device usage"
	FactorHighRiskMerch   = "High-risk merchant category"
	FactorLargeAmount     = "Unusually large transaction amount"
	FactorRapidCountryHop = "Country changed shortly after previous transaction"
	FactorManyCountries   = "Card used in several countries within 24 hours"
	FactorRiskyDevice     = "Device shared across many cards or anonymised"
)

// BuiltinRules returns the risk-factor rules shipped with the binary.
// They load under GlobalTenant; tenants add their own through the API.
func BuiltinRules() []*domain.RiskRule {
	return []*domain.RiskRule{
		{
			ID:         "builtin-velocity-1m",
			Factor:     FactorVelocity,
			Expression: "velocity_1m_count >= 3.0",
			AlertType:  domain.AlertVelocityBreach,
			Priority:   10,
			Enabled:    true,
		},
		{
			ID:         "builtin-rapid-country-change",
			Factor:     FactorRapidCountryHop,
			Expression: "rapid_country_change == 1.0",
			AlertType:  domain.AlertPatternAnomaly,
			Priority:   20,
			Enabled:    true,
		},
		{
			ID:         "builtin-far-from-home",
			Factor:     FactorFarFromHome,
			Expression: "distance_from_home > 1000.0",
			AlertType:  domain.AlertPatternAnomaly,
			Priority:   30,
			Enabled:    true,
		},
		{
			ID:         "builtin-many-countries",
			Factor:     FactorManyCountries,
			Expression: "geographic_velocity == 1.0",
			AlertType:  domain.AlertPatternAnomaly,
			Priority:   40,
			Enabled:    true,
		},
		{
			ID:         "builtin-large-amount",
			Factor:     FactorLargeAmount,
			Expression: "amount_zscore > 3.0",
			AlertType:  domain.AlertFraudDetected,
			Priority:   50,
			Enabled:    true,
		},
		{
			ID:         "builtin-new-device",
			Factor:     FactorNewDevice,
			Expression: "new_device == 1.0",
			AlertType:  domain.AlertFraudDetected,
			Priority:   60,
			Enabled:    true,
		},
		{
			ID:         "builtin-high-risk-merchant",
			Factor:     FactorHighRiskMerch,
			Expression: "merchant_risk_score > 0.7",
			AlertType:  domain.AlertFraudDetected,
			Priority:   70,
			Enabled:    true,
		},
		{
			ID:         "builtin-risky-device",
			Factor:     FactorRiskyDevice,
			Expression: "device_risk_score >= 0.7",
			AlertType:  domain.AlertFraudDetected,
			Priority:   80,
			Enabled:    true,
		},
	}
}
