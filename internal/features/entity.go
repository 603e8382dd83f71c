package features

import "github.com/opensource-finance/kestrel/internal/domain"

// HighRiskMCC is the set of merchant category codes that raise merchant risk.
var HighRiskMCC = map[string]bool{
	"7995": true, // betting, casino gambling
	"6012": true, // financial institutions, merchandise and services
	"6051": true, // quasi-cash, non-FI
	"4816": true, // computer network services
	"5933": true, // pawn shops
	"7273": true, // dating services
	"5122": true, // drugs, proprietaries
	"7299": true, // miscellaneous personal services
}

// Risk score building blocks.
const (
	baseRisk          = 0.1
	sharedDeviceCards = 5
)

// MerchantRiskScore scores a merchant from its category and bucket.
func MerchantRiskScore(mcc string, bucket domain.RiskBucket) float64 {
	score := baseRisk
	if HighRiskMCC[mcc] {
		score += 0.4
	}
	switch bucket {
	case domain.RiskHigh:
		score += 0.3
	case domain.RiskMedium:
		score += 0.1
	}
	return min(score, 1.0)
}

// DeviceRiskScore scores a device from how many cards use it and whether
// its traffic is anonymised.
func DeviceRiskScore(cardCount int, anonymised bool) float64 {
	score := baseRisk
	if cardCount > sharedDeviceCards {
		score += 0.4
	}
	if anonymised {
		score += 0.3
	}
	return min(score, 1.0)
}
