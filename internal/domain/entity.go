package domain

import (
	"context"
	"time"
)

// RiskBucket is a coarse risk classification of an entity.
type RiskBucket string

const (
	RiskLow     RiskBucket = "LOW"
	RiskMedium  RiskBucket = "MEDIUM"
	RiskHigh    RiskBucket = "HIGH"
	RiskUnknown RiskBucket = "UNKNOWN"
)

// Valid reports whether b is one of the stored buckets.
func (b RiskBucket) Valid() bool {
	switch b {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Score maps a bucket to a [0,1] risk score. Unknown maps to the neutral midpoint.
func (b RiskBucket) Score() float64 {
	switch b {
	case RiskLow:
		return 0.1
	case RiskMedium:
		return 0.4
	case RiskHigh:
		return 0.8
	default:
		return DefaultNeutralRisk
	}
}

// CardRecord holds the risk attributes of a card.
type CardRecord struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	AccountID   string     `json:"accountId,omitempty"`
	HomeCountry string     `json:"homeCountry,omitempty"`
	HomeCity    string     `json:"homeCity,omitempty"`
	RiskBucket  RiskBucket `json:"riskBucket"`
	IssuedAt    time.Time  `json:"issuedAt"`

	// IsolationScore is precomputed offline; zero means not available.
	IsolationScore float64 `json:"isolationScore,omitempty"`

	// Known is false for the unknown sentinel.
	Known bool `json:"-"`
}

// MerchantRecord holds the risk attributes of a merchant.
type MerchantRecord struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenantId"`
	Name             string     `json:"name,omitempty"`
	MCC              string     `json:"mcc,omitempty"`
	City             string     `json:"city,omitempty"`
	Country          string     `json:"country,omitempty"`
	RiskBucket       RiskBucket `json:"riskBucket"`
	AvgTicket        float64    `json:"avgTicket"`
	TransactionCount int64      `json:"transactionCount"`

	Known bool `json:"-"`
}

// DeviceRecord holds the risk attributes of a device.
type DeviceRecord struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Type        string     `json:"type,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	RiskBucket  RiskBucket `json:"riskBucket"`
	IsProxy     bool       `json:"isProxy"`
	IsVPN       bool       `json:"isVpn"`
	CardCount   int        `json:"cardCount"`
	FirstSeen   time.Time  `json:"firstSeen"`
	LastSeen    time.Time  `json:"lastSeen"`

	Known bool `json:"-"`
}

// UnknownCard is the sentinel returned for a card with no stored record.
func UnknownCard(id string) *CardRecord {
	return &CardRecord{ID: id, RiskBucket: RiskUnknown}
}

// UnknownMerchant is the sentinel returned for a merchant with no stored record.
func UnknownMerchant(id string) *MerchantRecord {
	return &MerchantRecord{ID: id, RiskBucket: RiskUnknown}
}

// UnknownDevice is the sentinel returned for a device with no stored record.
func UnknownDevice(id string) *DeviceRecord {
	return &DeviceRecord{ID: id, RiskBucket: RiskUnknown}
}

// RiskLookup fetches entity risk records. A missing entity is not an error:
// implementations return the Unknown sentinel with a nil error. Errors are
// reserved for backend failures and timeouts.
type RiskLookup interface {
	Card(ctx context.Context, tenantID, cardID string) (*CardRecord, error)
	Merchant(ctx context.Context, tenantID, merchantID string) (*MerchantRecord, error)
	Device(ctx context.Context, tenantID, deviceID string) (*DeviceRecord, error)
}

// Location is a resolved point on the map.
type Location struct {
	Country   string  `json:"country"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
