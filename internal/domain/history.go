package domain

import (
	"context"
	"math"
	"time"
)

// Bounds on the per-card history kept by HistoryStore backends.
const (
	CountryHorizon      = 24 * time.Hour
	MaxKnownMerchants   = 200
	MaxKnownDevices     = 20
	MaxRecentTx         = 64
	MaxDeviceCards      = 100
	RapidCountryHopSpan = 30 * time.Minute
)

// CardProfile is the running activity summary of one card.
type CardProfile struct {
	TxCount    int64   `json:"txCount"`
	AmountMean float64 `json:"amountMean"`
	AmountM2   float64 `json:"amountM2"`

	LastTxAt    time.Time `json:"lastTxAt"`
	LastCountry string    `json:"lastCountry,omitempty"`
	LastCity    string    `json:"lastCity,omitempty"`

	// Countries maps a country code to the last time the card was seen there.
	Countries map[string]time.Time `json:"countries,omitempty"`

	// Most recent first, bounded.
	Merchants []string `json:"merchants,omitempty"`
	Devices   []string `json:"devices,omitempty"`

	// IDs of the transactions already applied, most recent first, bounded.
	RecentTx []string `json:"recentTx,omitempty"`
}

// Observation is what one transaction contributes to a card profile.
type Observation struct {
	TxID       string
	Amount     float64
	Timestamp  time.Time
	Country    string
	City       string
	MerchantID string
	DeviceID   string
}

// HistoryStore keeps card activity profiles and the cards seen per device.
// All methods require tenantID for strict multi-tenancy isolation.
type HistoryStore interface {
	// Observe returns the profile as it was before obs, then applies obs.
	// Both steps happen atomically for the card. A card with no history
	// yields an empty profile. An observation whose TxID was already
	// applied leaves the profile unchanged.
	Observe(ctx context.Context, tenantID, cardID string, obs Observation) (*CardProfile, error)

	// Get returns the current profile without changing it.
	Get(ctx context.Context, tenantID, cardID string) (*CardProfile, error)

	// LinkDevice records that cardID was used on deviceID and returns the
	// number of distinct cards seen on the device, cardID included.
	LinkDevice(ctx context.Context, tenantID, deviceID, cardID string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// HistoryConfig holds configuration for the history store.
type HistoryConfig struct {
	// Backend is "memory" or "redis"
	Backend string `mapstructure:"backend"`

	// Redis keys expire after TTL of inactivity.
	TTL time.Duration `mapstructure:"ttl"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// Mean returns the running mean amount, or fallback when there is no history.
func (p *CardProfile) Mean(fallback float64) float64 {
	if p == nil || p.TxCount == 0 {
		return fallback
	}
	return p.AmountMean
}

// StdDev returns the sample standard deviation of amounts, floored.
func (p *CardProfile) StdDev(floor float64) float64 {
	if p == nil || p.TxCount < 2 {
		return floor
	}
	return math.Max(math.Sqrt(p.AmountM2/float64(p.TxCount-1)), floor)
}

// CountriesSince counts distinct countries seen at or after since.
func (p *CardProfile) CountriesSince(since time.Time) int {
	if p == nil {
		return 0
	}
	n := 0
	for _, seen := range p.Countries {
		if !seen.Before(since) {
			n++
		}
	}
	return n
}

// KnowsMerchant reports whether the card has transacted at the merchant.
func (p *CardProfile) KnowsMerchant(id string) bool {
	return p != nil && contains(p.Merchants, id)
}

// KnowsDevice reports whether the card has been used from the device.
func (p *CardProfile) KnowsDevice(id string) bool {
	return p != nil && contains(p.Devices, id)
}

// Applied reports whether the transaction was already folded in.
func (p *CardProfile) Applied(txID string) bool {
	return p != nil && contains(p.RecentTx, txID)
}

// Apply folds an observation into the profile and reports whether it
// changed anything. Backends call it under their per-card lock or
// transaction.
func (p *CardProfile) Apply(obs Observation) bool {
	if p.Applied(obs.TxID) {
		return false
	}
	p.TxCount++
	delta := obs.Amount - p.AmountMean
	p.AmountMean += delta / float64(p.TxCount)
	p.AmountM2 += delta * (obs.Amount - p.AmountMean)

	if obs.Timestamp.After(p.LastTxAt) {
		p.LastTxAt = obs.Timestamp
		if obs.Country != "" {
			p.LastCountry = obs.Country
			p.LastCity = obs.City
		}
	}

	if obs.Country != "" {
		if p.Countries == nil {
			p.Countries = make(map[string]time.Time)
		}
		if obs.Timestamp.After(p.Countries[obs.Country]) {
			p.Countries[obs.Country] = obs.Timestamp
		}
	}
	cutoff := p.LastTxAt.Add(-CountryHorizon)
	for c, seen := range p.Countries {
		if seen.Before(cutoff) {
			delete(p.Countries, c)
		}
	}

	p.Merchants = pushRecent(p.Merchants, obs.MerchantID, MaxKnownMerchants)
	p.Devices = pushRecent(p.Devices, obs.DeviceID, MaxKnownDevices)
	p.RecentTx = pushRecent(p.RecentTx, obs.TxID, MaxRecentTx)
	return true
}

// Clone returns a deep copy.
func (p *CardProfile) Clone() *CardProfile {
	if p == nil {
		return &CardProfile{}
	}
	c := *p
	if p.Countries != nil {
		c.Countries = make(map[string]time.Time, len(p.Countries))
		for k, v := range p.Countries {
			c.Countries[k] = v
		}
	}
	c.Merchants = append([]string(nil), p.Merchants...)
	c.Devices = append([]string(nil), p.Devices...)
	c.RecentTx = append([]string(nil), p.RecentTx...)
	return &c
}

func pushRecent(list []string, id string, limit int) []string {
	if id == "" {
		return list
	}
	out := make([]string, 0, len(list)+1)
	out = append(out, id)
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func contains(list []string, id string) bool {
	if id == "" {
		return false
	}
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
