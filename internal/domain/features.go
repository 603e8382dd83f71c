package domain

import (
	"encoding/json"
	"fmt"
)

// FeatureSchemaVersion identifies the field list and order below. Models are
// calibrated against exactly this layout; any change needs a new version.
const FeatureSchemaVersion = "v1"

// Feature indexes a field of the feature vector.
type Feature int

// Schema v1, in order.
const (
	FeatAmount Feature = iota
	FeatAmountLog
	FeatAmountZScore
	FeatHour
	FeatHourSin
	FeatHourCos
	FeatDayOfWeek
	FeatIsWeekend
	FeatIsHoliday
	FeatMonth
	FeatVelocity1mCount
	FeatVelocity1mAmount
	FeatVelocity5mCount
	FeatVelocity5mAmount
	FeatVelocity30mCount
	FeatVelocity30mAmount
	FeatVelocity120mCount
	FeatVelocity120mAmount
	FeatDistanceFromHome
	FeatCountryChange
	FeatRecentCountryCount
	FeatGeographicVelocity
	FeatRapidCountryChange
	FeatHoursSinceLastTx
	FeatNewDevice
	FeatDeviceCardCount
	FeatDeviceRiskScore
	FeatMerchantRiskScore
	FeatMerchantNovelty
	FeatMerchantAvgTicket
	FeatCardAgeDays
	FeatCardRiskScore
	FeatIsolationScore

	NumFeatures
)

var featureNames = [NumFeatures]string{
	"amount",
	"amount_log",
	"amount_zscore",
	"hour",
	"hour_sin",
	"hour_cos",
	"day_of_week",
	"is_weekend",
	"is_holiday",
	"month",
	"velocity_1m_count",
	"velocity_1m_amount",
	"velocity_5m_count",
	"velocity_5m_amount",
	"velocity_30m_count",
	"velocity_30m_amount",
	"velocity_120m_count",
	"velocity_120m_amount",
	"distance_from_home",
	"country_change",
	"recent_country_count",
	"geographic_velocity",
	"rapid_country_change",
	"hours_since_last_tx",
	"new_device",
	"device_card_count",
	"device_risk_score",
	"merchant_risk_score",
	"merchant_novelty",
	"merchant_avg_ticket",
	"card_age_days",
	"card_risk_score",
	"isolation_score",
}

// Documented defaults used when a sub-computation cannot produce a value.
const (
	DefaultHoursSinceLastTx  = 999.0
	DefaultNewDeviceRisk     = 0.5
	DefaultUnknownMerchant   = 0.3
	DefaultNeutralRisk       = 0.5
	DefaultIsolationScore    = 0.1
	DefaultAmountStdDevFloor = 1.0
)

var featureDefaults = func() [NumFeatures]float64 {
	var d [NumFeatures]float64
	d[FeatHoursSinceLastTx] = DefaultHoursSinceLastTx
	d[FeatDeviceRiskScore] = DefaultNeutralRisk
	d[FeatMerchantRiskScore] = DefaultNeutralRisk
	d[FeatCardRiskScore] = DefaultNeutralRisk
	d[FeatIsolationScore] = DefaultIsolationScore
	return d
}()

// String returns the schema name of the feature.
func (f Feature) String() string {
	if f < 0 || f >= NumFeatures {
		return fmt.Sprintf("feature(%d)", int(f))
	}
	return featureNames[f]
}

// Default returns the documented fallback value of the feature.
func (f Feature) Default() float64 {
	if f < 0 || f >= NumFeatures {
		return 0
	}
	return featureDefaults[f]
}

// FeatureNames returns the schema field names in order.
func FeatureNames() []string {
	out := make([]string, NumFeatures)
	copy(out, featureNames[:])
	return out
}

// FeatureByName resolves a schema field name.
func FeatureByName(name string) (Feature, bool) {
	for i, n := range featureNames {
		if n == name {
			return Feature(i), true
		}
	}
	return 0, false
}

// VelocityFeatures maps a schema window (minutes) to its count and amount fields.
var VelocityFeatures = map[int][2]Feature{
	1:   {FeatVelocity1mCount, FeatVelocity1mAmount},
	5:   {FeatVelocity5mCount, FeatVelocity5mAmount},
	30:  {FeatVelocity30mCount, FeatVelocity30mAmount},
	120: {FeatVelocity120mCount, FeatVelocity120mAmount},
}

// TabularFeatures is the 16-field slice consumed by the tabular classifier,
// the anomaly scorer and the attribution step.
var TabularFeatures = [16]Feature{
	FeatAmountLog,
	FeatHourSin,
	FeatHourCos,
	FeatDayOfWeek,
	FeatIsWeekend,
	FeatVelocity1mCount,
	FeatVelocity5mCount,
	FeatVelocity30mCount,
	FeatVelocity1mAmount,
	FeatVelocity5mAmount,
	FeatVelocity30mAmount,
	FeatDistanceFromHome,
	FeatCountryChange,
	FeatNewDevice,
	FeatMerchantRiskScore,
	FeatDeviceRiskScore,
}

// FeatureVector is a fixed-shape vector built fresh for each transaction.
type FeatureVector struct {
	Version  string               `json:"version"`
	Values   [NumFeatures]float64 `json:"-"`
	Degraded []string             `json:"degraded,omitempty"`
}

// NewFeatureVector returns a vector with every field at its default.
func NewFeatureVector() *FeatureVector {
	return &FeatureVector{
		Version: FeatureSchemaVersion,
		Values:  featureDefaults,
	}
}

// Get returns the value of a feature.
func (v *FeatureVector) Get(f Feature) float64 {
	return v.Values[f]
}

// Set assigns a feature value.
func (v *FeatureVector) Set(f Feature, value float64) {
	v.Values[f] = value
}

// SetBool assigns 1 or 0.
func (v *FeatureVector) SetBool(f Feature, b bool) {
	if b {
		v.Values[f] = 1
		return
	}
	v.Values[f] = 0
}

// Bool reports whether a flag feature is set.
func (v *FeatureVector) Bool(f Feature) bool {
	return v.Values[f] != 0
}

// Reset restores a feature to its documented default.
func (v *FeatureVector) Reset(fs ...Feature) {
	for _, f := range fs {
		v.Values[f] = featureDefaults[f]
	}
}

// MarkDegraded records that a feature group fell back to defaults.
func (v *FeatureVector) MarkDegraded(group string) {
	for _, g := range v.Degraded {
		if g == group {
			return
		}
	}
	v.Degraded = append(v.Degraded, group)
}

// IsDegraded reports whether the named group fell back to defaults.
func (v *FeatureVector) IsDegraded(group string) bool {
	for _, g := range v.Degraded {
		if g == group {
			return true
		}
	}
	return false
}

// Tabular returns the 16-field classifier slice.
func (v *FeatureVector) Tabular() []float64 {
	out := make([]float64, len(TabularFeatures))
	for i, f := range TabularFeatures {
		out[i] = v.Values[f]
	}
	return out
}

// Map returns the vector keyed by field name, for rule evaluation and JSON.
func (v *FeatureVector) Map() map[string]float64 {
	m := make(map[string]float64, NumFeatures)
	for i, n := range featureNames {
		m[n] = v.Values[i]
	}
	return m
}

// MarshalJSON encodes the vector as a name-keyed object.
func (v *FeatureVector) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Version  string             `json:"version"`
		Features map[string]float64 `json:"features"`
		Degraded []string           `json:"degraded,omitempty"`
	}{v.Version, v.Map(), v.Degraded})
}
