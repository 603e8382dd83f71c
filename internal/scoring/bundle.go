package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Bundle is the set of model parameters shipped together under one version.
// Per-feature parameters are keyed by schema field name.
type Bundle struct {
	Version       string       `json:"version"`
	SchemaVersion string       `json:"schemaVersion"`
	Tabular       TabularModel `json:"tabular"`
	Graph         GraphModel   `json:"graph"`
	Anomaly       AnomalyModel `json:"anomaly"`
}

// TabularModel is a logistic classifier over the 16-field slice, centred on
// per-feature baselines: logit = bias + sum(w_i * (x_i - baseline_i)).
type TabularModel struct {
	Bias      float64            `json:"bias"`
	Weights   map[string]float64 `json:"weights"`
	Baselines map[string]float64 `json:"baselines,omitempty"`
}

// GraphModel is a logistic head over concatenated card, merchant and
// device embeddings. Empty Weights means a constant sigmoid(Bias).
type GraphModel struct {
	Dim     int       `json:"dim"`
	Bias    float64   `json:"bias"`
	Weights []float64 `json:"weights,omitempty"`
}

// AnomalyModel scores the reconstruction error of the standardised 16-field
// slice after projection on the principal components.
// score = 1 - exp(-err / ErrScale).
type AnomalyModel struct {
	Mean       map[string]float64   `json:"mean"`
	Scale      map[string]float64   `json:"scale"`
	Components []map[string]float64 `json:"components"`
	ErrScale   float64              `json:"errScale"`
}

// LoadBundle reads a JSON bundle from disk.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model bundle: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse model bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks that the bundle matches the feature schema.
func (b *Bundle) Validate() error {
	if b.Version == "" {
		return fmt.Errorf("model bundle: version is required")
	}
	if b.SchemaVersion != domain.FeatureSchemaVersion {
		return fmt.Errorf("model bundle %s: schema %q does not match %q", b.Version, b.SchemaVersion, domain.FeatureSchemaVersion)
	}
	if err := checkTabularKeys("tabular.weights", b.Tabular.Weights); err != nil {
		return err
	}
	if err := checkTabularKeys("tabular.baselines", b.Tabular.Baselines); err != nil {
		return err
	}
	if b.Graph.Dim < 1 {
		return fmt.Errorf("model bundle: graph.dim must be at least 1")
	}
	if n := len(b.Graph.Weights); n != 0 && n != len(graphEntities)*b.Graph.Dim {
		return fmt.Errorf("model bundle: graph.weights has %d entries, want %d", n, len(graphEntities)*b.Graph.Dim)
	}
	if b.Anomaly.Mean != nil {
		if b.Anomaly.ErrScale <= 0 {
			return fmt.Errorf("model bundle: anomaly.errScale must be positive")
		}
		for _, m := range append([]map[string]float64{b.Anomaly.Mean, b.Anomaly.Scale}, b.Anomaly.Components...) {
			if err := checkTabularKeys("anomaly", m); err != nil {
				return err
			}
		}
		for name, s := range b.Anomaly.Scale {
			if s <= 0 {
				return fmt.Errorf("model bundle: anomaly.scale[%s] must be positive", name)
			}
		}
		for i, c := range b.Anomaly.Components {
			var norm float64
			for _, x := range c {
				norm += x * x
			}
			if math.Abs(norm-1) > 1e-6 {
				return fmt.Errorf("model bundle: anomaly.components[%d] is not unit length", i)
			}
		}
	}
	return nil
}

func checkTabularKeys(field string, m map[string]float64) error {
	for name := range m {
		f, ok := domain.FeatureByName(name)
		if !ok || tabularIndex(f) < 0 {
			return fmt.Errorf("model bundle: %s: %q is not a tabular feature", field, name)
		}
	}
	return nil
}

// tabularIndex returns the position of f in the 16-field slice, or -1.
func tabularIndex(f domain.Feature) int {
	for i, t := range domain.TabularFeatures {
		if t == f {
			return i
		}
	}
	return -1
}

// tabularVector lays a name-keyed map out over the 16-field slice.
func tabularVector(m map[string]float64) []float64 {
	out := make([]float64, len(domain.TabularFeatures))
	for i, f := range domain.TabularFeatures {
		out[i] = m[f.String()]
	}
	return out
}

// DefaultBundle returns the built-in reference model.
func DefaultBundle(version string, embeddingDim int) *Bundle {
	if version == "" {
		version = "v1.0.0"
	}
	return &Bundle{
		Version:       version,
		SchemaVersion: domain.FeatureSchemaVersion,
		Tabular: TabularModel{
			Bias: -3.2,
			Weights: map[string]float64{
				"amount_log":          0.35,
				"hour_sin":            0.1,
				"hour_cos":            0.4,
				"day_of_week":         0.02,
				"is_weekend":          0.15,
				"velocity_1m_count":   0.6,
				"velocity_5m_count":   0.25,
				"velocity_30m_count":  0.08,
				"velocity_1m_amount":  0.002,
				"velocity_5m_amount":  0.001,
				"velocity_30m_amount": 0.0005,
				"distance_from_home":  0.0006,
				"country_change":      1.2,
				"new_device":          0.9,
				"merchant_risk_score": 2.5,
				"device_risk_score":   2.0,
			},
			Baselines: map[string]float64{
				"amount_log":          math.Log1p(50),
				"day_of_week":         3,
				"merchant_risk_score": 0.1,
				"device_risk_score":   0.1,
			},
		},
		Graph: GraphModel{
			Dim:  embeddingDim,
			Bias: -1.5,
		},
		Anomaly: AnomalyModel{
			Mean: map[string]float64{
				"amount_log": 3.9, "day_of_week": 3, "is_weekend": 0.28,
				"velocity_1m_count": 0.05, "velocity_5m_count": 0.2, "velocity_30m_count": 0.8,
				"velocity_1m_amount": 5, "velocity_5m_amount": 20, "velocity_30m_amount": 80,
				"distance_from_home": 50, "country_change": 0.02, "new_device": 0.05,
				"merchant_risk_score": 0.15, "device_risk_score": 0.15,
			},
			Scale: map[string]float64{
				"amount_log": 1, "hour_sin": 0.7, "hour_cos": 0.7, "day_of_week": 2, "is_weekend": 0.45,
				"velocity_1m_count": 0.3, "velocity_5m_count": 0.6, "velocity_30m_count": 1.5,
				"velocity_1m_amount": 40, "velocity_5m_amount": 100, "velocity_30m_amount": 300,
				"distance_from_home": 300, "country_change": 0.15, "new_device": 0.2,
				"merchant_risk_score": 0.1, "device_risk_score": 0.1,
			},
			Components: []map[string]float64{
				{"amount_log": 1},
				{"hour_sin": 1},
				{"hour_cos": 1},
				{"day_of_week": 1},
				{"is_weekend": 1},
			},
			ErrScale: 20,
		},
	}
}
