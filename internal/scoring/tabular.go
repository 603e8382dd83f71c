package scoring

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Tabular is the logistic classifier over the 16-field slice.
type Tabular struct {
	bias      float64
	weights   []float64
	baselines []float64
}

// NewTabular compiles the tabular model.
func NewTabular(m TabularModel) *Tabular {
	return &Tabular{
		bias:      m.Bias,
		weights:   tabularVector(m.Weights),
		baselines: tabularVector(m.Baselines),
	}
}

// Name implements Scorer.
func (t *Tabular) Name() string { return domain.ComponentTabular }

// Fallback implements Scorer.
func (t *Tabular) Fallback(*Input) float64 { return FallbackTabular }

// Score implements Scorer.
func (t *Tabular) Score(ctx context.Context, in *Input) (float64, error) {
	if in == nil || in.Features == nil {
		return 0, fmt.Errorf("%w: no features", ErrUnavailable)
	}
	z := t.bias
	for _, a := range t.Attribute(in.Features) {
		z += a
	}
	return sigmoid(z), nil
}

// Attribute returns the additive contribution of each tabular field to the
// logit, w_i * (x_i - baseline_i), in TabularFeatures order.
func (t *Tabular) Attribute(v *domain.FeatureVector) []float64 {
	x := v.Tabular()
	out := make([]float64, len(x))
	for i := range x {
		out[i] = t.weights[i] * (x[i] - t.baselines[i])
	}
	return out
}
