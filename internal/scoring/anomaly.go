package scoring

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Anomaly scores reconstruction error against the principal subspace of
// normal traffic. Without a model it is always unavailable and falls back
// to the precomputed isolation score.
type Anomaly struct {
	mean       []float64
	scale      []float64
	components [][]float64
	errScale   float64
	loaded     bool
}

// NewAnomaly compiles the anomaly model.
func NewAnomaly(m AnomalyModel) *Anomaly {
	a := &Anomaly{
		mean:     tabularVector(m.Mean),
		scale:    tabularVector(m.Scale),
		errScale: m.ErrScale,
		loaded:   m.Mean != nil && m.ErrScale > 0,
	}
	for i, s := range a.scale {
		if s <= 0 {
			a.scale[i] = 1
		}
	}
	for _, c := range m.Components {
		a.components = append(a.components, tabularVector(c))
	}
	return a
}

// Name implements Scorer.
func (a *Anomaly) Name() string { return domain.ComponentAnomaly }

// Fallback implements Scorer.
func (a *Anomaly) Fallback(in *Input) float64 {
	if in == nil || in.Features == nil {
		return domain.DefaultIsolationScore
	}
	return in.Features.Get(domain.FeatIsolationScore)
}

// Score implements Scorer.
func (a *Anomaly) Score(ctx context.Context, in *Input) (float64, error) {
	if !a.loaded {
		return 0, fmt.Errorf("%w: no anomaly model loaded", ErrUnavailable)
	}
	if in == nil || in.Features == nil {
		return 0, fmt.Errorf("%w: no features", ErrUnavailable)
	}
	return 1 - math.Exp(-a.ReconstructionError(in.Features)/a.errScale), nil
}

// ReconstructionError is the squared distance between the standardised
// slice and its projection on the components.
func (a *Anomaly) ReconstructionError(v *domain.FeatureVector) float64 {
	x := v.Tabular()
	z := make([]float64, len(x))
	for i := range x {
		z[i] = (x[i] - a.mean[i]) / a.scale[i]
	}

	recon := make([]float64, len(z))
	for _, c := range a.components {
		var dot float64
		for i := range z {
			dot += c[i] * z[i]
		}
		for i := range recon {
			recon[i] += dot * c[i]
		}
	}

	var sum float64
	for i := range z {
		d := z[i] - recon[i]
		sum += d * d
	}
	return sum
}
