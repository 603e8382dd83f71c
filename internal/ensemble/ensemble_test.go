package ensemble

import (
	"math/rand/v2"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scores(tab, graph, anom float64) []domain.ComponentScore {
	return []domain.ComponentScore{
		{Name: domain.ComponentTabular, Score: tab},
		{Name: domain.ComponentGraph, Score: graph},
		{Name: domain.ComponentAnomaly, Score: anom},
	}
}

func defaultParams() Params {
	cfg := domain.DefaultConfig().Scoring
	return Params{Weights: cfg.Weights, Threshold: cfg.Threshold}
}

func TestCombineReferenceWeights(t *testing.T) {
	p, isFraud, err := Combine(scores(0.9, 0.8, 0.7), defaultParams())
	require.NoError(t, err)
	assert.InDelta(t, 0.6*0.9+0.25*0.8+0.15*0.7, p, 1e-12)
	assert.True(t, isFraud)

	p, isFraud, err = Combine(scores(0.05, 0.5, 0.1), defaultParams())
	require.NoError(t, err)
	assert.InDelta(t, 0.03+0.125+0.015, p, 1e-12)
	assert.False(t, isFraud)
}

func TestCombineThresholdIsStrict(t *testing.T) {
	params := Params{Weights: map[string]float64{domain.ComponentTabular: 1, domain.ComponentGraph: 0, domain.ComponentAnomaly: 0}, Threshold: 0.7}

	_, isFraud, err := Combine(scores(0.7, 0, 0), params)
	require.NoError(t, err)
	assert.False(t, isFraud)

	_, isFraud, err = Combine(scores(0.7000001, 0, 0), params)
	require.NoError(t, err)
	assert.True(t, isFraud)
}

func TestCombineProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 2000; i++ {
		a, b := r.Float64(), r.Float64()
		if a > b {
			a, b = b, a
		}
		params := Params{
			Weights: map[string]float64{
				domain.ComponentTabular: a,
				domain.ComponentGraph:   b - a,
				domain.ComponentAnomaly: 1 - b,
			},
			Threshold: r.Float64(),
		}
		p, isFraud, err := Combine(scores(r.Float64(), r.Float64(), r.Float64()), params)
		require.NoError(t, err)
		require.GreaterOrEqual(t, p, 0.0)
		require.LessOrEqual(t, p, 1.0)
		require.Equal(t, p > params.Threshold, isFraud)
	}
}

func TestCombineClamps(t *testing.T) {
	p, _, err := Combine(scores(1, 1, 1), defaultParams())
	require.NoError(t, err)
	assert.LessOrEqual(t, p, 1.0)

	p, _, err = Combine(scores(0, 0, 0), defaultParams())
	require.NoError(t, err)
	assert.Equal(t, 0.0, p)
}

func TestCombineRejectsBadWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights map[string]float64
	}{
		{"empty", nil},
		{"sum below one", map[string]float64{domain.ComponentTabular: 0.5, domain.ComponentGraph: 0.25, domain.ComponentAnomaly: 0.15}},
		{"negative", map[string]float64{domain.ComponentTabular: 1.2, domain.ComponentGraph: -0.2, domain.ComponentAnomaly: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Combine(scores(0.5, 0.5, 0.5), Params{Weights: tt.weights, Threshold: 0.7})
			assert.ErrorIs(t, err, ErrInvalidWeights)
		})
	}

	_, _, err := Combine(scores(0.5, 0.5, 0.5)[:2], defaultParams())
	assert.ErrorIs(t, err, ErrInvalidWeights)

	_, _, err = Combine(scores(0.5, 0.5, 0.5), Params{Weights: defaultParams().Weights, Threshold: 1.5})
	assert.Error(t, err)
}

func ptr(f float64) *float64 { return &f }

func TestPolicy(t *testing.T) {
	cfg := domain.DefaultConfig().Scoring
	cfg.Segments = map[string][]string{
		"gambling": {"7995", "7801"},
		"grocery":  {"5411"},
	}
	cfg.Overrides = []domain.ScoringOverride{
		{ModelVersion: "v2.0.0", Weights: map[string]float64{
			domain.ComponentTabular: 0.5, domain.ComponentGraph: 0.3, domain.ComponentAnomaly: 0.2,
		}, Threshold: ptr(0.8)},
		{Segment: "gambling", Threshold: ptr(0.5)},
	}

	p, err := NewPolicy(cfg)
	require.NoError(t, err)

	def := p.Resolve("v1.0.0", "5411")
	assert.Equal(t, 0.7, def.Threshold)
	assert.Equal(t, 0.6, def.Weights[domain.ComponentTabular])

	v2 := p.Resolve("v2.0.0", "5411")
	assert.Equal(t, 0.8, v2.Threshold)
	assert.Equal(t, 0.5, v2.Weights[domain.ComponentTabular])

	gambling := p.Resolve("v1.0.0", "7995")
	assert.Equal(t, 0.5, gambling.Threshold)
	assert.Equal(t, 0.6, gambling.Weights[domain.ComponentTabular])

	// Segment threshold wins, version weights remain.
	both := p.Resolve("v2.0.0", "7801")
	assert.Equal(t, 0.5, both.Threshold)
	assert.Equal(t, 0.5, both.Weights[domain.ComponentTabular])

	seg, ok := p.Segment("7995")
	assert.True(t, ok)
	assert.Equal(t, "gambling", seg)
}

func TestPolicyValidation(t *testing.T) {
	base := domain.DefaultConfig().Scoring

	bad := base
	bad.Overrides = []domain.ScoringOverride{{ModelVersion: "v9", Weights: map[string]float64{domain.ComponentTabular: 1, domain.ComponentGraph: 1}}}
	_, err := NewPolicy(bad)
	assert.ErrorIs(t, err, ErrInvalidWeights)

	unknown := base
	unknown.Overrides = []domain.ScoringOverride{{Segment: "travel", Threshold: ptr(0.5)}}
	_, err = NewPolicy(unknown)
	assert.Error(t, err)

	dup := base
	dup.Segments = map[string][]string{"a": {"7995"}, "b": {"7995"}}
	_, err = NewPolicy(dup)
	assert.Error(t, err)

	threshold := base
	threshold.Segments = map[string][]string{"a": {"7995"}}
	threshold.Overrides = []domain.ScoringOverride{{Segment: "a", Threshold: ptr(2)}}
	_, err = NewPolicy(threshold)
	assert.Error(t, err)
}

func TestCombiner(t *testing.T) {
	p, err := NewPolicy(domain.DefaultConfig().Scoring)
	require.NoError(t, err)
	c := NewCombiner(p)

	in := scores(0.1, 0.5, 0.2)
	in[1].Fallback = true
	in[1].Reason = "timeout"

	res, err := c.Combine("tx-1", "v1.0.0", "5411", in)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", res.TxID)
	assert.Equal(t, "v1.0.0", res.ModelVersion)
	assert.Equal(t, 0.7, res.Threshold)
	assert.Equal(t, 0.5, res.ComponentScores[domain.ComponentGraph])
	assert.Len(t, res.Components, 3)
	assert.True(t, res.Components[1].Fallback)
	assert.InDelta(t, 0.06+0.125+0.03, res.PFraud, 1e-12)
	assert.False(t, res.IsFraud)
}
