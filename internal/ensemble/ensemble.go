// Package ensemble combines component scores into the fraud probability.
package ensemble

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidWeights is returned for weights that are negative, incomplete
// or do not sum to 1.0.
var ErrInvalidWeights = errors.New("invalid ensemble weights")

// weightTolerance bounds how far the weight sum may drift from 1.0.
const weightTolerance = 1e-6

// Params are the weights and threshold applied to one transaction.
type Params struct {
	Weights   map[string]float64
	Threshold float64
}

// Validate checks weights and threshold.
func (p Params) Validate() error {
	if len(p.Weights) == 0 {
		return fmt.Errorf("%w: no weights", ErrInvalidWeights)
	}
	sum := 0.0
	for name, w := range p.Weights {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("%w: %s is %v", ErrInvalidWeights, name, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: sum is %.6f", ErrInvalidWeights, sum)
	}
	if p.Threshold < 0 || p.Threshold > 1 || math.IsNaN(p.Threshold) {
		return fmt.Errorf("threshold %v outside [0,1]", p.Threshold)
	}
	return nil
}

// Combine returns p_fraud = sum(w_c * s_c) clamped to [0,1], and
// is_fraud = p_fraud > threshold. Every weighted component must be scored.
func Combine(scores []domain.ComponentScore, p Params) (pFraud float64, isFraud bool, err error) {
	if err := p.Validate(); err != nil {
		return 0, false, err
	}

	byName := make(map[string]float64, len(scores))
	for _, s := range scores {
		byName[s.Name] = s.Score
	}

	// Sum in name order so the result does not depend on map iteration.
	names := make([]string, 0, len(p.Weights))
	for name := range p.Weights {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			return 0, false, fmt.Errorf("%w: no score for %s", ErrInvalidWeights, name)
		}
		pFraud += p.Weights[name] * s
	}

	pFraud = math.Min(math.Max(pFraud, 0), 1)
	return pFraud, pFraud > p.Threshold, nil
}

// Combiner resolves parameters through a Policy and combines scores.
type Combiner struct {
	policy *Policy
}

// NewCombiner creates a Combiner.
func NewCombiner(policy *Policy) *Combiner {
	return &Combiner{policy: policy}
}

// Combine builds the scored part of an EnsembleResult for one transaction.
func (c *Combiner) Combine(txID, modelVersion, mcc string, scores []domain.ComponentScore) (*domain.EnsembleResult, error) {
	params := c.policy.Resolve(modelVersion, mcc)
	pFraud, isFraud, err := Combine(scores, params)
	if err != nil {
		return nil, err
	}

	result := &domain.EnsembleResult{
		TxID:            txID,
		PFraud:          pFraud,
		IsFraud:         isFraud,
		Threshold:       params.Threshold,
		ComponentScores: make(map[string]float64, len(scores)),
		Components:      scores,
		ModelVersion:    modelVersion,
	}
	for _, s := range scores {
		result.ComponentScores[s.Name] = s.Score
	}
	return result, nil
}
