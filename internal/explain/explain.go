// Package explain turns a scored feature vector into ranked feature
// contributions and qualitative risk factors.
package explain

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// TopK is the number of contributions reported.
const TopK = 5

// Attributor returns the additive contribution of each tabular field, in
// domain.TabularFeatures order. scoring.Tabular implements it.
type Attributor interface {
	Attribute(v *domain.FeatureVector) []float64
}

// Result is an explanation plus the alert type of the highest priority
// risk factor, empty when no factor fired.
type Result struct {
	Explanation domain.Explanation
	AlertType   domain.AlertType
}

// Explainer builds explanations. It never fails: on any internal error the
// explanation is returned empty.
type Explainer struct {
	attr   Attributor
	engine *rules.Engine
	topK   int
}

// New creates an explainer. Either collaborator may be nil.
func New(attr Attributor, engine *rules.Engine) *Explainer {
	return &Explainer{attr: attr, engine: engine, topK: TopK}
}

// Explain ranks the tabular attributions and evaluates the tenant's
// risk-factor rules.
func (e *Explainer) Explain(tenantID string, v *domain.FeatureVector) (res Result) {
	res.Explanation = Empty()
	if v == nil {
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("explanation failed", "tenant_id", tenantID, "panic", r)
			res = Result{Explanation: Empty()}
		}
	}()

	contributions, err := e.contributions(v)
	if err != nil {
		slog.Warn("attribution skipped", "tenant_id", tenantID, "error", err)
	} else {
		res.Explanation.Contributions = contributions
	}

	if e.engine == nil {
		return res
	}
	matches := e.engine.Evaluate(tenantID, v)
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		if seen[m.Factor] {
			continue
		}
		seen[m.Factor] = true
		res.Explanation.RiskFactors = append(res.Explanation.RiskFactors, m.Factor)
	}
	if len(matches) > 0 {
		res.AlertType = matches[0].AlertType
	}
	return res
}

// Empty returns an explanation with no entries that encodes as empty JSON
// arrays.
func Empty() domain.Explanation {
	return domain.Explanation{
		Contributions: []domain.Contribution{},
		RiskFactors:   []string{},
	}
}

func (e *Explainer) contributions(v *domain.FeatureVector) ([]domain.Contribution, error) {
	if e.attr == nil {
		return []domain.Contribution{}, nil
	}
	attrs := e.attr.Attribute(v)
	if len(attrs) != len(domain.TabularFeatures) {
		return nil, fmt.Errorf("got %d attributions for %d features", len(attrs), len(domain.TabularFeatures))
	}

	order := make([]int, len(attrs))
	for i := range order {
		if math.IsNaN(attrs[i]) || math.IsInf(attrs[i], 0) {
			return nil, fmt.Errorf("non-finite attribution for %s", domain.TabularFeatures[i])
		}
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return math.Abs(attrs[order[a]]) > math.Abs(attrs[order[b]])
	})

	n := min(e.topK, len(order))
	out := make([]domain.Contribution, 0, n)
	for _, i := range order[:n] {
		f := domain.TabularFeatures[i]
		out = append(out, domain.Contribution{
			Feature:     f.String(),
			Importance:  attrs[i],
			Description: Describe(f, v),
		})
	}
	return out, nil
}
