package ensemble

import (
	"fmt"
	"maps"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type override struct {
	weights   map[string]float64
	threshold *float64
}

// Policy picks weights and threshold per transaction. A merchant segment
// override wins over a model version override, which wins over defaults.
// Overrides may set only weights or only a threshold.
type Policy struct {
	defaults  Params
	byVersion map[string]override
	bySegment map[string]override
	segmentOf map[string]string // MCC -> segment
}

// NewPolicy builds a policy from scoring configuration and validates every
// combination it can resolve to.
func NewPolicy(cfg domain.ScoringConfig) (*Policy, error) {
	p := &Policy{
		defaults:  Params{Weights: maps.Clone(cfg.Weights), Threshold: cfg.Threshold},
		byVersion: make(map[string]override),
		bySegment: make(map[string]override),
		segmentOf: make(map[string]string),
	}
	if err := p.defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default scoring params: %w", err)
	}

	for name, mccs := range cfg.Segments {
		for _, mcc := range mccs {
			if other, ok := p.segmentOf[mcc]; ok && other != name {
				return nil, fmt.Errorf("mcc %s is in segments %s and %s", mcc, other, name)
			}
			p.segmentOf[mcc] = name
		}
	}

	for i, o := range cfg.Overrides {
		ov := override{weights: maps.Clone(o.Weights), threshold: o.Threshold}
		switch {
		case o.Segment != "":
			if _, ok := cfg.Segments[o.Segment]; !ok {
				return nil, fmt.Errorf("override %d: unknown segment %q", i, o.Segment)
			}
			p.bySegment[o.Segment] = ov
		case o.ModelVersion != "":
			p.byVersion[o.ModelVersion] = ov
		default:
			return nil, fmt.Errorf("override %d: needs a segment or model version", i)
		}
	}

	for version := range p.byVersion {
		if err := p.Resolve(version, "").Validate(); err != nil {
			return nil, fmt.Errorf("model version %s: %w", version, err)
		}
		for segment, mccs := range cfg.Segments {
			if len(mccs) == 0 {
				continue
			}
			if err := p.Resolve(version, mccs[0]).Validate(); err != nil {
				return nil, fmt.Errorf("model version %s, segment %s: %w", version, segment, err)
			}
		}
	}
	for segment, mccs := range cfg.Segments {
		if len(mccs) == 0 {
			continue
		}
		if err := p.Resolve("", mccs[0]).Validate(); err != nil {
			return nil, fmt.Errorf("segment %s: %w", segment, err)
		}
	}
	return p, nil
}

// Resolve returns the parameters for a model version and merchant category.
func (p *Policy) Resolve(modelVersion, mcc string) Params {
	params := p.defaults
	if o, ok := p.byVersion[modelVersion]; ok {
		params = o.apply(params)
	}
	if segment, ok := p.segmentOf[mcc]; ok {
		if o, ok := p.bySegment[segment]; ok {
			params = o.apply(params)
		}
	}
	return params
}

// Segment returns the segment of an MCC, if any.
func (p *Policy) Segment(mcc string) (string, bool) {
	s, ok := p.segmentOf[mcc]
	return s, ok
}

func (o override) apply(p Params) Params {
	if o.weights != nil {
		p.Weights = o.weights
	}
	if o.threshold != nil {
		p.Threshold = *o.threshold
	}
	return p
}
