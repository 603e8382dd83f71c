// Package rules provides the CEL-Go based risk-factor rule engine.
// Every feature of the schema is bound as a double variable, so rules
// read like "velocity_1m_count >= 3.0 && amount > 100.0".
package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// GlobalTenant holds rules that apply to every tenant.
const GlobalTenant = ""

// Engine is the CEL-based risk-factor evaluation engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]map[string]*CompiledRule // tenant -> rule id
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.RiskRule
	Program cel.Program
}

// Match is a rule that fired for a transaction.
type Match struct {
	RuleID    string
	Factor    string
	AlertType domain.AlertType
	Priority  int
}

// NewEngine creates a new rule engine with no rules loaded.
func NewEngine() (*Engine, error) {
	opts := make([]cel.EnvOption, 0, domain.NumFeatures)
	for _, name := range domain.FeatureNames() {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]map[string]*CompiledRule),
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.RiskRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads one rule for a tenant. Disabled rules are
// removed.
func (e *Engine) LoadRule(tenantID string, rule *domain.RiskRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if !rule.Enabled {
		e.mu.Lock()
		delete(e.compiledRules[tenantID], rule.ID)
		e.mu.Unlock()
		return nil
	}

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.compiledRules[tenantID] == nil {
		e.compiledRules[tenantID] = make(map[string]*CompiledRule)
	}
	e.compiledRules[tenantID][rule.ID] = compiled
	return nil
}

// ReloadRules atomically replaces a tenant's rules. Nothing changes when
// any rule fails to compile.
func (e *Engine) ReloadRules(tenantID string, rules []*domain.RiskRule) error {
	newRules := make(map[string]*CompiledRule, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		newRules[rule.ID] = compiled
	}

	e.mu.Lock()
	e.compiledRules[tenantID] = newRules
	e.mu.Unlock()
	return nil
}

// Evaluate runs the global and tenant rules against a feature vector and
// returns the matches ordered by priority, then rule id. A tenant rule
// shadows a global rule with the same id. Rules that fail to evaluate are
// skipped.
func (e *Engine) Evaluate(tenantID string, v *domain.FeatureVector) []Match {
	rules := e.rulesFor(tenantID)
	if len(rules) == 0 || v == nil {
		return nil
	}

	activation := make(map[string]any, domain.NumFeatures)
	for name, value := range v.Map() {
		activation[name] = value
	}

	var matches []Match
	for _, r := range rules {
		out, _, err := r.Program.Eval(activation)
		if err != nil {
			slog.Debug("risk rule evaluation failed", "rule_id", r.Rule.ID, "error", err)
			continue
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			matches = append(matches, Match{
				RuleID:    r.Rule.ID,
				Factor:    r.Rule.Factor,
				AlertType: r.Rule.AlertType,
				Priority:  r.Rule.Priority,
			})
		}
	}
	return matches
}

// LoadedRules returns the rules in effect for a tenant, in evaluation order.
func (e *Engine) LoadedRules(tenantID string) []*domain.RiskRule {
	rules := e.rulesFor(tenantID)
	out := make([]*domain.RiskRule, len(rules))
	for i, r := range rules {
		out[i] = r.Rule
	}
	return out
}

// RulesCount returns the number of loaded rules across tenants.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, rules := range e.compiledRules {
		n += len(rules)
	}
	return n
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]map[string]*CompiledRule)
	return nil
}

func (e *Engine) rulesFor(tenantID string) []*CompiledRule {
	e.mu.RLock()
	merged := make(map[string]*CompiledRule, len(e.compiledRules[GlobalTenant])+len(e.compiledRules[tenantID]))
	for id, r := range e.compiledRules[GlobalTenant] {
		merged[id] = r
	}
	if tenantID != GlobalTenant {
		for id, r := range e.compiledRules[tenantID] {
			merged[id] = r
		}
	}
	e.mu.RUnlock()

	rules := make([]*CompiledRule, 0, len(merged))
	for _, r := range merged {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Rule.Priority != rules[j].Rule.Priority {
			return rules[i].Rule.Priority < rules[j].Rule.Priority
		}
		return rules[i].Rule.ID < rules[j].Rule.ID
	})
	return rules
}

func (e *Engine) compileRule(rule *domain.RiskRule) (*CompiledRule, error) {
	if rule.ID == "" || rule.Factor == "" {
		return nil, fmt.Errorf("rule id and factor are required")
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{
		Rule:    rule,
		Program: program,
	}, nil
}
