package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/yinz628/email-filter-sub004/internal/expr"
)

// Source resolves the rule set for a scope. Load returns global rules plus
// the scope's own rules in evaluation order; implementations return a fresh
// slice the caller may hold onto.
type Source interface {
	Load(ctx context.Context, scope string) ([]Rule, error)
}

// MemorySource keeps rules in a mutable in-process table. It backs tests,
// development setups, and deployments that push rules over the API.
type MemorySource struct {
	env *expr.Environment

	mu      sync.RWMutex
	byScope map[string][]Rule
}

// NewMemorySource builds an empty table whose rules compile against env.
func NewMemorySource(env *expr.Environment) *MemorySource {
	return &MemorySource{
		env:     env,
		byScope: make(map[string][]Rule),
	}
}

// Replace swaps the entire table for the provided definitions. Every rule
// must compile; on any failure the previous table stays in place.
func (s *MemorySource) Replace(rules ...Rule) error {
	byScope := make(map[string][]Rule)
	for i := range rules {
		rule := rules[i]
		if err := rule.Compile(s.env); err != nil {
			return fmt.Errorf("rules: replace: %w", err)
		}
		byScope[rule.Scope] = append(byScope[rule.Scope], rule)
	}
	for scope := range byScope {
		sortRules(byScope[scope])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byScope = byScope
	return nil
}

// Load returns the evaluation-ordered rules for scope.
func (s *MemorySource) Load(_ context.Context, scope string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if scope == "" {
		return merged(s.byScope[""], nil), nil
	}
	return merged(s.byScope[""], s.byScope[scope]), nil
}
