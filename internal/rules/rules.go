package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yinz628/email-filter-sub004/internal/expr"
)

// Action is the verdict a matched rule assigns to a message.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionFlag       Action = "flag"
	ActionQuarantine Action = "quarantine"
	ActionBlock      Action = "block"
)

// ParseAction validates an action string from a rule definition.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionAllow:
		return ActionAllow, nil
	case ActionFlag:
		return ActionFlag, nil
	case ActionQuarantine:
		return ActionQuarantine, nil
	case ActionBlock:
		return ActionBlock, nil
	default:
		return "", fmt.Errorf("rules: unknown action %q", s)
	}
}

// Rule is one filter rule. Scope partitions rules per tenant or mailbox; an
// empty scope applies the rule to every scope. Condition is a CEL expression
// over the message variable, compiled once at load time.
type Rule struct {
	ID        string `koanf:"id" json:"id"`
	Scope     string `koanf:"scope" json:"scope,omitempty"`
	Priority  int    `koanf:"priority" json:"priority"`
	Action    Action `koanf:"action" json:"action"`
	Condition string `koanf:"condition" json:"condition"`
	Reason    string `koanf:"reason" json:"reason,omitempty"`
	Disabled  bool   `koanf:"disabled" json:"disabled,omitempty"`

	program expr.Program
}

// Compile validates the definition and attaches the compiled condition.
func (r *Rule) Compile(env *expr.Environment) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rules: rule id required")
	}
	action, err := ParseAction(string(r.Action))
	if err != nil {
		return fmt.Errorf("rules: rule %s: %w", r.ID, err)
	}
	r.Action = action
	program, err := env.Compile(r.Condition)
	if err != nil {
		return fmt.Errorf("rules: rule %s: %w", r.ID, err)
	}
	r.program = program
	return nil
}

// Matches evaluates the compiled condition against the activation map.
func (r Rule) Matches(activation map[string]any) (bool, error) {
	matched, err := r.program.EvalBool(activation)
	if err != nil {
		return false, fmt.Errorf("rules: rule %s: %w", r.ID, err)
	}
	return matched, nil
}

// Skip records a rule definition that was rejected at load time, carrying
// enough detail for health surfaces to explain what is missing.
type Skip struct {
	Scope   string   `json:"scope,omitempty"`
	RuleID  string   `json:"ruleId"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// sortRules orders rules for evaluation: ascending priority, ties broken by
// ID so the order is stable across loads.
func sortRules(list []Rule) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].ID < list[j].ID
	})
}

// merged returns global rules followed by scope rules, evaluation-sorted.
func merged(global, scoped []Rule) []Rule {
	out := make([]Rule, 0, len(global)+len(scoped))
	out = append(out, global...)
	out = append(out, scoped...)
	sortRules(out)
	return out
}
