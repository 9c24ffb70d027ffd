// Package policy evaluates tool requests against a deny>allow>ask>defaults
// precedence policy, and validates request args before any policy rule is
// ever consulted.
package policy

import (
	"github.com/haasonsaas/toolgate/internal/model"
)

// Action is what a rule or default entry decides.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Rule is one policy entry: a glob pattern and the action it selects.
type Rule struct {
	Pattern     string
	Action      Action
	Description string
}

// Policy is the two ordered lists spec.md §4.C describes: explicit
// overrides (rules) and fallback patterns (defaults).
type Policy struct {
	Rules    []Rule
	Defaults []Rule
}

// Engine evaluates signatures against a fixed Policy.
type Engine struct {
	policy Policy
}

// NewEngine builds an evaluation engine from a policy.
func NewEngine(p Policy) *Engine {
	return &Engine{policy: p}
}

// Evaluate implements the strict-priority decision procedure from
// spec.md §4.C: rule-deny, then rule-allow, then rule-ask, then the first
// matching default, then ASK as the safe fallback. Deny is absolute
// regardless of specificity — a broad deny over a narrow allow still
// denies; this is a security property, not a bug.
func (e *Engine) Evaluate(sig model.Signature) model.Decision {
	s := string(sig)

	for _, r := range e.policy.Rules {
		if r.Action == ActionDeny && matchGlob(r.Pattern, s) {
			return model.DecisionDeny
		}
	}
	for _, r := range e.policy.Rules {
		if r.Action == ActionAllow && matchGlob(r.Pattern, s) {
			return model.DecisionAllow
		}
	}
	for _, r := range e.policy.Rules {
		if r.Action == ActionAsk && matchGlob(r.Pattern, s) {
			return model.DecisionAsk
		}
	}
	for _, d := range e.policy.Defaults {
		if matchGlob(d.Pattern, s) {
			return actionToDecision(d.Action)
		}
	}
	return model.DecisionAsk
}

func actionToDecision(a Action) model.Decision {
	switch a {
	case ActionAllow:
		return model.DecisionAllow
	case ActionDeny:
		return model.DecisionDeny
	default:
		return model.DecisionAsk
	}
}
