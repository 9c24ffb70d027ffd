package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk shape of a policy.yaml document.
type policyFile struct {
	Rules    []ruleSpec `yaml:"rules"`
	Defaults []ruleSpec `yaml:"defaults"`
}

type ruleSpec struct {
	Pattern     string `yaml:"pattern"`
	Action      string `yaml:"action"`
	Description string `yaml:"description"`
}

// LoadFile reads a policy document from disk.
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return Policy{}, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	rules, err := resolveRules(pf.Rules)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: %s: rules: %w", path, err)
	}
	defaults, err := resolveRules(pf.Defaults)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: %s: defaults: %w", path, err)
	}
	return Policy{Rules: rules, Defaults: defaults}, nil
}

func resolveRules(specs []ruleSpec) ([]Rule, error) {
	out := make([]Rule, 0, len(specs))
	for _, s := range specs {
		var action Action
		switch s.Action {
		case string(ActionAllow), string(ActionDeny), string(ActionAsk):
			action = Action(s.Action)
		default:
			return nil, fmt.Errorf("unknown action %q for pattern %q", s.Action, s.Pattern)
		}
		if s.Pattern == "" {
			return nil, fmt.Errorf("rule with empty pattern")
		}
		out = append(out, Rule{Pattern: s.Pattern, Action: action, Description: s.Description})
	}
	return out, nil
}
