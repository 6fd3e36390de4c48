// Package policy screens login attempts for suspicious signals. Results are
// advisory: they annotate the audit trail and never block a request.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"session-service/internal/util"
)

// Input is what a rule may inspect.
type Input struct {
	Identity  string
	UserAgent string
	IPAddress string
}

// Screener evaluates an input and returns the names of matching rules.
type Screener interface {
	Screen(in Input) []string
}

const (
	RuleUserAgentContains = "user_agent_contains"
	RuleIdentityContains  = "identity_contains"
	RuleMissingUserAgent  = "missing_user_agent"
	RuleIdentityMarkup    = "identity_markup"
)

type Rule struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Patterns []string `yaml:"patterns"`
}

type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules flags scripted clients and injection markers in the identity.
func DefaultRules() *RuleSet {
	return &RuleSet{Rules: []Rule{
		{Name: "suspicious_user_agent", Type: RuleUserAgentContains, Patterns: []string{"curl", "wget", "python-requests", "sqlmap", "nikto", "bot"}},
		{Name: "missing_user_agent", Type: RuleMissingUserAgent},
		{Name: "injection_pattern", Type: RuleIdentityMarkup},
	}}
}

// ParseRules decodes and validates a YAML rule document.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for i, r := range rs.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: missing name", i)
		}
		switch r.Type {
		case RuleUserAgentContains, RuleIdentityContains:
			if len(r.Patterns) == 0 {
				return nil, fmt.Errorf("rule %q: %s needs patterns", r.Name, r.Type)
			}
		case RuleMissingUserAgent, RuleIdentityMarkup:
		default:
			return nil, fmt.Errorf("rule %q: unknown type %q", r.Name, r.Type)
		}
		for j, p := range r.Patterns {
			rs.Rules[i].Patterns[j] = strings.ToLower(p)
		}
	}
	return &rs, nil
}

func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

func (rs *RuleSet) Screen(in Input) []string {
	ua := strings.ToLower(in.UserAgent)
	identity := strings.ToLower(in.Identity)

	var hits []string
	for _, r := range rs.Rules {
		matched := false
		switch r.Type {
		case RuleUserAgentContains:
			matched = containsAny(ua, r.Patterns)
		case RuleIdentityContains:
			matched = containsAny(identity, r.Patterns)
		case RuleMissingUserAgent:
			matched = strings.TrimSpace(in.UserAgent) == ""
		case RuleIdentityMarkup:
			matched = util.ContainsSuspicious(in.Identity)
		}
		if matched {
			hits = append(hits, r.Name)
		}
	}
	return hits
}

func containsAny(s string, patterns []string) bool {
	if s == "" {
		return false
	}
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
