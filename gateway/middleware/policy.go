package middleware

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ScopePolicy grants scopes to token subjects whose tokens carry no scope
// claim. The policy is loaded once at startup; tokens that do carry a scope
// claim are never widened by it.
type ScopePolicy struct {
	Subjects map[string][]string `yaml:"subjects"`
	Default  []string            `yaml:"default"`
}

// LoadScopePolicy reads a YAML policy file of the form:
//
//	default: [payments:read]
//	subjects:
//	  billing-agent: [payments:read, payments:write]
//	  ops: [payments:admin]
func LoadScopePolicy(path string) (*ScopePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var policy ScopePolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse scope policy: %w", err)
	}
	return &policy, nil
}

// ScopesFor returns the scopes granted to subject, falling back to the
// policy default. A nil policy grants nothing.
func (p *ScopePolicy) ScopesFor(subject string) []string {
	if p == nil {
		return nil
	}
	if scopes, ok := p.Subjects[subject]; ok {
		return scopes
	}
	return p.Default
}
