package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/invariants"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/risk"
)

// Policy is the operator-supplied governance policy file.
type Policy struct {
	Version    string               `yaml:"version" json:"version"`
	Risk       RiskPolicy           `yaml:"risk" json:"risk"`
	Invariants *invariants.RulePack `yaml:"invariants,omitempty" json:"invariants,omitempty"`
}

// RiskPolicy is the field risk table. Fields listed here extend or override
// the built-in table unless Replace is set.
type RiskPolicy struct {
	Replace bool                       `yaml:"replace,omitempty" json:"replace,omitempty"`
	Default *FieldEntry                `yaml:"default,omitempty" json:"default,omitempty"`
	Fields  map[string]FieldEntry      `yaml:"fields" json:"fields"`
	Groups  map[string]ConcernGrouping `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// FieldEntry is one field's intrinsic risk and concern.
type FieldEntry struct {
	Risk    string `yaml:"risk" json:"risk"`
	Concern string `yaml:"concern" json:"concern"`
}

// ConcernGrouping assigns a concern and risk to a list of fields at once.
type ConcernGrouping struct {
	Risk   string   `yaml:"risk" json:"risk"`
	Fields []string `yaml:"fields" json:"fields"`
}

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a policy document. Unknown keys are rejected.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return nil, fmt.Errorf("policy version %q: %w", p.Version, err)
	}
	if _, err := p.FieldTable(); err != nil {
		return nil, err
	}
	return &p, nil
}

// FieldTable builds the classifier table the policy describes. Groups are
// applied before Fields, so an explicit field entry wins. Names are
// case-insensitive.
func (p *Policy) FieldTable() (*risk.FieldTable, error) {
	base := risk.DefaultTable()
	def := base.Default
	if p.Risk.Default != nil {
		rule, err := p.Risk.Default.rule("default")
		if err != nil {
			return nil, err
		}
		def = rule
	}

	fields := map[string]risk.FieldRule{}
	if !p.Risk.Replace {
		for _, name := range base.Fields() {
			rule, _, _ := base.Lookup("/" + name)
			fields[name] = rule
		}
	}
	for concern, g := range p.Risk.Groups {
		class, err := contracts.ParseRiskClass(g.Risk)
		if err != nil {
			return nil, fmt.Errorf("policy group %q: %w", concern, err)
		}
		for _, name := range g.Fields {
			fields[strings.ToLower(name)] = risk.FieldRule{Risk: class, Concern: risk.Concern(concern)}
		}
	}
	for name, e := range p.Risk.Fields {
		rule, err := e.rule(name)
		if err != nil {
			return nil, err
		}
		fields[strings.ToLower(name)] = rule
	}
	return risk.NewFieldTable(fields, def), nil
}

func (e FieldEntry) rule(name string) (risk.FieldRule, error) {
	class, err := contracts.ParseRiskClass(e.Risk)
	if err != nil {
		return risk.FieldRule{}, fmt.Errorf("policy field %q: %w", name, err)
	}
	concern := risk.Concern(strings.ToLower(strings.TrimSpace(e.Concern)))
	if concern == "" {
		concern = risk.ConcernOther
	}
	return risk.FieldRule{Risk: class, Concern: concern}, nil
}
