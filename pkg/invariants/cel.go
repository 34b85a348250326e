package invariants

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/patch"
)

// celCostLimit bounds the work a single rule may do.
const celCostLimit = 10000

// CELRule is a declarative invariant. Expr must evaluate to true for the
// change to pass.
type CELRule struct {
	ID      string `yaml:"id" json:"id"`
	Expr    string `yaml:"expr" json:"expr"`
	Message string `yaml:"message" json:"message"`
}

// RulePack is a versioned set of CEL rules. Requires is a semver constraint
// on BuiltinVersion.
type RulePack struct {
	Version  string    `yaml:"version" json:"version"`
	Requires string    `yaml:"requires" json:"requires"`
	Rules    []CELRule `yaml:"rules" json:"rules"`
}

func (p *RulePack) compile() ([]Rule, error) {
	if _, err := semver.NewVersion(p.Version); err != nil {
		return nil, fmt.Errorf("rule pack version %q: %w", p.Version, err)
	}
	if p.Requires != "" {
		constraint, err := semver.NewConstraint(p.Requires)
		if err != nil {
			return nil, fmt.Errorf("rule pack requires %q: %w", p.Requires, err)
		}
		if !constraint.Check(semver.MustParse(BuiltinVersion)) {
			return nil, fmt.Errorf("rule pack %s requires %s, built-in rules are %s", p.Version, p.Requires, BuiltinVersion)
		}
	}

	env, err := cel.NewEnv(
		cel.Variable("change", cel.DynType),
		cel.Variable("unit", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	seen := map[string]bool{}
	rules := make([]Rule, 0, len(p.Rules))
	for _, r := range p.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule pack %s: rule without id", p.Version)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule pack %s: duplicate rule %q", p.Version, r.ID)
		}
		seen[r.ID] = true

		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", r.ID, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(celCostLimit),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", r.ID, err)
		}
		rules = append(rules, celRule{def: r, prg: prg})
	}
	return rules, nil
}

type celRule struct {
	def CELRule
	prg cel.Program
}

func (r celRule) ID() string { return r.def.ID }

// Check evaluates the expression. Errors and non-bool results fail closed.
func (r celRule) Check(in *Input) []contracts.Violation {
	out, _, err := r.prg.Eval(activation(in))
	if err != nil {
		return []contracts.Violation{{RuleID: r.def.ID, Message: fmt.Sprintf("rule error: %v", err)}}
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return []contracts.Violation{{RuleID: r.def.ID, Message: "rule did not evaluate to a bool"}}
	}
	if ok {
		return nil
	}
	msg := r.def.Message
	if msg == "" {
		msg = "rule " + r.def.ID + " failed"
	}
	return []contracts.Violation{{RuleID: r.def.ID, Message: msg}}
}

func activation(in *Input) map[string]any {
	req := in.Request
	fields := make([]string, 0, len(in.ChangedPaths))
	for _, p := range in.ChangedPaths {
		if segs := patch.Segments(p); len(segs) > 0 {
			fields = append(fields, segs[len(segs)-1])
		}
	}
	change := map[string]any{
		"unit_id":       req.UnitID,
		"space":         req.Space,
		"account":       req.Account,
		"operation":     string(req.Op()),
		"paths":         append([]string{}, in.ChangedPaths...),
		"fields":        fields,
		"batch_size":    int64(req.BatchSize),
		"proposer_kind": string(req.Proposer.Kind),
		"proposer_id":   req.Proposer.ID,
		"rationale":     strings.TrimSpace(req.Rationale),
		"source_unit":   req.SourceUnit,
	}
	unit := map[string]any{
		"id":          "",
		"tier":        "",
		"protected":   false,
		"ttl_seconds": int64(0),
		"account":     "",
		"space":       "",
	}
	if in.Unit != nil {
		unit = map[string]any{
			"id":          in.Unit.ID,
			"tier":        string(in.Unit.Tier),
			"protected":   in.Unit.Protected,
			"ttl_seconds": int64(time.Duration(in.Unit.TTL) / time.Second),
			"account":     in.Unit.Account,
			"space":       in.Unit.Space,
		}
	}
	return map[string]any{"change": change, "unit": unit}
}
