// Package invariants runs the absolute safety rules every change must pass.
//
// Rules are deterministic: evaluation reads only its input, never the clock or
// any external state, so the same change always gets the same verdict. A
// single failed rule fails the whole evaluation. There is no approval path
// around a failure; the only remedies are a corrected change or a signed
// override artifact carried on the request itself.
package invariants

import (
	"fmt"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/patch"
)

// BuiltinVersion is the version of the built-in rule set.
const BuiltinVersion = "1.0.0"

// Input is the change under evaluation and the units it references.
type Input struct {
	Request      *contracts.ChangeRequest
	Unit         *contracts.UnitMetadata
	Source       *contracts.UnitMetadata
	ChangedPaths []string

	values  []patch.Value
	after   any      // unit document with the patch applied
	touched []string // pointers whose values the patch changes
}

// Rule is one invariant. Check returns the violations it found.
type Rule interface {
	ID() string
	Check(in *Input) []contracts.Violation
}

// Result is a pass or a fail with reasons.
type Result struct {
	Violations []contracts.Violation
	Version    string
}

// Passed reports whether no rule was violated.
func (r Result) Passed() bool { return len(r.Violations) == 0 }

// PolicyResult converts r to the form persisted on a proposal.
func (r Result) PolicyResult() contracts.PolicyResult {
	return contracts.PolicyResult{
		Passed:         r.Passed(),
		Violations:     append([]contracts.Violation(nil), r.Violations...),
		RuleSetVersion: r.Version,
	}
}

// Evaluator holds a fixed, versioned rule set.
type Evaluator struct {
	rules    []Rule
	version  string
	verifier *OverrideVerifier
}

// Option configures an Evaluator.
type Option func(*Evaluator) error

// WithOverrideVerifier sets the verifier for override tokens. Without one,
// no override token is ever accepted.
func WithOverrideVerifier(v *OverrideVerifier) Option {
	return func(e *Evaluator) error {
		e.verifier = v
		return nil
	}
}

// WithRulePack appends the CEL rules of pack after the built-in rules.
func WithRulePack(pack *RulePack) Option {
	return func(e *Evaluator) error {
		if pack == nil {
			return nil
		}
		rules, err := pack.compile()
		if err != nil {
			return err
		}
		e.rules = append(e.rules, rules...)
		e.version = BuiltinVersion + "+pack." + pack.Version
		return nil
	}
}

// New creates an evaluator with the built-in rules plus any options.
func New(opts ...Option) (*Evaluator, error) {
	e := &Evaluator{version: BuiltinVersion}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("invariants: %w", err)
		}
	}
	builtin := []Rule{
		wildcardPermissionRule{},
		protectedDeleteRule{verifier: e.verifier},
		credentialRule{},
		durableTierTTLRule{},
		promotionRule{},
	}
	e.rules = append(builtin, e.rules...)
	return e, nil
}

// Version identifies the active rule set.
func (e *Evaluator) Version() string { return e.version }

// RuleIDs lists the active rules in evaluation order.
func (e *Evaluator) RuleIDs() []string {
	ids := make([]string, len(e.rules))
	for i, r := range e.rules {
		ids[i] = r.ID()
	}
	return ids
}

// Evaluate runs every rule against in.
func (e *Evaluator) Evaluate(in Input) Result {
	res := Result{Version: e.version}
	if in.Request == nil {
		res.Violations = []contracts.Violation{{RuleID: RuleWellFormed, Message: "no change request"}}
		return res
	}
	values, err := patch.Values(in.Request.Patch)
	if err != nil {
		res.Violations = []contracts.Violation{{RuleID: RuleWellFormed, Message: err.Error()}}
		return res
	}
	in.values = values
	project(&in)
	for _, rule := range e.rules {
		res.Violations = append(res.Violations, rule.Check(&in)...)
	}
	return res
}
