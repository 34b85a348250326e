package risk

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

// Rule names that appear in an assessment's rationale.
const (
	RuleFieldRisk    = "field-risk"
	RuleConcernSpan  = "concern-span"
	RuleDeletion     = "deletion"
	RuleCrossBound   = "cross-boundary"
	RuleBatch        = "batch"
	RuleBatchLarge   = "batch-large"
	RuleProduction   = "production-tier"
	RuleUnknownField = "unknown-field"
)

// Input is everything classification looks at.
type Input struct {
	Request      *contracts.ChangeRequest
	Unit         *contracts.UnitMetadata
	ChangedPaths []string
	// BatchPeers is the number of other live proposals that share the
	// request's batch id. The batch is at least that big plus one,
	// whatever size the request declares.
	BatchPeers int
}

// batchSize is the larger of the declared and the observed batch size.
func (in Input) batchSize() int {
	n := in.Request.BatchSize
	if in.Request.BatchID != "" && in.BatchPeers > 0 {
		n = max(n, in.BatchPeers+1)
	}
	return n
}

// Assessment is a computed risk class with the rules that produced it.
type Assessment struct {
	Class     contracts.RiskClass
	Rules     []string
	Rationale string
	Fields    []string
	Concerns  []Concern
}

// ConcernNames returns the concerns as plain strings.
func (a Assessment) ConcernNames() []string {
	out := make([]string, len(a.Concerns))
	for i, c := range a.Concerns {
		out[i] = string(c)
	}
	return out
}

// Classifier assigns risk classes. The field table can be swapped at runtime.
type Classifier struct {
	table atomic.Pointer[FieldTable]
}

// NewClassifier creates a classifier over table, or DefaultTable when nil.
func NewClassifier(table *FieldTable) *Classifier {
	if table == nil {
		table = DefaultTable()
	}
	c := &Classifier{}
	c.table.Store(table)
	return c
}

// SetTable replaces the field table used by subsequent classifications.
func (c *Classifier) SetTable(table *FieldTable) {
	if table != nil {
		c.table.Store(table)
	}
}

// Table returns the active field table.
func (c *Classifier) Table() *FieldTable {
	return c.table.Load()
}

// Classify computes the risk class of a change. It is pure over its input
// and the active table: the same input always yields the same assessment.
func (c *Classifier) Classify(in Input) Assessment {
	table := c.table.Load()
	var (
		class    = contracts.RiskLow
		reasons  []string
		rules    []string
		fields   []string
		concerns = map[Concern]struct{}{}
	)

	fired := func(rule, reason string) {
		rules = append(rules, rule)
		reasons = append(reasons, reason)
	}

	var fieldNotes []string
	unknown := false
	for _, path := range in.ChangedPaths {
		rule, field, ok := table.Lookup(path)
		if !ok {
			unknown = true
		}
		fields = append(fields, field)
		concerns[rule.Concern] = struct{}{}
		class = class.Max(rule.Risk)
		fieldNotes = append(fieldNotes, fmt.Sprintf("%s=%s", field, rule.Risk))
	}
	if len(fieldNotes) > 0 {
		fired(RuleFieldRisk, "fields "+strings.Join(fieldNotes, ", "))
	}
	if unknown {
		fired(RuleUnknownField, fmt.Sprintf("unlisted fields default to %s", table.Default.Risk))
	}

	concernList := make([]Concern, 0, len(concerns))
	for cn := range concerns {
		concernList = append(concernList, cn)
	}
	sort.Slice(concernList, func(i, j int) bool { return concernList[i] < concernList[j] })
	if len(concernList) > 1 {
		class = class.Elevate()
		fired(RuleConcernSpan, fmt.Sprintf("spans %d concerns (+1)", len(concernList)))
	}

	req := in.Request
	if req != nil {
		if req.Op() == contracts.OperationDelete {
			class = contracts.RiskHigh
			fired(RuleDeletion, "deletion is always HIGH")
		}
		if req.CrossesBoundary(in.Unit) {
			class = contracts.RiskHigh
			fired(RuleCrossBound, "crosses an account or tenant boundary")
		}
		switch n := in.batchSize(); {
		case n >= 6:
			class = contracts.RiskHigh
			fired(RuleBatchLarge, fmt.Sprintf("batch of %d units is HIGH", n))
		case n >= 2:
			class = class.Elevate()
			fired(RuleBatch, fmt.Sprintf("batch of %d units (+1)", n))
		}
	}
	if in.Unit != nil && in.Unit.Tier == contracts.TierProduction {
		class = class.Elevate()
		fired(RuleProduction, "targets production (+1)")
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "no risk rules fired")
	}
	return Assessment{
		Class:     class,
		Rules:     rules,
		Rationale: fmt.Sprintf("%s: %s", class, strings.Join(reasons, "; ")),
		Fields:    dedupe(fields),
		Concerns:  concernList,
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
