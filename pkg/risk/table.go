// Package risk computes the risk class of a configuration change from the
// fields it touches and the context it is submitted in.
package risk

import (
	"sort"
	"strings"
	"unicode"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/patch"
)

// Concern is an operational area a field belongs to.
type Concern string

const (
	ConcernCompute   Concern = "compute"
	ConcernIdentity  Concern = "identity"
	ConcernLocation  Concern = "location"
	ConcernSource    Concern = "source"
	ConcernLifecycle Concern = "lifecycle"
	ConcernStorage   Concern = "storage"
	ConcernOther     Concern = "other"
)

// FieldRule is the intrinsic risk and concern of one field.
type FieldRule struct {
	Risk    contracts.RiskClass `yaml:"risk" json:"risk"`
	Concern Concern             `yaml:"concern" json:"concern"`
}

// FieldTable maps field names to their rules. Lookups fall back to Default.
type FieldTable struct {
	fields  map[string]FieldRule
	Default FieldRule
}

// NewFieldTable builds a table from a name->rule map. Names are matched
// case-insensitively.
func NewFieldTable(fields map[string]FieldRule, def FieldRule) *FieldTable {
	t := &FieldTable{fields: make(map[string]FieldRule, len(fields)), Default: def}
	for name, rule := range fields {
		t.fields[strings.ToLower(name)] = rule
	}
	return t
}

// DefaultTable is the built-in field table for serverless configuration units.
func DefaultTable() *FieldTable {
	low, med, high := contracts.RiskLow, contracts.RiskMedium, contracts.RiskHigh
	return NewFieldTable(map[string]FieldRule{
		"lambdaMemory":        {low, ConcernCompute},
		"lambdaTimeout":       {low, ConcernCompute},
		"memorySize":          {low, ConcernCompute},
		"timeout":             {low, ConcernCompute},
		"logLevel":            {low, ConcernCompute},
		"environment":         {low, ConcernCompute},
		"reservedConcurrency": {med, ConcernCompute},
		"runtime":             {med, ConcernCompute},
		"handler":             {med, ConcernCompute},

		"resourcePrefix": {med, ConcernIdentity},
		"roleArn":        {high, ConcernIdentity},
		"permissions":    {high, ConcernIdentity},
		"policy":         {high, ConcernIdentity},

		"region":       {med, ConcernLocation},
		"awsAccountId": {high, ConcernLocation},
		"accountId":    {high, ConcernLocation},
		"vpcConfig":    {med, ConcernLocation},

		"artifactBucket": {med, ConcernSource},
		"code":           {med, ConcernSource},
		"codeUri":        {med, ConcernSource},
		"eventBusName":   {med, ConcernSource},
		"eventPattern":   {med, ConcernSource},

		"ttl":                {low, ConcernLifecycle},
		"expirationMode":     {low, ConcernLifecycle},
		"tier":               {med, ConcernLifecycle},
		"deletionProtection": {high, ConcernLifecycle},

		"tableName":  {high, ConcernStorage},
		"bucketName": {high, ConcernStorage},
		"streamArn":  {high, ConcernStorage},
	}, FieldRule{Risk: med, Concern: ConcernOther})
}

// Lookup returns the rule for a JSON pointer and the field name it matched.
// Every non-numeric segment is looked up, so a change nested under a listed
// field inherits that field's rule; the highest-risk match wins and ties go
// to the deeper segment. ok is false when no segment is listed and Default
// was returned, with field naming the last non-numeric segment.
func (t *FieldTable) Lookup(pointer string) (rule FieldRule, field string, ok bool) {
	var leaf string
	for _, seg := range patch.Segments(pointer) {
		if seg == "-" || isIndex(seg) {
			continue
		}
		leaf = seg
		r, found := t.fields[strings.ToLower(seg)]
		if !found {
			continue
		}
		if !ok || r.Risk.AtLeast(rule.Risk) {
			rule, field, ok = r, seg, true
		}
	}
	if ok {
		return rule, field, true
	}
	if leaf == "" {
		return t.Default, pointer, false
	}
	return t.Default, leaf, false
}

// Fields returns the table's field names in sorted order.
func (t *FieldTable) Fields() []string {
	names := make([]string, 0, len(t.fields))
	for name := range t.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
