package invariants

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/patch"
)

// Built-in rule IDs.
const (
	RuleWellFormed         = "well-formed-patch"
	RuleWildcardPermission = "no-wildcard-permission"
	RuleProtectedDelete    = "protected-delete-override"
	RulePlaintextSecret    = "no-plaintext-credential"
	RuleDurableTierTTL     = "durable-tier-ttl"
	RuleExplicitPromotion  = "explicit-promotion"
)

// Override purposes. A token only unlocks the action its purpose names.
const (
	OverridePurposeDelete    = "protected-delete"
	OverridePurposeEmergency = "emergency"
)

// statefulFields name resources whose removal destroys data.
var statefulFields = map[string]bool{
	"tablename":  true,
	"table":      true,
	"bucketname": true,
	"bucket":     true,
	"streamarn":  true,
	"queuename":  true,
	"database":   true,
}

// node is one value reached by a walk. parent is the object holding key and
// parentPtr its pointer; both are empty at the top of a walk.
type node struct {
	ptr       string
	key       string
	value     any
	parent    map[string]any
	parentPtr string
}

func visit(n node, fn func(node)) {
	fn(n)
	switch t := n.value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			visit(node{ptr: n.ptr + "/" + escape(k), key: k, value: t[k], parent: t, parentPtr: n.ptr}, fn)
		}
	case []any:
		for i, child := range t {
			visit(node{ptr: fmt.Sprintf("%s/%d", n.ptr, i), key: n.key, value: child, parent: n.parent, parentPtr: n.parentPtr}, fn)
		}
	}
}

// walkValues visits every value a patch writes. The key of a top-level value
// is the last segment of its op path.
func walkValues(values []patch.Value, fn func(node)) {
	for _, val := range values {
		if val.Value == nil {
			continue
		}
		visit(node{ptr: val.Path, key: lastSegment(val.Path), value: val.Value}, fn)
	}
}

// walkChange visits the parts of the patched document the change affects:
// every touched value and the other members of any object a touched value
// belongs to. Values moved or copied into place and permissions re-enabled
// by editing a sibling are reached this way. Without a projected document
// only the written values are visited.
func walkChange(in *Input, fn func(node)) {
	if in.after == nil {
		walkValues(in.values, fn)
		return
	}
	visit(node{value: in.after}, func(n node) {
		if n.ptr != "" && in.affects(n) {
			fn(n)
		}
	})
}

func (in *Input) affects(n node) bool {
	for _, t := range in.touched {
		if within(n.ptr, t) || within(t, n.ptr) {
			return true
		}
		if n.parentPtr != "" && within(t, n.parentPtr) {
			return true
		}
	}
	return false
}

// within reports whether ptr is prefix or lies beneath it.
func within(ptr, prefix string) bool {
	return ptr == prefix || strings.HasPrefix(ptr, prefix+"/")
}

// project applies the request's patch to the unit document and records the
// pointers whose values differ afterwards. It leaves the input untouched
// when the patch does not apply.
func project(in *Input) {
	if in.Request.Patch.Empty() {
		return
	}
	current := json.RawMessage(`{}`)
	if in.Unit != nil && len(in.Unit.Document) > 0 {
		current = in.Unit.Document
	}
	next, err := patch.Apply(current, in.Request.Patch)
	if err != nil {
		return
	}
	before, err := documentValue(current)
	if err != nil {
		return
	}
	after, err := documentValue(next)
	if err != nil {
		return
	}
	var touched []string
	diffPointers("", before, after, &touched)
	in.after, in.touched = after, touched
}

func documentValue(raw json.RawMessage) (any, error) {
	vals, err := patch.Values(contracts.Patch{Document: raw})
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return vals[0].Value, nil
}

// diffPointers appends the pointer of every value in b that is absent from
// or different in a. Array elements are compared by index.
func diffPointers(ptr string, a, b any, out *[]string) {
	switch bt := b.(type) {
	case map[string]any:
		am, ok := a.(map[string]any)
		if !ok {
			*out = append(*out, ptr)
			return
		}
		for k, bv := range bt {
			diffPointers(ptr+"/"+escape(k), am[k], bv, out)
		}
	case []any:
		aa, ok := a.([]any)
		if !ok {
			*out = append(*out, ptr)
			return
		}
		for i, bv := range bt {
			var av any
			if i < len(aa) {
				av = aa[i]
			}
			diffPointers(fmt.Sprintf("%s/%d", ptr, i), av, bv, out)
		}
	default:
		if !reflect.DeepEqual(a, b) {
			*out = append(*out, ptr)
		}
	}
}

func escape(k string) string {
	return strings.ReplaceAll(strings.ReplaceAll(k, "~", "~0"), "/", "~1")
}

func lastSegment(ptr string) string {
	segs := patch.Segments(ptr)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// wildcardPermissionRule rejects permission statements that allow every action.
type wildcardPermissionRule struct{}

func (wildcardPermissionRule) ID() string { return RuleWildcardPermission }

func (wildcardPermissionRule) Check(in *Input) []contracts.Violation {
	var out []contracts.Violation
	walkChange(in, func(n node) {
		lk := strings.ToLower(n.key)
		if lk != "action" && lk != "actions" && lk != "notaction" {
			return
		}
		if n.parent != nil {
			if eff, ok := n.parent["Effect"].(string); ok && strings.EqualFold(eff, "deny") {
				return
			}
		}
		s, ok := n.value.(string)
		if !ok {
			return
		}
		switch {
		case lk == "notaction":
			out = append(out, contracts.Violation{RuleID: RuleWildcardPermission, Path: n.ptr,
				Message: "NotAction in an allow statement grants every other action"})
		case s == "*" || s == "*:*":
			out = append(out, contracts.Violation{RuleID: RuleWildcardPermission, Path: n.ptr,
				Message: fmt.Sprintf("permission grants unrestricted action scope %q", s)})
		}
	})
	return out
}

// protectedDeleteRule requires a signed override to delete a protected unit
// or remove a stateful resource.
type protectedDeleteRule struct {
	verifier *OverrideVerifier
}

func (protectedDeleteRule) ID() string { return RuleProtectedDelete }

func (r protectedDeleteRule) Check(in *Input) []contracts.Violation {
	var targets []string
	if in.Request.Op() == contracts.OperationDelete && in.Unit != nil && in.Unit.Protected {
		targets = append(targets, "")
	}
	for _, op := range in.Request.Patch.Ops {
		if op.Op == "remove" && statefulFields[strings.ToLower(lastSegment(op.Path))] {
			targets = append(targets, op.Path)
		}
	}
	if in.Request.Patch.IsReplacement() {
		for _, path := range in.ChangedPaths {
			if statefulFields[strings.ToLower(lastSegment(path))] && removedByReplacement(in, path) {
				targets = append(targets, path)
			}
		}
	}
	if len(targets) == 0 {
		return nil
	}

	err := r.verify(in)
	if err == nil {
		return nil
	}
	out := make([]contracts.Violation, 0, len(targets))
	for _, path := range targets {
		msg := "protected unit may not be deleted without an override token"
		if path != "" {
			msg = "stateful resource may not be removed without an override token"
		}
		out = append(out, contracts.Violation{RuleID: RuleProtectedDelete, Path: path,
			Message: fmt.Sprintf("%s: %v", msg, err)})
	}
	return out
}

func (r protectedDeleteRule) verify(in *Input) error {
	if in.Request.OverrideToken == "" {
		return errMissingToken
	}
	if r.verifier == nil {
		return errNoVerifier
	}
	_, err := r.verifier.Verify(in.Request.OverrideToken, in.Request.UnitID, OverridePurposeDelete, in.Request.SubmittedAt)
	return err
}

// removedByReplacement reports whether a replacement document drops a field
// present in the unit's current document.
func removedByReplacement(in *Input, path string) bool {
	if in.Unit == nil || len(in.Unit.Document) == 0 {
		return false
	}
	before, err := patch.Values(contracts.Patch{Document: in.Unit.Document})
	if err != nil || len(before) == 0 {
		return false
	}
	after, err := patch.Values(in.Request.Patch)
	if err != nil || len(after) == 0 {
		return false
	}
	return lookup(before[0].Value, path) != nil && lookup(after[0].Value, path) == nil
}

func lookup(doc any, ptr string) any {
	cur := doc
	for _, seg := range patch.Segments(ptr) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// durableTierTTLRule keeps TTLs off staging and production units.
type durableTierTTLRule struct{}

func (durableTierTTLRule) ID() string { return RuleDurableTierTTL }

func (durableTierTTLRule) Check(in *Input) []contracts.Violation {
	if in.Unit == nil {
		return nil
	}
	var out []contracts.Violation
	if in.Unit.Tier.Durable() && in.Unit.TTL > 0 {
		out = append(out, contracts.Violation{RuleID: RuleDurableTierTTL,
			Message: fmt.Sprintf("%s unit carries a TTL", in.Unit.Tier)})
	}

	targetTier := in.Unit.Tier
	walkValues(in.values, func(n node) {
		if strings.EqualFold(n.key, "tier") {
			if s, ok := n.value.(string); ok && contracts.Tier(s).Valid() {
				targetTier = contracts.Tier(s)
			}
		}
	})

	if targetTier.Durable() {
		walkValues(in.values, func(n node) {
			if strings.EqualFold(n.key, "ttl") && present(n.value) {
				out = append(out, contracts.Violation{RuleID: RuleDurableTierTTL, Path: n.ptr,
					Message: fmt.Sprintf("%s units never carry a TTL", targetTier)})
			}
		})
	}

	if targetTier != in.Unit.Tier && targetTier.Durable() && in.Unit.TTL > 0 &&
		in.Request.Op() != contracts.OperationPromote {
		out = append(out, contracts.Violation{RuleID: RuleDurableTierTTL, Path: "/tier",
			Message: "moving a TTL unit to a durable tier requires an explicit promotion"})
	}
	return out
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != "" && t != "0" && t != "0s"
	case json.Number:
		return t.String() != "0"
	case map[string]any, []any:
		return false
	}
	return true
}

// promotionRule keeps TTL configuration from leaking into durable units
// except through an explicit promote operation.
type promotionRule struct{}

func (promotionRule) ID() string { return RuleExplicitPromotion }

func (promotionRule) Check(in *Input) []contracts.Violation {
	req := in.Request
	if req.Op() == contracts.OperationPromote {
		switch {
		case req.SourceUnit == "":
			return []contracts.Violation{{RuleID: RuleExplicitPromotion, Message: "promotion names no source unit"}}
		case in.Source == nil:
			return []contracts.Violation{{RuleID: RuleExplicitPromotion,
				Message: fmt.Sprintf("promotion source %q is not registered", req.SourceUnit)}}
		case req.SourceUnit == req.UnitID:
			return []contracts.Violation{{RuleID: RuleExplicitPromotion, Message: "a unit cannot be promoted onto itself"}}
		}
		return nil
	}
	if req.SourceUnit == "" || in.Source == nil || in.Unit == nil {
		return nil
	}
	if in.Source.TTL > 0 && in.Unit.TTL == 0 {
		return []contracts.Violation{{RuleID: RuleExplicitPromotion,
			Message: fmt.Sprintf("copying from TTL unit %q into %q requires an explicit promote operation", in.Source.ID, in.Unit.ID)}}
	}
	return nil
}
