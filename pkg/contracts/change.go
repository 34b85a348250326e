package contracts

import (
	"encoding/json"
	"time"
)

// Operation is the kind of change a request makes to its unit.
type Operation string

const (
	OperationUpdate  Operation = "update"
	OperationDelete  Operation = "delete"
	OperationPromote Operation = "promote"
)

// PatchOp is a single RFC 6902 operation.
type PatchOp struct {
	Op    string          `json:"op" validate:"required,oneof=add remove replace move copy test"`
	Path  string          `json:"path" validate:"required,startswith=/"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Patch is either a list of operations or a full replacement document.
type Patch struct {
	Ops      []PatchOp       `json:"ops,omitempty" validate:"omitempty,dive"`
	Document json.RawMessage `json:"document,omitempty"`
}

// IsReplacement reports whether the patch carries a full document.
func (p Patch) IsReplacement() bool {
	return len(p.Document) > 0 && len(p.Ops) == 0
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.Ops) == 0 && len(p.Document) == 0
}

// ChangeRequest is a proposed change to one configuration unit.
type ChangeRequest struct {
	UnitID       string    `json:"unit_id" validate:"required"`
	Space        string    `json:"space" validate:"required"`
	Account      string    `json:"account,omitempty"`
	BaseRevision int64     `json:"base_revision" validate:"gte=0"`
	Operation    Operation `json:"operation,omitempty" validate:"omitempty,oneof=update delete promote"`
	Patch        Patch     `json:"patch"`
	Rationale    string    `json:"rationale,omitempty"`
	Proposer     Identity  `json:"proposer"`

	// BatchID groups requests submitted together. BatchSize is the number of
	// units in the batch, including this one.
	BatchID   string `json:"batch_id,omitempty"`
	BatchSize int    `json:"batch_size,omitempty" validate:"gte=0"`

	// SourceUnit names the unit a promotion copies from.
	SourceUnit string `json:"source_unit,omitempty"`

	// OverrideToken is a signed artifact that unlocks a protected deletion.
	OverrideToken string `json:"override_token,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
}

// Op returns the request's operation, defaulting to update.
func (r *ChangeRequest) Op() Operation {
	if r.Operation == "" {
		return OperationUpdate
	}
	return r.Operation
}

// CrossesBoundary reports whether the request targets a tenant or account
// other than the unit's own.
func (r *ChangeRequest) CrossesBoundary(u *UnitMetadata) bool {
	if u == nil {
		return false
	}
	if r.Space != "" && u.Space != "" && r.Space != u.Space {
		return true
	}
	return r.Account != "" && u.Account != "" && r.Account != u.Account
}
