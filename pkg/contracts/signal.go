package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalKind is the instruction sent to the downstream actuator.
type SignalKind string

const (
	SignalApply    SignalKind = "apply"
	SignalTeardown SignalKind = "teardown"
	SignalArchive  SignalKind = "archive"
)

// Signal is an actuator instruction. Key is unique per logical action.
type Signal struct {
	Key        string          `json:"key"`
	Kind       SignalKind      `json:"kind"`
	ProposalID string          `json:"proposal_id,omitempty"`
	UnitID     string          `json:"unit_id"`
	Space      string          `json:"space"`
	Operation  Operation       `json:"operation,omitempty"`
	Patch      *Patch          `json:"patch,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
	Revision   int64           `json:"revision"`
	Emergency  bool            `json:"emergency,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ApplyKey is the outbox key for a proposal's apply signal.
func ApplyKey(proposalID string) string {
	return "apply:" + proposalID
}

// ReapKey is the outbox key for a reaper action on a unit at a given touch time.
func ReapKey(kind SignalKind, unitID string, lastTouched time.Time) string {
	return fmt.Sprintf("%s:%s:%d", kind, unitID, lastTouched.UnixMilli())
}
