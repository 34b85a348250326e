package contracts

import "strings"

// IdentityKind distinguishes people from machines. Only humans may approve.
type IdentityKind string

const (
	IdentityHuman      IdentityKind = "human"
	IdentityAutomation IdentityKind = "automation"
	IdentityAgent      IdentityKind = "agent"
)

// Identity is an actor that submits, decides or reports on a proposal.
type Identity struct {
	ID         string       `json:"id" validate:"required"`
	Kind       IdentityKind `json:"kind" validate:"required,oneof=human automation agent"`
	CanApprove bool         `json:"can_approve"`

	// Pools lists escalation pools the identity belongs to (e.g. "secondary", "senior").
	Pools []string `json:"pools,omitempty"`
}

// Human returns a human identity.
func Human(id string, canApprove bool) Identity {
	return Identity{ID: id, Kind: IdentityHuman, CanApprove: canApprove}
}

// Automation returns a pipeline or service identity. It never carries approval capability.
func Automation(id string) Identity {
	return Identity{ID: id, Kind: IdentityAutomation}
}

// Agent returns an AI agent identity. It never carries approval capability.
func Agent(id string) Identity {
	return Identity{ID: id, Kind: IdentityAgent}
}

// SystemActor is the identity used for timer-driven transitions.
var SystemActor = Identity{ID: "system:governor", Kind: IdentityAutomation}

// Normalized strips approval capability from non-human identities.
func (i Identity) Normalized() Identity {
	i.ID = strings.TrimSpace(i.ID)
	if i.Kind != IdentityHuman {
		i.CanApprove = false
	}
	return i
}

// MayApprove reports whether the identity can decide on a proposal.
func (i Identity) MayApprove() bool {
	return i.Kind == IdentityHuman && i.CanApprove
}

// Same reports whether both identities name the same actor.
// Comparison is case-insensitive so "Alice" cannot approve a change proposed by "alice".
func (i Identity) Same(o Identity) bool {
	return strings.EqualFold(strings.TrimSpace(i.ID), strings.TrimSpace(o.ID))
}

// InPool reports whether the identity is a member of the named escalation pool.
func (i Identity) InPool(pool string) bool {
	for _, p := range i.Pools {
		if p == pool {
			return true
		}
	}
	return false
}
