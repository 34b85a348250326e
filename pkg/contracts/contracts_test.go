package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskClassElevateCapsAtHigh(t *testing.T) {
	assert.Equal(t, RiskMedium, RiskLow.Elevate())
	assert.Equal(t, RiskHigh, RiskMedium.Elevate())
	assert.Equal(t, RiskHigh, RiskHigh.Elevate())
	assert.Equal(t, RiskHigh, RiskLow.Max(RiskHigh))
	assert.True(t, RiskHigh.AtLeast(RiskMedium))
	assert.False(t, RiskLow.AtLeast(RiskMedium))
}

func TestParseRiskClass(t *testing.T) {
	r, err := ParseRiskClass(" medium ")
	require.NoError(t, err)
	assert.Equal(t, RiskMedium, r)

	_, err = ParseRiskClass("critical")
	assert.Error(t, err)
}

func TestStateClassification(t *testing.T) {
	for _, s := range []State{StateApplied, StateRejected, StateExpired} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.HoldsLock(), s)
	}
	assert.False(t, StateBlocked.IsTerminal())
	assert.True(t, StateBlocked.IsFinal())
	assert.False(t, StateBlocked.HoldsLock())
	assert.True(t, StateApproving.HoldsLock())
}

func TestIdentityNormalizedStripsMachineCapability(t *testing.T) {
	id := Identity{ID: "ci-bot", Kind: IdentityAutomation, CanApprove: true}.Normalized()
	assert.False(t, id.CanApprove)
	assert.False(t, id.MayApprove())

	agent := Identity{ID: "agent-7", Kind: IdentityAgent, CanApprove: true}.Normalized()
	assert.False(t, agent.MayApprove())

	assert.True(t, Human("alice", true).MayApprove())
	assert.False(t, Human("bob", false).MayApprove())
	assert.True(t, Human("Alice", true).Same(Human("alice", false)))
}

func TestGuardErrorUnwrap(t *testing.T) {
	var err error = &GuardError{ProposalID: "p1", Code: GuardSelfApproval, State: StateApproving, Reason: "x"}
	assert.True(t, errors.Is(err, ErrGuardRejected))
	assert.False(t, errors.Is(err, ErrTerminal))

	err = &GuardError{ProposalID: "p1", Code: GuardTerminal, State: StateApplied}
	assert.True(t, errors.Is(err, ErrTerminal))

	err = &InvariantViolationError{Violations: []Violation{{RuleID: "no-wildcard-permission"}}}
	assert.True(t, errors.Is(err, ErrInvariantViolation))
	assert.Contains(t, err.Error(), "no-wildcard-permission")

	err = &ConflictError{UnitID: "u1", HeldBy: "p2"}
	assert.True(t, errors.Is(err, ErrConcurrencyConflict))
}

func TestUnitExpiry(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	u := &UnitMetadata{Tier: TierSandbox, TTL: Duration(72 * time.Hour), LastTouched: now.Add(-71 * time.Hour)}
	assert.False(t, u.Expired(now))
	assert.True(t, u.Expired(now.Add(time.Hour)))

	prod := &UnitMetadata{Tier: TierProduction, TTL: Duration(time.Hour), LastTouched: now.Add(-48 * time.Hour)}
	assert.False(t, prod.Expirable())
	assert.False(t, prod.Expired(now))
}

func TestDurationJSON(t *testing.T) {
	var u UnitMetadata
	require.NoError(t, json.Unmarshal([]byte(`{"id":"u","ttl":"72h"}`), &u))
	assert.Equal(t, Duration(72*time.Hour), u.TTL)

	b, err := json.Marshal(Duration(90 * time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `"1h30m0s"`, string(b))
}

func TestCrossesBoundary(t *testing.T) {
	u := &UnitMetadata{ID: "u", Space: "team-a", Account: "111"}
	r := &ChangeRequest{Space: "team-a"}
	assert.False(t, r.CrossesBoundary(u))
	r.Account = "222"
	assert.True(t, r.CrossesBoundary(u))
	r = &ChangeRequest{Space: "team-b"}
	assert.True(t, r.CrossesBoundary(u))
}

func TestProposalCloneIsDeep(t *testing.T) {
	wake := time.Now()
	p := &Proposal{ID: "p", Approvals: []Approval{{Decider: Human("a", true)}}, NextWakeAt: &wake}
	c := p.Clone()
	c.Approvals[0].Reason = "changed"
	*c.NextWakeAt = wake.Add(time.Hour)
	assert.Empty(t, p.Approvals[0].Reason)
	assert.Equal(t, wake, *p.NextWakeAt)
}
