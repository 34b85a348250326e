package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/audit"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/escalation"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/invariants"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/lock"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/risk"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

var (
	start   = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	agent   = contracts.Agent("agent:copilot")
	alice   = contracts.Human("alice", true)
	bob     = contracts.Human("bob", true)
	viewer  = contracts.Human("viewer", false)
	oncall  = contracts.Human("oncall", true)
	baseDoc = json.RawMessage(`{"lambdaMemory":128,"region":"us-east-1","resourcePrefix":"app"}`)
)

type noteLog struct {
	mu  sync.Mutex
	got []contracts.Notification
}

func (n *noteLog) Notify(_ context.Context, note contracts.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	return nil
}

func (n *noteLog) pools() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.got))
	for _, note := range n.got {
		out = append(out, note.Pool)
	}
	return out
}

// flakyProposals fails the next failUpdates calls to Update.
type flakyProposals struct {
	*store.MemoryProposalStore
	failUpdates atomic.Int32
}

var errStoreDown = errors.New("proposal store unavailable")

func (f *flakyProposals) Update(ctx context.Context, p *contracts.Proposal, expected int64) error {
	for {
		n := f.failUpdates.Load()
		if n <= 0 {
			return f.MemoryProposalStore.Update(ctx, p, expected)
		}
		if f.failUpdates.CompareAndSwap(n, n-1) {
			return errStoreDown
		}
	}
}

// flakyAudit refuses appends while down is set.
type flakyAudit struct {
	*store.MemoryAuditLog
	down atomic.Bool
}

func (f *flakyAudit) Append(ctx context.Context, ev contracts.AuditEvent) (*contracts.AuditEvent, error) {
	if f.down.Load() {
		return nil, errors.New("audit volume read-only")
	}
	return f.MemoryAuditLog.Append(ctx, ev)
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	now       time.Time
	engine    *Engine
	proposals *store.MemoryProposalStore
	flaky     *flakyProposals
	units     *store.MemoryUnitStore
	outbox    *store.MemoryOutbox
	auditLog  *store.MemoryAuditLog
	audit     *flakyAudit
	locks     *lock.MemoryManager
	sched     *escalation.Scheduler
	notes     *noteLog
	verifier  *invariants.OverrideVerifier
}

func newHarness(t *testing.T, tweak ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		now:       start,
		proposals: store.NewMemoryProposalStore(),
		units:     store.NewMemoryUnitStore(),
		outbox:    store.NewMemoryOutbox(),
		locks:     lock.NewMemoryManager(),
		notes:     &noteLog{},
	}
	h.flaky = &flakyProposals{MemoryProposalStore: h.proposals}
	h.auditLog = store.NewMemoryAuditLog().WithClock(h.clock)
	h.audit = &flakyAudit{MemoryAuditLog: h.auditLog}
	h.locks.WithClock(h.clock)
	h.sched = escalation.NewScheduler().WithClock(h.clock)

	verifier, err := invariants.NewOverrideVerifier([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	h.verifier = verifier
	evaluator, err := invariants.New(invariants.WithOverrideVerifier(verifier))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.OverrideVerifier = verifier
	for _, fn := range tweak {
		fn(&cfg)
	}
	h.engine = h.build(cfg, evaluator, h.locks, h.outbox, h.sched)
	return h
}

func (h *harness) build(cfg Config, evaluator *invariants.Evaluator, locks lock.Manager, outbox store.OutboxStore, sched *escalation.Scheduler) *Engine {
	e, err := New(Dependencies{
		Proposals:  h.flaky,
		Units:      h.units,
		Outbox:     outbox,
		Locks:      locks,
		Audit:      audit.NewRecorder(h.audit),
		Evaluator:  evaluator,
		Classifier: risk.NewClassifier(nil),
		Scheduler:  sched,
		Notifier:   h.notes,
	}, cfg)
	require.NoError(h.t, err)
	e.WithClock(h.clock)
	sched.SetHandler(e.Fire)
	return e
}

func (h *harness) clock() time.Time { return h.now }

// advance moves the clock and fires every timer that came due.
func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	h.sched.RunDue(h.ctx)
}

func (h *harness) unit(id string, tier contracts.Tier) *contracts.UnitMetadata {
	h.t.Helper()
	u := contracts.UnitMetadata{ID: id, Space: "payments", Tier: tier}
	if tier.Ephemeral() {
		u.TTL = contracts.Duration(72 * time.Hour)
	}
	registered, err := h.engine.RegisterUnit(h.ctx, u, contracts.Automation("registry"))
	require.NoError(h.t, err)
	// Seed a document as if an earlier change had landed.
	registered.Document = baseDoc
	require.NoError(h.t, h.units.Put(h.ctx, registered))
	return registered
}

func replace(path string, value any) contracts.Patch {
	raw, _ := json.Marshal(value)
	return contracts.Patch{Ops: []contracts.PatchOp{{Op: "replace", Path: path, Value: raw}}}
}

func change(unitID string, p contracts.Patch) contracts.ChangeRequest {
	return contracts.ChangeRequest{UnitID: unitID, Space: "payments", Patch: p, Proposer: agent, Rationale: "tune"}
}

func (h *harness) submit(req contracts.ChangeRequest) *contracts.Proposal {
	h.t.Helper()
	p, err := h.engine.Submit(h.ctx, req)
	require.NoError(h.t, err)
	return p
}

func (h *harness) decide(p *contracts.Proposal, who contracts.Identity, kind contracts.DecisionKind) (*contracts.Proposal, error) {
	return h.engine.Decide(h.ctx, contracts.DecisionSubmission{ProposalID: p.ID, Decider: who, Decision: kind, Reason: "looked at it"})
}

func (h *harness) reload(p *contracts.Proposal) *contracts.Proposal {
	h.t.Helper()
	got, err := h.proposals.Get(h.ctx, p.ID)
	require.NoError(h.t, err)
	return got
}

func (h *harness) lockHolder(unitID string) string {
	h.t.Helper()
	holder, _, err := h.locks.Holder(h.ctx, unitID)
	require.NoError(h.t, err)
	return holder
}

func (h *harness) assertTrail(p *contracts.Proposal) {
	h.t.Helper()
	state, err := h.engine.Reconstruct(h.ctx, p.ID)
	require.NoError(h.t, err)
	assert.Equal(h.t, h.reload(p).State, state)
	require.NoError(h.t, h.auditLog.Verify(h.ctx))
}

func TestScenarioA_LowRiskAutoApplies(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)

	p := h.submit(change("sbx-1", replace("/lambdaMemory", 256)))
	assert.Equal(t, contracts.RiskLow, p.Risk)
	assert.Equal(t, contracts.StateQueued, p.State)
	assert.Equal(t, p.ID, h.lockHolder("sbx-1"))

	armed, ok := h.sched.Armed(p.ID)
	require.True(t, ok)
	assert.Equal(t, contracts.TimerAutoApply, armed.Kind)
	assert.Equal(t, start.Add(5*time.Minute), armed.WakeAt)

	h.advance(4 * time.Minute)
	assert.Equal(t, contracts.StateQueued, h.reload(p).State)

	h.advance(time.Minute)
	got := h.reload(p)
	assert.Equal(t, contracts.StateApplied, got.State)
	require.NotNil(t, got.Decision)
	assert.Equal(t, contracts.OutcomeAutoApplied, got.Decision.Outcome)
	assert.Empty(t, h.lockHolder("sbx-1"))

	u, err := h.units.Get(h.ctx, "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Revision)
	assert.JSONEq(t, `{"lambdaMemory":256,"region":"us-east-1","resourcePrefix":"app"}`, string(u.Document))

	rec, err := h.outbox.Get(h.ctx, contracts.ApplyKey(p.ID))
	require.NoError(t, err)
	assert.Equal(t, store.OutboxPending, rec.Status)
	assert.Equal(t, int64(1), rec.Signal.Revision)

	h.assertTrail(p)
}

func TestScenarioB_ProductionNeedsAcknowledgement(t *testing.T) {
	h := newHarness(t)
	h.unit("prod-1", contracts.TierProduction)

	p := h.submit(change("prod-1", replace("/lambdaMemory", 256)))
	assert.Equal(t, contracts.RiskMedium, p.Risk)
	assert.Equal(t, contracts.StateAcknowledging, p.State)

	got, err := h.decide(p, alice, contracts.DecisionAcknowledge)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateApplied, got.State)
	assert.Equal(t, contracts.OutcomeAcknowledged, got.Decision.Outcome)
	assert.Equal(t, 1, got.Decision.MinApprovers)
	require.NotNil(t, got.Acknowledgement)
	assert.Equal(t, "alice", got.Acknowledgement.Decider.ID)

	_, armed := h.sched.Armed(p.ID)
	assert.False(t, armed)
	h.assertTrail(p)
}

func TestScenarioB_UnacknowledgedEscalatesToApproval(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.HighRiskApprovers = 2 })
	h.unit("prod-1", contracts.TierProduction)
	p := h.submit(change("prod-1", replace("/lambdaMemory", 256)))

	h.advance(4 * time.Hour)
	got := h.reload(p)
	assert.Equal(t, contracts.StateApproving, got.State)
	assert.Equal(t, 1, got.RequiredApprovals, "escalated MEDIUM needs one approval")
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, h.now.Add(7*24*time.Hour), *got.ExpiresAt)

	armed, ok := h.sched.Armed(p.ID)
	require.True(t, ok)
	assert.Equal(t, contracts.TimerSecondary, armed.Kind)

	_, err := h.decide(got, alice, contracts.DecisionAcknowledge)
	var gerr *contracts.GuardError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, contracts.GuardWrongState, gerr.Code)

	got, err = h.decide(got, alice, contracts.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateApplied, got.State)
	h.assertTrail(p)
}

func TestScenarioC_TwoConcernsInProductionIsHigh(t *testing.T) {
	h := newHarness(t)
	h.unit("prod-1", contracts.TierProduction)

	req := change("prod-1", contracts.Patch{Ops: []contracts.PatchOp{
		{Op: "replace", Path: "/region", Value: json.RawMessage(`"eu-west-1"`)},
		{Op: "replace", Path: "/resourcePrefix", Value: json.RawMessage(`"app2"`)},
	}})
	p := h.submit(req)
	assert.Equal(t, contracts.RiskHigh, p.Risk)
	assert.Equal(t, contracts.StateApproving, p.State)
	assert.ElementsMatch(t, []string{"identity", "location"}, p.Concerns)
	assert.Contains(t, p.Rationale, risk.RuleConcernSpan)

	h.advance(5 * time.Minute)
	assert.Equal(t, contracts.StateApproving, h.reload(p).State, "HIGH never auto-applies")
}

func TestScenarioD_DeletionIsHigh(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)

	req := change("sbx-1", contracts.Patch{})
	req.Operation = contracts.OperationDelete
	p := h.submit(req)
	assert.Equal(t, contracts.RiskHigh, p.Risk)

	got, err := h.decide(p, alice, contracts.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateApplied, got.State)

	_, err = h.units.Get(h.ctx, "sbx-1")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	rec, err := h.outbox.Get(h.ctx, contracts.ApplyKey(p.ID))
	require.NoError(t, err)
	assert.Equal(t, contracts.OperationDelete, rec.Signal.Operation)
}

func TestScenarioE_LargeBatchIsHigh(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)

	req := change("sbx-1", replace("/lambdaMemory", 256))
	req.BatchID, req.BatchSize = "batch-1", 7
	p := h.submit(req)
	assert.Equal(t, contracts.RiskHigh, p.Risk)
	assert.Equal(t, contracts.StateApproving, p.State)
}

func TestSubmit_BatchSizeCountsAdmittedMembers(t *testing.T) {
	h := newHarness(t)
	var risks []contracts.RiskClass
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("sbx-%d", i)
		h.unit(id, contracts.TierSandbox)
		req := change(id, replace("/lambdaMemory", 256))
		req.BatchID, req.BatchSize = "batch-1", 1
		risks = append(risks, h.submit(req).Risk)
	}
	assert.Equal(t, []contracts.RiskClass{
		contracts.RiskLow,
		contracts.RiskMedium, contracts.RiskMedium, contracts.RiskMedium, contracts.RiskMedium,
		contracts.RiskHigh,
	}, risks)

	// A blocked member does not count.
	h.unit("sbx-blocked", contracts.TierSandbox)
	other := change("sbx-blocked", contracts.Patch{Ops: []contracts.PatchOp{{
		Op: "add", Path: "/policy",
		Value: json.RawMessage(`{"Statement":[{"Effect":"Allow","Action":"*","Resource":"*"}]}`),
	}}})
	other.BatchID = "batch-2"
	blocked, err := h.engine.Submit(h.ctx, other)
	require.ErrorIs(t, err, contracts.ErrInvariantViolation)
	require.Equal(t, contracts.StateBlocked, blocked.State)
	h.unit("sbx-next", contracts.TierSandbox)
	next := change("sbx-next", replace("/lambdaMemory", 256))
	next.BatchID = "batch-2"
	assert.Equal(t, contracts.RiskLow, h.submit(next).Risk)
}

func TestScenarioF_UndecidedHighExpires(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	req := change("sbx-1", contracts.Patch{})
	req.Operation = contracts.OperationDelete
	p := h.submit(req)

	h.advance(4 * time.Hour)
	assert.Equal(t, 1, h.reload(p).EscalationLevel)
	h.advance(20 * time.Hour)
	assert.Equal(t, 2, h.reload(p).EscalationLevel)
	assert.Equal(t, []string{contracts.PoolSecondary, contracts.PoolSenior}, h.notes.pools())

	h.advance(6*24*time.Hour - time.Minute)
	assert.Equal(t, contracts.StateApproving, h.reload(p).State)

	h.advance(time.Minute)
	got := h.reload(p)
	assert.Equal(t, contracts.StateExpired, got.State)
	assert.Equal(t, contracts.OutcomeExpired, got.Decision.Outcome)
	assert.Empty(t, h.lockHolder("sbx-1"))
	_, err := h.outbox.Get(h.ctx, contracts.ApplyKey(p.ID))
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	h.assertTrail(p)

	again := h.submit(change("sbx-1", replace("/lambdaMemory", 512)))
	assert.Equal(t, contracts.StateQueued, again.State, "the unit is proposable again")
}

func TestDecide_Guards(t *testing.T) {
	h := newHarness(t)
	h.unit("prod-1", contracts.TierProduction)
	req := change("prod-1", contracts.Patch{})
	req.Operation = contracts.OperationDelete
	req.Proposer = alice
	p := h.submit(req)

	cases := []struct {
		name string
		who  contracts.Identity
		kind contracts.DecisionKind
		code string
	}{
		{"self approval", alice, contracts.DecisionApprove, contracts.GuardSelfApproval},
		{"self approval ignores case", contracts.Human(" ALICE ", true), contracts.DecisionApprove, contracts.GuardSelfApproval},
		{"self rejection", alice, contracts.DecisionReject, contracts.GuardSelfApproval},
		{"agent", contracts.Agent("agent:reviewer"), contracts.DecisionApprove, contracts.GuardNotCapable},
		{"automation claiming capability", contracts.Identity{ID: "ci", Kind: contracts.IdentityAutomation, CanApprove: true}, contracts.DecisionApprove, contracts.GuardNotCapable},
		{"human without capability", viewer, contracts.DecisionApprove, contracts.GuardNotCapable},
		{"acknowledge while approving", bob, contracts.DecisionAcknowledge, contracts.GuardWrongState},
		{"cancel while approving", bob, contracts.DecisionCancel, contracts.GuardWrongState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.decide(p, tc.who, tc.kind)
			var gerr *contracts.GuardError
			require.ErrorAs(t, err, &gerr)
			assert.Equal(t, tc.code, gerr.Code)
			assert.ErrorIs(t, err, contracts.ErrGuardRejected)

			got := h.reload(p)
			assert.Equal(t, contracts.StateApproving, got.State)
			assert.Equal(t, p.Revision, got.Revision)
		})
	}

	events, err := h.engine.Events(h.ctx, p.ID)
	require.NoError(t, err)
	rejected := 0
	for _, ev := range events {
		if ev.Action == contracts.AuditGuardRejected {
			rejected++
		}
	}
	assert.Equal(t, len(cases), rejected, "every refused attempt is audited")
	h.assertTrail(p)
}

func TestDecide_TerminalIsImmutable(t *testing.T) {
	h := newHarness(t)
	h.unit("prod-1", contracts.TierProduction)
	p := h.submit(change("prod-1", replace("/lambdaMemory", 256)))

	applied, err := h.decide(p, alice, contracts.DecisionAcknowledge)
	require.NoError(t, err)

	for _, kind := range []contracts.DecisionKind{contracts.DecisionAcknowledge, contracts.DecisionApprove, contracts.DecisionReject, contracts.DecisionCancel} {
		_, err := h.decide(p, bob, kind)
		assert.ErrorIs(t, err, contracts.ErrTerminal, kind)
	}
	got := h.reload(p)
	assert.Equal(t, applied.Revision, got.Revision)
	assert.Equal(t, contracts.StateApplied, got.State)
}

func TestDecide_AuditFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.unit("prod-1", contracts.TierProduction)
	p := h.submit(change("prod-1", replace("/lambdaMemory", 256)))

	h.audit.down.Store(true)
	_, err := h.decide(p, viewer, contracts.DecisionAcknowledge)
	var gerr *contracts.GuardError
	require.ErrorAs(t, err, &gerr, "the refusal is still reported")
	assert.Equal(t, contracts.GuardNotCapable, gerr.Code)
	assert.ErrorIs(t, err, audit.ErrNotRecorded)

	got, err := h.decide(p, alice, contracts.DecisionAcknowledge)
	assert.ErrorIs(t, err, audit.ErrNotRecorded)
	require.NotNil(t, got, "the committed proposal comes back with the error")
	assert.Equal(t, contracts.StateApplied, got.State)
	assert.Equal(t, contracts.StateApplied, h.reload(p).State)
	assert.Empty(t, h.lockHolder("prod-1"), "side effects still run")
	_, err = h.outbox.Get(h.ctx, contracts.ApplyKey(p.ID))
	assert.NoError(t, err)

	// The missing event shows up as a broken trail.
	h.audit.down.Store(false)
	_, err = h.engine.Reconstruct(h.ctx, p.ID)
	assert.ErrorIs(t, err, audit.ErrBrokenLifecycle)
}

func TestSubmit_AuditFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)

	h.audit.down.Store(true)
	p, err := h.engine.Submit(h.ctx, change("sbx-1", replace("/lambdaMemory", 256)))
	assert.ErrorIs(t, err, audit.ErrNotRecorded)
	require.NotNil(t, p)
	assert.Equal(t, contracts.StateQueued, h.reload(p).State)
	assert.Equal(t, p.ID, h.lockHolder("sbx-1"))
}

func TestDecide_MultipleApprovers(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.HighRiskApprovers = 2 })
	h.unit("sbx-1", contracts.TierSandbox)
	req := change("sbx-1", contracts.Patch{})
	req.Operation = contracts.OperationDelete
	p := h.submit(req)
	assert.Equal(t, 2, p.RequiredApprovals)

	partial, err := h.decide(p, alice, contracts.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateApproving, partial.State)
	assert.Equal(t, p.Revision+1, partial.Revision)
	armed, ok := h.sched.Armed(p.ID)
	require.True(t, ok)
	assert.Equal(t, partial.Revision, armed.Revision, "the timer follows the new revision")

	_, err = h.decide(p, contracts.Human("Alice", true), contracts.DecisionApprove)
	var gerr *contracts.GuardError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, contracts.GuardDuplicate, gerr.Code)

	done, err := h.decide(p, bob, contracts.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateApplied, done.State)
	assert.Equal(t, 2, done.Decision.MinApprovers)
	assert.Len(t, done.Decision.Approvers, 2)
	h.assertTrail(p)
}

func TestDecide_RejectReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	req := change("sbx-1", contracts.Patch{})
	req.Operation = contracts.OperationDelete
	p := h.submit(req)

	got, err := h.decide(p, bob, contracts.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateRejected, got.State)
	assert.Equal(t, contracts.OutcomeRejected, got.Decision.Outcome)
	assert.Empty(t, h.lockHolder("sbx-1"))

	_, err = h.outbox.Get(h.ctx, contracts.ApplyKey(p.ID))
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	_, err = h.units.Get(h.ctx, "sbx-1")
	assert.NoError(t, err, "a rejected delete leaves the unit alone")
}

func TestDecide_CancelQueued(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	p := h.submit(change("sbx-1", replace("/lambdaMemory", 256)))

	_, err := h.decide(p, contracts.Automation("ci"), contracts.DecisionCancel)
	var gerr *contracts.GuardError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, contracts.GuardNotCapable, gerr.Code)

	got, err := h.decide(p, agent, contracts.DecisionCancel)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateRejected, got.State)
	assert.Equal(t, contracts.OutcomeCancelled, got.Decision.Outcome)

	h.advance(10 * time.Minute)
	assert.Equal(t, contracts.StateRejected, h.reload(p).State, "the cancelled timer does not fire")
	_, err = h.outbox.Get(h.ctx, contracts.ApplyKey(p.ID))
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestDecide_ExpectedRevision(t *testing.T) {
	h := newHarness(t)
	h.unit("prod-1", contracts.TierProduction)
	p := h.submit(change("prod-1", replace("/lambdaMemory", 256)))

	_, err := h.engine.Decide(h.ctx, contracts.DecisionSubmission{
		ProposalID: p.ID, Decider: alice, Decision: contracts.DecisionAcknowledge, ExpectedRevision: p.Revision + 3,
	})
	assert.ErrorIs(t, err, contracts.ErrConcurrencyConflict)
	assert.Equal(t, contracts.StateAcknowledging, h.reload(p).State)
}

func TestDecide_ConcurrentDecisionsHaveOneWinner(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	req := change("sbx-1", contracts.Patch{})
	req.Operation = contracts.OperationDelete
	p := h.submit(req)

	deciders := []contracts.Identity{alice, bob, contracts.Human("carol", true), contracts.Human("dan", true)}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for _, who := range deciders {
		wg.Add(1)
		go func(who contracts.Identity) {
			defer wg.Done()
			_, err := h.decide(p, who, contracts.DecisionApprove)
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, contracts.ErrTerminal)
		}(who)
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
	assert.Len(t, h.reload(p).Approvals, 1)
}

func TestSubmit_LockConflict(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	first := h.submit(change("sbx-1", replace("/lambdaMemory", 256)))

	_, err := h.engine.Submit(h.ctx, change("sbx-1", replace("/lambdaMemory", 512)))
	var ce *contracts.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, first.ID, ce.HeldBy)
	assert.ErrorIs(t, err, contracts.ErrConcurrencyConflict)

	events, err := h.auditLog.Query(h.ctx, store.AuditFilter{UnitID: "sbx-1"})
	require.NoError(t, err)
	assert.Equal(t, contracts.AuditLockConflict, events[len(events)-1].Action)
}

func TestSubmit_ConcurrentSubmissionsOneWinner(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Submit(h.ctx, change("sbx-1", replace("/lambdaMemory", 256)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, contracts.ErrConcurrencyConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, 15, conflicts)

	active, err := h.proposals.List(h.ctx, store.ProposalFilter{States: store.ActiveStates, UnitID: "sbx-1"})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSubmit_ReclaimsLockOfFinishedProposal(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	p := h.submit(change("sbx-1", replace("/lambdaMemory", 256)))

	// Simulate a crash between commit and lock release.
	finished := h.reload(p)
	next := finished.Clone()
	next.State = contracts.StateRejected
	next.Revision++
	require.NoError(t, h.proposals.Update(h.ctx, next, finished.Revision))
	require.Equal(t, p.ID, h.lockHolder("sbx-1"))

	again := h.submit(change("sbx-1", replace("/lambdaMemory", 512)))
	assert.Equal(t, again.ID, h.lockHolder("sbx-1"))
}

func TestSubmit_ReclaimsOrphanedLock(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)

	// A submission that took the lock and died before persisting.
	require.NoError(t, h.locks.Acquire(h.ctx, "sbx-1", "never-persisted"))

	_, err := h.engine.Submit(h.ctx, change("sbx-1", replace("/lambdaMemory", 256)))
	var ce *contracts.ConflictError
	require.ErrorAs(t, err, &ce, "a young orphan may still be mid-submission")
	assert.Equal(t, "never-persisted", ce.HeldBy)

	h.now = h.now.Add(DefaultConfig().OrphanLockAge)
	p := h.submit(change("sbx-1", replace("/lambdaMemory", 256)))
	assert.Equal(t, p.ID, h.lockHolder("sbx-1"))
}

func TestRecover_ReclaimsOrphanedLocks(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	h.unit("sbx-2", contracts.TierSandbox)
	h.unit("prod-1", contracts.TierProduction)
	waiting := h.submit(change("prod-1", replace("/lambdaMemory", 256)))

	require.NoError(t, h.locks.Acquire(h.ctx, "sbx-1", "reaper:sbx-1"))
	require.NoError(t, h.locks.Acquire(h.ctx, "sbx-2", "never-persisted"))

	sum, err := h.engine.Recover(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Reclaimed)
	assert.Equal(t, "reaper:sbx-1", h.lockHolder("sbx-1"))

	h.now = h.now.Add(10 * time.Minute)
	sum, err = h.engine.Recover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Reclaimed)
	assert.Empty(t, h.lockHolder("sbx-1"))
	assert.Empty(t, h.lockHolder("sbx-2"))
	assert.Equal(t, waiting.ID, h.lockHolder("prod-1"), "a waiting proposal keeps its lock")

	// The reclaimed units take new proposals.
	p := h.submit(change("sbx-1", replace("/lambdaMemory", 512)))
	assert.Equal(t, p.ID, h.lockHolder("sbx-1"))
}

func TestSubmit_InvariantViolationBlocks(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)

	req := change("sbx-1", contracts.Patch{Ops: []contracts.PatchOp{{
		Op: "add", Path: "/policy",
		Value: json.RawMessage(`{"Statement":[{"Effect":"Allow","Action":"*","Resource":"*"}]}`),
	}}})
	p, err := h.engine.Submit(h.ctx, req)
	var iv *contracts.InvariantViolationError
	require.ErrorAs(t, err, &iv)
	assert.ErrorIs(t, err, contracts.ErrInvariantViolation)
	assert.Equal(t, invariants.RuleWildcardPermission, iv.Violations[0].RuleID)

	require.NotNil(t, p)
	assert.Equal(t, contracts.StateBlocked, p.State)
	assert.False(t, p.Policy.Passed)
	assert.Empty(t, h.lockHolder("sbx-1"), "a blocked proposal never takes the lock")
	_, armed := h.sched.Armed(p.ID)
	assert.False(t, armed)

	_, err = h.decide(p, alice, contracts.DecisionApprove)
	assert.ErrorIs(t, err, contracts.ErrTerminal, "no approval path around an invariant")
	h.assertTrail(p)
}

func TestSubmit_RequestErrors(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)

	_, err := h.engine.Submit(h.ctx, change("missing", replace("/lambdaMemory", 256)))
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	_, err = h.engine.Submit(h.ctx, change("sbx-1", contracts.Patch{}))
	assert.ErrorIs(t, err, contracts.ErrInvalidRequest)

	noProposer := change("sbx-1", replace("/lambdaMemory", 256))
	noProposer.Proposer = contracts.Identity{}
	_, err = h.engine.Submit(h.ctx, noProposer)
	assert.ErrorIs(t, err, contracts.ErrInvalidRequest)

	stale := change("sbx-1", replace("/lambdaMemory", 256))
	stale.BaseRevision = 4
	_, err = h.engine.Submit(h.ctx, stale)
	assert.ErrorIs(t, err, contracts.ErrConcurrencyConflict)
}

func TestSubmit_PromoteCopiesSourceDocument(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	h.unit("stg-1", contracts.TierStaging)

	copyReq := change("stg-1", replace("/lambdaMemory", 256))
	copyReq.SourceUnit = "sbx-1"
	_, err := h.engine.Submit(h.ctx, copyReq)
	var iv *contracts.InvariantViolationError
	require.ErrorAs(t, err, &iv)
	assert.Equal(t, invariants.RuleExplicitPromotion, iv.Violations[0].RuleID)

	promote := change("stg-1", contracts.Patch{})
	promote.Operation = contracts.OperationPromote
	promote.SourceUnit = "sbx-1"
	p := h.submit(promote)
	assert.JSONEq(t, string(baseDoc), string(p.Request.Patch.Document))
}

func TestFire_StaleTimerIgnored(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	p := h.submit(change("sbx-1", replace("/lambdaMemory", 256)))

	require.NoError(t, h.engine.Fire(h.ctx, escalation.Timer{ProposalID: p.ID, Kind: contracts.TimerAutoApply, Revision: p.Revision - 1}))
	require.NoError(t, h.engine.Fire(h.ctx, escalation.Timer{ProposalID: p.ID, Kind: contracts.TimerExpire, Revision: p.Revision}))
	require.NoError(t, h.engine.Fire(h.ctx, escalation.Timer{ProposalID: "gone", Kind: contracts.TimerExpire}))
	assert.Equal(t, contracts.StateQueued, h.reload(p).State)
}

func TestFire_FailedCommitIsRetried(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	p := h.submit(change("sbx-1", replace("/lambdaMemory", 256)))

	h.flaky.failUpdates.Store(1)
	h.advance(5 * time.Minute)
	assert.Equal(t, contracts.StateQueued, h.reload(p).State)
	armed, ok := h.sched.Armed(p.ID)
	require.True(t, ok, "the auto-apply timer survives the failed commit")
	assert.Equal(t, contracts.TimerAutoApply, armed.Kind)
	assert.Equal(t, h.now.Add(escalation.DefaultRetryBase), armed.WakeAt)

	h.advance(escalation.DefaultRetryBase)
	got := h.reload(p)
	assert.Equal(t, contracts.StateApplied, got.State)
	assert.Empty(t, h.lockHolder("sbx-1"))
	_, ok = h.sched.Armed(p.ID)
	assert.False(t, ok)
	h.assertTrail(p)
}

func TestEmergencyOverride(t *testing.T) {
	h := newHarness(t)
	h.unit("prod-1", contracts.TierProduction)

	token, err := h.verifier.Issue("oncall", "prod-1", invariants.OverridePurposeEmergency, start, time.Hour)
	require.NoError(t, err)
	req := contracts.OverrideRequest{
		Change:        change("prod-1", replace("/lambdaMemory", 1024)),
		Decider:       oncall,
		Justification: "outage: functions are OOMing",
		Artifact:      token,
	}

	p, err := h.engine.EmergencyOverride(h.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateApplied, p.State)
	assert.True(t, p.Emergency)
	assert.True(t, p.FollowUpRequired)
	assert.Equal(t, contracts.OutcomeEmergency, p.Decision.Outcome)
	assert.Equal(t, token, p.Decision.Artifact)
	assert.Empty(t, h.lockHolder("prod-1"))

	u, err := h.units.Get(h.ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Revision)

	rec, err := h.outbox.Get(h.ctx, contracts.ApplyKey(p.ID))
	require.NoError(t, err)
	assert.True(t, rec.Signal.Emergency)

	require.Len(t, h.notes.got, 1)
	assert.Equal(t, contracts.NotifyFollowUp, h.notes.got[0].Kind)
	h.assertTrail(p)
}

func TestEmergencyOverride_Refusals(t *testing.T) {
	h := newHarness(t)
	h.unit("prod-1", contracts.TierProduction)
	h.unit("prod-2", contracts.TierProduction)

	forOther, err := h.verifier.Issue("oncall", "prod-2", invariants.OverridePurposeEmergency, start, time.Hour)
	require.NoError(t, err)
	forBob, err := h.verifier.Issue("bob", "prod-1", invariants.OverridePurposeEmergency, start, time.Hour)
	require.NoError(t, err)
	deleteOnly, err := h.verifier.Issue("oncall", "prod-1", invariants.OverridePurposeDelete, start, time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name     string
		decider  contracts.Identity
		artifact string
		code     string
	}{
		{"wrong unit", oncall, forOther, contracts.GuardInvalidArtifact},
		{"issued to someone else", oncall, forBob, contracts.GuardInvalidArtifact},
		{"wrong purpose", oncall, deleteOnly, contracts.GuardInvalidArtifact},
		{"garbage", oncall, "not-a-token", contracts.GuardInvalidArtifact},
		{"agent", contracts.Agent("agent:fixer"), forBob, contracts.GuardNotCapable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.EmergencyOverride(h.ctx, contracts.OverrideRequest{
				Change:        change("prod-1", replace("/lambdaMemory", 1024)),
				Decider:       tc.decider,
				Justification: "outage",
				Artifact:      tc.artifact,
			})
			var gerr *contracts.GuardError
			require.ErrorAs(t, err, &gerr)
			assert.Equal(t, tc.code, gerr.Code)
		})
	}

	// An override still respects the unit lock.
	h.submit(change("prod-1", replace("/lambdaMemory", 256)))
	token, err := h.verifier.Issue("oncall", "prod-1", invariants.OverridePurposeEmergency, start, time.Hour)
	require.NoError(t, err)
	_, err = h.engine.EmergencyOverride(h.ctx, contracts.OverrideRequest{
		Change: change("prod-1", replace("/lambdaMemory", 1024)), Decider: oncall, Justification: "outage", Artifact: token,
	})
	assert.ErrorIs(t, err, contracts.ErrConcurrencyConflict)
}

func TestReportActuatorResult(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	p := h.submit(change("sbx-1", replace("/lambdaMemory", 256)))

	report := contracts.ActuatorReport{Success: false, Message: "throttled", Reporter: contracts.Automation("actuator")}
	_, err := h.engine.ReportActuatorResult(h.ctx, p.ID, report)
	assert.ErrorIs(t, err, contracts.ErrGuardRejected)

	h.advance(5 * time.Minute)
	got, err := h.engine.ReportActuatorResult(h.ctx, p.ID, report)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateApplied, got.State, "a failure report does not reopen the proposal")

	events, err := h.engine.Events(h.ctx, p.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, contracts.AuditActuatorResult, last.Action)
	assert.Equal(t, "failure", last.Metadata["result"])
	h.assertTrail(p)
}

func TestRegisterUnit(t *testing.T) {
	h := newHarness(t)
	actor := contracts.Automation("registry")

	_, err := h.engine.RegisterUnit(h.ctx, contracts.UnitMetadata{
		ID: "prod-1", Space: "payments", Tier: contracts.TierProduction, TTL: contracts.Duration(time.Hour),
	}, actor)
	assert.ErrorIs(t, err, contracts.ErrInvalidRequest)

	_, err = h.engine.RegisterUnit(h.ctx, contracts.UnitMetadata{ID: "x", Space: "payments", Tier: "qa"}, actor)
	assert.ErrorIs(t, err, contracts.ErrInvalidRequest)

	u := h.unit("sbx-1", contracts.TierSandbox)
	assert.Equal(t, contracts.ExpireDelete, u.ExpirationMode)
	h.submit(change("sbx-1", replace("/lambdaMemory", 256)))
	h.advance(5 * time.Minute)

	again, err := h.engine.RegisterUnit(h.ctx, contracts.UnitMetadata{
		ID: "sbx-1", Space: "payments", Tier: contracts.TierSandbox, TTL: contracts.Duration(24 * time.Hour),
	}, actor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Revision, "registration never rewinds a unit")
	assert.Contains(t, string(again.Document), "256")
	assert.Equal(t, h.now, again.LastTouched)
}

func TestRegisterUnit_TierIsFixed(t *testing.T) {
	h := newHarness(t)
	actor := contracts.Automation("registry")
	h.unit("prod-1", contracts.TierProduction)
	h.unit("stg-1", contracts.TierStaging)
	h.unit("sbx-1", contracts.TierSandbox)

	for _, tc := range []struct {
		id   string
		tier contracts.Tier
	}{
		{"prod-1", contracts.TierSandbox},
		{"stg-1", contracts.TierPreprod},
		{"prod-1", contracts.TierStaging},
		{"sbx-1", contracts.TierProduction},
	} {
		u := contracts.UnitMetadata{ID: tc.id, Space: "payments", Tier: tc.tier}
		if tc.tier.Ephemeral() {
			u.TTL = contracts.Duration(time.Hour)
			u.ExpirationMode = contracts.ExpireDelete
		}
		_, err := h.engine.RegisterUnit(h.ctx, u, actor)
		assert.ErrorIs(t, err, contracts.ErrInvalidRequest, "%s as %s", tc.id, tc.tier)
	}

	prod, err := h.units.Get(h.ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.TierProduction, prod.Tier)
	assert.Zero(t, prod.TTL)
	assert.Empty(t, prod.ExpirationMode)
}

// advancingUnits advances a unit once, right after RegisterUnit first reads it.
type advancingUnits struct {
	*store.MemoryUnitStore
	once sync.Once
	now  time.Time
}

func (a *advancingUnits) Get(ctx context.Context, id string) (*contracts.UnitMetadata, error) {
	u, err := a.MemoryUnitStore.Get(ctx, id)
	if err == nil {
		a.once.Do(func() {
			_, _ = a.MemoryUnitStore.Advance(ctx, id, u.Revision, json.RawMessage(`{"lambdaMemory":1024}`), a.now)
		})
	}
	return u, err
}

func TestRegisterUnit_KeepsConcurrentAdvance(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)

	units := &advancingUnits{MemoryUnitStore: h.units, now: h.now}
	e, err := New(Dependencies{
		Proposals: h.flaky, Units: units, Outbox: h.outbox, Locks: h.locks,
		Audit: audit.NewRecorder(h.auditLog), Evaluator: h.engine.evaluator, Classifier: risk.NewClassifier(nil),
	}, DefaultConfig())
	require.NoError(t, err)
	e.WithClock(h.clock)

	got, err := e.RegisterUnit(h.ctx, contracts.UnitMetadata{
		ID: "sbx-1", Space: "payments", Tier: contracts.TierSandbox, TTL: contracts.Duration(24 * time.Hour),
	}, contracts.Automation("registry"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Revision)
	assert.JSONEq(t, `{"lambdaMemory":1024}`, string(got.Document))

	stored, err := h.units.Get(h.ctx, "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Revision, "registration does not roll back an applied change")
	assert.JSONEq(t, `{"lambdaMemory":1024}`, string(stored.Document))
	assert.Equal(t, contracts.Duration(24*time.Hour), stored.TTL)
}

func TestList(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	h.unit("sbx-2", contracts.TierSandbox)

	del := change("sbx-1", contracts.Patch{})
	del.Operation = contracts.OperationDelete
	old := h.submit(del)
	h.now = h.now.Add(30 * time.Hour)
	h.submit(change("sbx-2", replace("/lambdaMemory", 256)))

	stale, err := h.engine.List(h.ctx, ListFilter{State: contracts.StateApproving, OlderThan: 24 * time.Hour})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	recent, err := h.engine.List(h.ctx, ListFilter{NewerThan: time.Hour})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, contracts.RiskLow, recent[0].Risk)
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	h.unit("sbx-1", contracts.TierSandbox)
	h.unit("sbx-2", contracts.TierSandbox)

	applied := h.submit(change("sbx-1", replace("/lambdaMemory", 256)))
	h.advance(5 * time.Minute)
	del := change("sbx-2", contracts.Patch{})
	del.Operation = contracts.OperationDelete
	waiting := h.submit(del)

	// Restart: fresh locks, outbox and scheduler over the same durable stores.
	locks := lock.NewMemoryManager()
	outbox := store.NewMemoryOutbox()
	sched := escalation.NewScheduler().WithClock(h.clock)
	evaluator, err := invariants.New()
	require.NoError(t, err)
	restarted := h.build(DefaultConfig(), evaluator, locks, outbox, sched)

	sum, err := restarted.Recover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Rearmed)
	assert.Equal(t, 1, sum.Relocked)
	assert.Equal(t, 1, sum.Handoffs)

	holder, _, err := locks.Holder(h.ctx, "sbx-2")
	require.NoError(t, err)
	assert.Equal(t, waiting.ID, holder)
	armed, ok := sched.Armed(waiting.ID)
	require.True(t, ok)
	assert.Equal(t, contracts.TimerSecondary, armed.Kind)

	rec, err := outbox.Get(h.ctx, contracts.ApplyKey(applied.ID))
	require.NoError(t, err)
	assert.Equal(t, store.OutboxPending, rec.Status)
	u, err := h.units.Get(h.ctx, "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Revision, "the unit is not advanced twice")

	// A second pass changes nothing.
	_, err = restarted.Recover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sched.Len())
	pending, err := outbox.Pending(h.ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Dependencies{}, DefaultConfig())
	assert.Error(t, err)

	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.HighRiskApprovers = 0
	_, err = New(Dependencies{
		Proposals: h.proposals, Units: h.units, Outbox: h.outbox, Locks: h.locks,
		Audit: audit.NewRecorder(h.auditLog), Evaluator: h.engine.evaluator, Classifier: risk.NewClassifier(nil),
	}, cfg)
	assert.Error(t, err)
}
