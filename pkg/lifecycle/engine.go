// Package lifecycle is the governance state machine. Every proposal
// mutation goes through the Engine: submissions, human decisions, timer
// fires and emergency overrides. Each mutation is a compare-and-swap on
// the proposal's revision, so a writer holding stale state loses instead
// of overwriting.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/actuator"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/audit"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/escalation"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/invariants"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/lock"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/patch"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/risk"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

// Scheduler holds the armed timer of each proposal.
type Scheduler interface {
	Arm(t escalation.Timer)
	Cancel(proposalID string)
}

// Observer receives lifecycle counters. observability.Metrics implements it.
type Observer interface {
	ProposalSubmitted(risk contracts.RiskClass)
	Transitioned(from, to contracts.State)
	GuardRejected(code string)
	LockConflict()
}

type nopObserver struct{}

func (nopObserver) ProposalSubmitted(contracts.RiskClass)         {}
func (nopObserver) Transitioned(contracts.State, contracts.State) {}
func (nopObserver) GuardRejected(string)                          {}
func (nopObserver) LockConflict()                                 {}

type nopScheduler struct{}

func (nopScheduler) Arm(escalation.Timer) {}
func (nopScheduler) Cancel(string)        {}

// Dependencies are the collaborators of an Engine.
type Dependencies struct {
	Proposals  store.ProposalStore
	Units      store.UnitStore
	Outbox     store.OutboxStore
	Locks      lock.Manager
	Audit      *audit.Recorder
	Evaluator  *invariants.Evaluator
	Classifier *risk.Classifier

	// Optional.
	Scheduler Scheduler
	Notifier  escalation.Notifier
	Observer  Observer
}

// Config tunes the Engine.
type Config struct {
	Windows escalation.Windows
	// HighRiskApprovers is the number of distinct approvals a HIGH
	// proposal needs. Escalated MEDIUM proposals always need one.
	HighRiskApprovers int
	// OverrideVerifier checks emergency override artifacts. Without one
	// the emergency path is closed.
	OverrideVerifier *invariants.OverrideVerifier
	// RecoveryHorizon bounds how far back Recover looks for applied
	// proposals whose side effects may not have completed.
	RecoveryHorizon time.Duration
	// OrphanLockAge is how long a lock whose holder is not a persisted
	// proposal must have been held before it is reclaimed. Such holders
	// are interrupted submissions and reaper sweeps.
	OrphanLockAge time.Duration
}

// DefaultConfig returns the standard windows and a single HIGH approver.
func DefaultConfig() Config {
	return Config{
		Windows:           escalation.DefaultWindows(),
		HighRiskApprovers: 1,
		RecoveryHorizon:   24 * time.Hour,
		OrphanLockAge:     5 * time.Minute,
	}
}

// Engine runs the proposal lifecycle.
type Engine struct {
	proposals  store.ProposalStore
	units      store.UnitStore
	outbox     store.OutboxStore
	locks      lock.Manager
	audit      *audit.Recorder
	evaluator  *invariants.Evaluator
	classifier *risk.Classifier
	scheduler  Scheduler
	notifier   escalation.Notifier
	observer   Observer

	cfg      Config
	validate *validator.Validate
	clock    func() time.Time
	tracer   trace.Tracer
	logger   *slog.Logger

	// stripes serialize in-process mutations of one proposal so that
	// concurrent decisions see each other instead of failing the CAS.
	stripes [64]sync.Mutex
}

// New wires an Engine.
func New(deps Dependencies, cfg Config) (*Engine, error) {
	switch {
	case deps.Proposals == nil, deps.Units == nil, deps.Outbox == nil:
		return nil, errors.New("lifecycle: proposal, unit and outbox stores are required")
	case deps.Locks == nil:
		return nil, errors.New("lifecycle: lock manager is required")
	case deps.Audit == nil:
		return nil, errors.New("lifecycle: audit recorder is required")
	case deps.Evaluator == nil || deps.Classifier == nil:
		return nil, errors.New("lifecycle: evaluator and classifier are required")
	}
	if err := cfg.Windows.Validate(); err != nil {
		return nil, err
	}
	if cfg.HighRiskApprovers < 1 {
		return nil, errors.New("lifecycle: at least one HIGH risk approver is required")
	}
	if cfg.RecoveryHorizon <= 0 {
		cfg.RecoveryHorizon = 24 * time.Hour
	}
	if cfg.OrphanLockAge <= 0 {
		cfg.OrphanLockAge = 5 * time.Minute
	}

	e := &Engine{
		proposals:  deps.Proposals,
		units:      deps.Units,
		outbox:     deps.Outbox,
		locks:      deps.Locks,
		audit:      deps.Audit,
		evaluator:  deps.Evaluator,
		classifier: deps.Classifier,
		scheduler:  deps.Scheduler,
		notifier:   deps.Notifier,
		observer:   deps.Observer,
		cfg:        cfg,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		clock:      time.Now,
		tracer:     otel.Tracer("governor/lifecycle"),
		logger:     slog.Default().With("component", "lifecycle"),
	}
	if e.scheduler == nil {
		e.scheduler = nopScheduler{}
	}
	if e.notifier == nil {
		e.notifier = escalation.NewLogNotifier()
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	return e, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

func (e *Engine) stripe(proposalID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(proposalID))
	return &e.stripes[h.Sum32()%uint32(len(e.stripes))]
}

func (e *Engine) invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", contracts.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (e *Engine) checkStruct(v any) error {
	if err := e.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrInvalidRequest, err)
	}
	return nil
}

// guard audits and returns a rejected event. The proposal is unchanged.
// A failed audit write is joined to the guard error.
func (e *Engine) guard(ctx context.Context, p *contracts.Proposal, actor contracts.Identity, code, attempted, reason string) error {
	gerr := &contracts.GuardError{ProposalID: p.ID, Code: code, State: p.State, Reason: reason}
	aerr := e.audit.GuardRejected(ctx, p, actor, gerr, attempted)
	e.observer.GuardRejected(code)
	e.logger.Warn("guard rejected",
		"proposal_id", p.ID,
		"unit_id", p.UnitID(),
		"state", p.State,
		"actor", actor.ID,
		"code", code,
		"attempted", attempted,
	)
	if aerr != nil {
		return errors.Join(gerr, aerr)
	}
	return gerr
}

// plan records the timer the proposal's state calls for on the proposal itself.
func (e *Engine) plan(p *contracts.Proposal) (escalation.Timer, bool) {
	t, ok := escalation.Plan(p, e.cfg.Windows)
	if !ok {
		p.NextWakeAt = nil
		p.TimerKind = ""
		return t, false
	}
	wake := t.WakeAt
	p.NextWakeAt = &wake
	p.TimerKind = t.Kind
	return t, true
}

// enter moves p into state at now, setting the per-state bookkeeping.
func (e *Engine) enter(p *contracts.Proposal, state contracts.State, now time.Time) {
	p.State = state
	p.StateEnteredAt = now
	if state == contracts.StateApproving {
		expires := now.Add(e.cfg.Windows.Approval)
		p.ExpiresAt = &expires
		p.EscalationLevel = 0
		if p.RequiredApprovals < 1 {
			p.RequiredApprovals = 1
		}
	}
}

// transition is one committed step: the states moved through, in order.
type transition struct {
	path   []contracts.State
	actor  contracts.Identity
	reason string
	meta   map[string]string
}

// commit writes next over cur and then performs the side effects of the
// new state: audit, actuator signal, lock release and timer. If the audit
// write fails the side effects still run, and the committed proposal is
// returned together with the audit error.
func (e *Engine) commit(ctx context.Context, cur, next *contracts.Proposal, tr transition) (*contracts.Proposal, error) {
	now := e.now()
	next.Revision = cur.Revision + 1
	next.UpdatedAt = now
	timer, armed := e.plan(next)

	if err := e.proposals.Update(ctx, next, cur.Revision); err != nil {
		if errors.Is(err, store.ErrStaleRevision) {
			return nil, &contracts.ConflictError{UnitID: cur.UnitID(), Reason: fmt.Sprintf("proposal %s changed concurrently", cur.ID)}
		}
		return nil, fmt.Errorf("commit proposal %s: %w", cur.ID, err)
	}

	aerr := e.recordPath(ctx, next, tr)
	e.settle(ctx, next, timer, armed)
	return next, aerr
}

// recordPath audits each step of tr. It stops at the first failed write so
// the trail has no gaps in the middle.
func (e *Engine) recordPath(ctx context.Context, p *contracts.Proposal, tr transition) error {
	for i := 1; i < len(tr.path); i++ {
		from, to := tr.path[i-1], tr.path[i]
		if err := e.audit.Transition(ctx, p, from, to, tr.actor, tr.reason, tr.meta); err != nil {
			return fmt.Errorf("proposal %s moved to %s: %w", p.ID, tr.path[len(tr.path)-1], err)
		}
		e.observer.Transitioned(from, to)
		e.logger.Info("proposal transitioned",
			"proposal_id", p.ID,
			"unit_id", p.UnitID(),
			"from_state", from,
			"to_state", to,
			"risk", p.Risk,
			"actor", tr.actor.ID,
		)
	}
	return nil
}

// settle performs everything that follows a committed state: an applied
// proposal is handed to the actuator, a final one gives up its lock and
// timer, a waiting one (re)arms its timer.
func (e *Engine) settle(ctx context.Context, p *contracts.Proposal, timer escalation.Timer, armed bool) {
	if p.State == contracts.StateApplied {
		e.handoff(ctx, p)
	}
	if p.State.IsFinal() {
		e.scheduler.Cancel(p.ID)
		e.release(ctx, p)
		return
	}
	if armed {
		e.scheduler.Arm(timer)
	}
}

func (e *Engine) release(ctx context.Context, p *contracts.Proposal) {
	if err := e.locks.Release(ctx, p.UnitID(), p.ID); err != nil && !errors.Is(err, lock.ErrNotHolder) {
		e.logger.Error("lock release failed", "proposal_id", p.ID, "unit_id", p.UnitID(), "error", err)
	}
}

// handoff enqueues the proposal's apply signal and advances the unit.
// Both steps are idempotent so Recover may repeat them.
func (e *Engine) handoff(ctx context.Context, p *contracts.Proposal) {
	now := e.now()
	u, err := e.units.Get(ctx, p.UnitID())
	if errors.Is(err, contracts.ErrNotFound) && p.Request.Op() == contracts.OperationDelete {
		return
	}
	if err != nil {
		e.logger.Error("applied proposal has no unit", "proposal_id", p.ID, "unit_id", p.UnitID(), "error", err)
		return
	}

	advanced := u.Revision != p.Request.BaseRevision
	doc := u.Document
	if !advanced && p.Request.Op() != contracts.OperationDelete {
		if next, err := patch.Apply(u.Document, p.Request.Patch); err != nil {
			e.logger.Error("patch does not apply to unit document", "proposal_id", p.ID, "unit_id", u.ID, "error", err)
		} else {
			doc = next
		}
	}

	revision := u.Revision
	if !advanced {
		revision++
	}
	if _, err := e.outbox.Enqueue(ctx, actuator.ApplySignal(p, doc, revision, now)); err != nil {
		e.logger.Error("apply signal enqueue failed", "proposal_id", p.ID, "error", err)
		return
	}
	if advanced {
		return
	}
	if p.Request.Op() == contracts.OperationDelete {
		if err := e.units.Delete(ctx, u.ID); err != nil && !errors.Is(err, contracts.ErrNotFound) {
			e.logger.Error("unit delete failed", "proposal_id", p.ID, "unit_id", u.ID, "error", err)
		}
		return
	}
	if _, err := e.units.Advance(ctx, u.ID, u.Revision, doc, now); err != nil {
		e.logger.Error("unit advance failed", "proposal_id", p.ID, "unit_id", u.ID, "error", err)
	}
}

// acquire takes the unit lock for proposalID. A stale lock is reclaimed
// once.
func (e *Engine) acquire(ctx context.Context, unitID, proposalID string) error {
	err := e.locks.Acquire(ctx, unitID, proposalID)
	var ce *contracts.ConflictError
	if err == nil || !errors.As(err, &ce) || ce.HeldBy == "" {
		return err
	}
	h, held, herr := e.locks.Holding(ctx, unitID)
	if herr != nil {
		return err
	}
	if held {
		if ok, rerr := e.reclaim(ctx, h); rerr != nil || !ok {
			return err
		}
	}
	return e.locks.Acquire(ctx, unitID, proposalID)
}

// reclaim releases h if it is stale: its holder is a proposal that has
// finished, or is not a persisted proposal and has held the lock for at
// least OrphanLockAge.
func (e *Engine) reclaim(ctx context.Context, h lock.Holding) (bool, error) {
	why := "orphaned"
	holder, err := e.proposals.Get(ctx, h.HolderID)
	switch {
	case err == nil:
		if holder.State.HoldsLock() {
			return false, nil
		}
		why = string(holder.State)
	case errors.Is(err, contracts.ErrNotFound):
		if h.Age(e.now()) < e.cfg.OrphanLockAge {
			return false, nil
		}
	default:
		return false, err
	}
	e.logger.Warn("reclaiming stale unit lock",
		"unit_id", h.UnitID,
		"held_by", h.HolderID,
		"holder_state", why,
		"held_for", h.Age(e.now()),
	)
	if err := e.locks.Release(ctx, h.UnitID, h.HolderID); err != nil {
		if errors.Is(err, lock.ErrNotHolder) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
