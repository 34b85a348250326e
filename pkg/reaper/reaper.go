// Package reaper expires provisional configuration units whose TTL has
// lapsed. It runs on its own schedule, independent of proposal activity,
// and only ever looks at sandbox and pre-prod units.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/actuator"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/audit"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/escalation"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/lock"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/observability"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

// DefaultSchedule is the sweep interval.
const DefaultSchedule = "@every 15m"

// Actor is the identity recorded on reaper actions.
var Actor = contracts.Identity{ID: "system:reaper", Kind: contracts.IdentityAutomation}

// Observer counts reaper actions. observability.Metrics implements it.
type Observer interface {
	UnitReaped(mode contracts.ExpirationMode)
}

// Result summarizes one sweep.
type Result struct {
	Scanned  int `json:"scanned"`
	Deleted  int `json:"deleted"`
	Archived int `json:"archived"`
	Warned   int `json:"warned"`
	Skipped  int `json:"skipped"`
}

// Reaper applies each expired unit's expiration mode.
type Reaper struct {
	units    store.UnitStore
	outbox   store.OutboxStore
	locks    lock.Manager
	audit    *audit.Recorder
	notifier escalation.Notifier
	observer Observer
	clock    func() time.Time
	tracer   trace.Tracer
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New creates a Reaper.
func New(units store.UnitStore, outbox store.OutboxStore, locks lock.Manager, rec *audit.Recorder, notifier escalation.Notifier) *Reaper {
	if notifier == nil {
		notifier = escalation.NewLogNotifier()
	}
	return &Reaper{
		units:    units,
		outbox:   outbox,
		locks:    locks,
		audit:    rec,
		notifier: notifier,
		clock:    time.Now,
		tracer:   otel.Tracer("governor/reaper"),
		logger:   slog.Default().With("component", "reaper"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Reaper) WithClock(clock func() time.Time) *Reaper {
	r.clock = clock
	return r
}

// WithObserver installs an Observer.
func (r *Reaper) WithObserver(o Observer) *Reaper {
	r.observer = o
	return r
}

// holderID is the lock owner the reaper uses while it acts on a unit, so a
// proposal cannot be created against a unit mid-reap.
func holderID(unitID string) string { return "reaper:" + unitID }

// Sweep visits every ephemeral unit once.
func (r *Reaper) Sweep(ctx context.Context) (res Result, err error) {
	ctx, span := r.tracer.Start(ctx, "reaper.Sweep")
	defer func() {
		span.SetAttributes(observability.AttrReaped.Int(res.Deleted + res.Archived + res.Warned))
		observability.SetSpanStatus(ctx, err)
		span.End()
	}()

	units, err := r.units.List(ctx, store.UnitFilter{Tiers: []contracts.Tier{contracts.TierSandbox, contracts.TierPreprod}})
	if err != nil {
		return res, fmt.Errorf("reaper: list units: %w", err)
	}
	now := r.clock().UTC()
	for _, u := range units {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Scanned++
		// Durable tiers are never reaped, whatever the filter returned.
		if u.Tier.Durable() || !u.Expired(now) {
			continue
		}
		if u.ExpirationMode == contracts.ExpireWarn && u.WarnedAt != nil && !u.WarnedAt.Before(u.LastTouched) {
			continue
		}

		done, err := r.reap(ctx, u, now)
		if err != nil {
			r.logger.Error("reap failed", "unit_id", u.ID, "mode", u.ExpirationMode, "done", done, "error", err)
		}
		if !done {
			res.Skipped++
			continue
		}
		switch u.ExpirationMode {
		case contracts.ExpireArchive:
			res.Archived++
		case contracts.ExpireWarn:
			res.Warned++
		default:
			res.Deleted++
		}
		if r.observer != nil {
			r.observer.UnitReaped(mode(u))
		}
	}
	if res.Deleted+res.Archived+res.Warned > 0 {
		r.logger.Info("sweep completed",
			"scanned", res.Scanned,
			"deleted", res.Deleted,
			"archived", res.Archived,
			"warned", res.Warned,
			"skipped", res.Skipped,
		)
	}
	return res, nil
}

func mode(u *contracts.UnitMetadata) contracts.ExpirationMode {
	if u.ExpirationMode == "" {
		return contracts.ExpireDelete
	}
	return u.ExpirationMode
}

// reap acts on one expired unit. A unit with an active proposal, or one
// that changed since it was listed, is left for a later sweep and
// reported as not done.
func (r *Reaper) reap(ctx context.Context, listed *contracts.UnitMetadata, now time.Time) (bool, error) {
	if mode(listed) == contracts.ExpireWarn {
		return r.warn(ctx, listed.ID, now)
	}

	holder := holderID(listed.ID)
	if err := r.locks.Acquire(ctx, listed.ID, holder); err != nil {
		var ce *contracts.ConflictError
		if errors.As(err, &ce) {
			r.logger.Debug("expired unit has an active proposal", "unit_id", listed.ID, "held_by", ce.HeldBy)
			return false, nil
		}
		return false, err
	}
	defer func() {
		if err := r.locks.Release(ctx, listed.ID, holder); err != nil {
			r.logger.Error("reaper lock release failed", "unit_id", listed.ID, "error", err)
		}
	}()

	u, err := r.current(ctx, listed.ID, now)
	if u == nil || err != nil {
		return false, err
	}
	if mode(u) == contracts.ExpireWarn {
		return false, nil
	}

	meta := map[string]string{
		"mode":       string(mode(u)),
		"tier":       string(u.Tier),
		"expired_at": u.ExpiresAt().Format(time.RFC3339),
	}
	switch mode(u) {
	case contracts.ExpireArchive:
		archived := *u
		archived.Archived = true
		if err := r.units.CompareAndSwap(ctx, u, &archived); err != nil {
			return r.lost(u, err)
		}
		if _, err := r.outbox.Enqueue(ctx, actuator.Archive(u, now)); err != nil {
			if rerr := r.units.CompareAndSwap(ctx, &archived, u); rerr != nil {
				r.logger.Error("archive rollback failed", "unit_id", u.ID, "error", rerr)
			}
			return false, err
		}
	default:
		if err := r.units.CompareAndDelete(ctx, u); err != nil {
			return r.lost(u, err)
		}
		if _, err := r.outbox.Enqueue(ctx, actuator.Teardown(u, now)); err != nil {
			if rerr := r.units.Put(ctx, u); rerr != nil {
				r.logger.Error("delete rollback failed", "unit_id", u.ID, "error", rerr)
			}
			return false, err
		}
	}
	r.logger.Info("unit reaped", "unit_id", u.ID, "mode", mode(u), "space", u.Space)
	return true, r.audit.UnitEvent(ctx, contracts.AuditUnitReaped, u.ID, Actor, "ttl elapsed", meta)
}

// current re-reads a listed unit. It returns nil when the unit is gone or
// is no longer due for expiry.
func (r *Reaper) current(ctx context.Context, id string, now time.Time) (*contracts.UnitMetadata, error) {
	u, err := r.units.Get(ctx, id)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if u.Archived || u.Tier.Durable() || !u.Expired(now) {
		r.logger.Debug("unit changed since listing", "unit_id", id, "revision", u.Revision)
		return nil, nil
	}
	return u, nil
}

// lost treats a unit that moved under a conditional write as not done.
func (r *Reaper) lost(u *contracts.UnitMetadata, err error) (bool, error) {
	if errors.Is(err, store.ErrStaleRevision) || errors.Is(err, contracts.ErrNotFound) {
		r.logger.Debug("unit changed before reap", "unit_id", u.ID)
		return false, nil
	}
	return false, err
}

// warn notifies the unit's owners once per touch. Only WarnedAt changes.
func (r *Reaper) warn(ctx context.Context, id string, now time.Time) (bool, error) {
	u, err := r.current(ctx, id, now)
	if u == nil || err != nil {
		return false, err
	}
	if mode(u) != contracts.ExpireWarn || (u.WarnedAt != nil && !u.WarnedAt.Before(u.LastTouched)) {
		return false, nil
	}
	warned := *u
	warned.WarnedAt = &now
	if err := r.units.CompareAndSwap(ctx, u, &warned); err != nil {
		return r.lost(u, err)
	}

	n := contracts.Notification{
		Kind:    contracts.NotifyTTLWarning,
		UnitID:  u.ID,
		Message: fmt.Sprintf("unit %s expired at %s", u.ID, u.ExpiresAt().Format(time.RFC3339)),
		At:      now,
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		if rerr := r.units.CompareAndSwap(ctx, &warned, u); rerr != nil {
			r.logger.Error("warning rollback failed", "unit_id", u.ID, "error", rerr)
		}
		return false, err
	}
	return true, r.audit.UnitEvent(ctx, contracts.AuditUnitWarned, u.ID, Actor, "ttl elapsed", map[string]string{"tier": string(u.Tier)})
}

// Start runs Sweep on schedule until ctx is cancelled or Stop is called.
// An empty schedule means DefaultSchedule.
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("reaper: already running")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("scheduled sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("reaper: invalid schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c
	r.running = true
	r.logger.Info("reaper started", "schedule", schedule)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	<-r.cron.Stop().Done()
	r.running = false
	r.logger.Info("reaper stopped")
}

// NextRun returns the next scheduled sweep, if the reaper is running.
func (r *Reaper) NextRun() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return time.Time{}, false
	}
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}
