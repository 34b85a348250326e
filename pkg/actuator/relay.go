// Package actuator hands applied changes and reaper actions to the
// external actuator. Signals are written to the outbox in the same step
// that commits the decision; the Relay delivers each one at most once.
package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

// Sink is the external actuator endpoint.
type Sink interface {
	Deliver(ctx context.Context, sig contracts.Signal) error
}

// DeliveryObserver is told the result of each delivery attempt.
type DeliveryObserver func(sig contracts.Signal, err error)

// Relay drains pending outbox records into a Sink. A failed delivery is
// marked FAILED and never retried; the actuator owns retries and reports
// back through the engine.
type Relay struct {
	outbox   store.OutboxStore
	sink     Sink
	batch    int
	interval time.Duration
	clock    func() time.Time
	observe  DeliveryObserver
	logger   *slog.Logger
}

// NewRelay creates a relay polling every interval.
func NewRelay(outbox store.OutboxStore, sink Sink, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		outbox:   outbox,
		sink:     sink,
		batch:    100,
		interval: interval,
		clock:    time.Now,
		logger:   slog.Default().With("component", "actuator"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Relay) WithClock(clock func() time.Time) *Relay {
	r.clock = clock
	return r
}

// OnDelivery installs an observer, used for metrics.
func (r *Relay) OnDelivery(fn DeliveryObserver) *Relay {
	r.observe = fn
	return r
}

// Drain delivers one batch of pending signals.
func (r *Relay) Drain(ctx context.Context) (delivered, failed int, err error) {
	pending, err := r.outbox.Pending(ctx, r.batch)
	if err != nil {
		return 0, 0, fmt.Errorf("actuator: read outbox: %w", err)
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			return delivered, failed, ctx.Err()
		}
		sig := rec.Signal
		derr := r.sink.Deliver(ctx, sig)
		if r.observe != nil {
			r.observe(sig, derr)
		}
		if derr != nil {
			failed++
			r.logger.Error("signal delivery failed",
				"signal_key", sig.Key,
				"kind", sig.Kind,
				"unit_id", sig.UnitID,
				"error", derr,
			)
			if err := r.outbox.MarkFailed(ctx, sig.Key, r.clock(), derr.Error()); err != nil {
				return delivered, failed, fmt.Errorf("actuator: mark failed: %w", err)
			}
			continue
		}
		delivered++
		if err := r.outbox.MarkDelivered(ctx, sig.Key, r.clock()); err != nil {
			return delivered, failed, fmt.Errorf("actuator: mark delivered: %w", err)
		}
		r.logger.Info("signal delivered", "signal_key", sig.Key, "kind", sig.Kind, "unit_id", sig.UnitID)
	}
	return delivered, failed, nil
}

// Run drains the outbox on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ApplySignal is the single apply instruction for an applied proposal.
func ApplySignal(p *contracts.Proposal, doc []byte, unitRevision int64, at time.Time) contracts.Signal {
	patch := p.Request.Patch
	return contracts.Signal{
		Key:        contracts.ApplyKey(p.ID),
		Kind:       contracts.SignalApply,
		ProposalID: p.ID,
		UnitID:     p.UnitID(),
		Space:      p.Request.Space,
		Operation:  p.Request.Op(),
		Patch:      &patch,
		Document:   doc,
		Revision:   unitRevision,
		Emergency:  p.Emergency,
		CreatedAt:  at,
	}
}

// Teardown is the reaper's instruction to remove an expired unit's resources.
func Teardown(u *contracts.UnitMetadata, at time.Time) contracts.Signal {
	return reapSignal(contracts.SignalTeardown, u, at)
}

// Archive tells the actuator an expired unit was hidden.
func Archive(u *contracts.UnitMetadata, at time.Time) contracts.Signal {
	return reapSignal(contracts.SignalArchive, u, at)
}

func reapSignal(kind contracts.SignalKind, u *contracts.UnitMetadata, at time.Time) contracts.Signal {
	return contracts.Signal{
		Key:       contracts.ReapKey(kind, u.ID, u.LastTouched),
		Kind:      kind,
		UnitID:    u.ID,
		Space:     u.Space,
		Revision:  u.Revision,
		CreatedAt: at,
	}
}
