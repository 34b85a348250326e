package audit

import (
	"errors"
	"fmt"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

var (
	ErrNoTransitions   = errors.New("audit: no transitions to replay")
	ErrMixedProposals  = errors.New("audit: events belong to more than one proposal")
	ErrBrokenLifecycle = errors.New("audit: transition does not follow previous state")
)

// Replay folds a proposal's events, in chain order, into the state they
// lead to. Non-transition events are skipped. The first transition must
// leave VALIDATING and every later one must start where the previous ended.
func Replay(events []contracts.AuditEvent) (contracts.State, error) {
	var (
		proposal string
		state    contracts.State
		seen     bool
	)
	for i := range events {
		ev := &events[i]
		if !ev.IsTransition() {
			continue
		}
		if proposal == "" {
			proposal = ev.ProposalID
		} else if ev.ProposalID != proposal {
			return "", fmt.Errorf("%w: %s and %s", ErrMixedProposals, proposal, ev.ProposalID)
		}
		want := state
		if !seen {
			want = contracts.StateValidating
		}
		if ev.FromState != want {
			return "", fmt.Errorf("%w: event %d moves %s -> %s, current state is %s",
				ErrBrokenLifecycle, ev.Sequence, ev.FromState, ev.ToState, want)
		}
		if seen && state.IsFinal() {
			return "", fmt.Errorf("%w: event %d leaves final state %s", ErrBrokenLifecycle, ev.Sequence, state)
		}
		state = ev.ToState
		seen = true
	}
	if !seen {
		return "", ErrNoTransitions
	}
	return state, nil
}
