package escalation

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Handler receives a due timer. It runs on the scheduler goroutine and
// may call Arm and Cancel.
type Handler func(ctx context.Context, t Timer) error

// Retry delays for timers whose handler failed.
const (
	DefaultRetryBase = 5 * time.Second
	DefaultRetryMax  = 5 * time.Minute
)

// Scheduler is a single priority queue of timers, at most one per
// proposal. Arming a proposal replaces its previous timer. A timer whose
// handler fails is re-armed with exponential backoff unless the handler
// armed a replacement.
type Scheduler struct {
	mu        sync.Mutex
	queue     timerHeap
	armed     map[string]*entry
	failures  map[string]int
	handler   Handler
	clock     func() time.Time
	retryBase time.Duration
	retryMax  time.Duration
	wake      chan struct{}
	logger    *slog.Logger
}

type entry struct {
	timer Timer
	index int
}

// NewScheduler creates an empty scheduler. Call SetHandler before Run.
func NewScheduler() *Scheduler {
	return &Scheduler{
		armed:     make(map[string]*entry),
		failures:  make(map[string]int),
		clock:     time.Now,
		retryBase: DefaultRetryBase,
		retryMax:  DefaultRetryMax,
		wake:      make(chan struct{}, 1),
		logger:    slog.Default().With("component", "escalation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// WithRetry sets the first retry delay after a failed handler and the cap
// the doubling delay stops at.
func (s *Scheduler) WithRetry(base, max time.Duration) *Scheduler {
	s.retryBase, s.retryMax = base, max
	return s
}

// SetHandler installs the function due timers are delivered to.
func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Arm sets t as the proposal's only timer.
func (s *Scheduler) Arm(t Timer) {
	s.mu.Lock()
	delete(s.failures, t.ProposalID)
	s.push(t)
	s.mu.Unlock()
	s.poke()
}

func (s *Scheduler) push(t Timer) {
	if e, ok := s.armed[t.ProposalID]; ok {
		e.timer = t
		heap.Fix(&s.queue, e.index)
	} else {
		e := &entry{timer: t}
		heap.Push(&s.queue, e)
		s.armed[t.ProposalID] = e
	}
}

// Cancel disarms the proposal's timer, if any.
func (s *Scheduler) Cancel(proposalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, proposalID)
	if e, ok := s.armed[proposalID]; ok {
		heap.Remove(&s.queue, e.index)
		delete(s.armed, proposalID)
	}
}

// Armed returns the proposal's timer.
func (s *Scheduler) Armed(proposalID string) (Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.armed[proposalID]
	if !ok {
		return Timer{}, false
	}
	return e.timer, true
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// next pops the earliest timer if it is due at now.
func (s *Scheduler) next(now time.Time) (Timer, Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.queue[0].timer.WakeAt.After(now) {
		return Timer{}, nil, false
	}
	e := heap.Pop(&s.queue).(*entry)
	delete(s.armed, e.timer.ProposalID)
	return e.timer, s.handler, true
}

// RunDue fires every timer due at the current clock reading and returns
// how many fired. Timers armed by the handler for an instant that is
// already due fire in the same call.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.clock()
	fired := 0
	for ctx.Err() == nil {
		t, h, ok := s.next(now)
		if !ok {
			break
		}
		fired++
		if h == nil {
			s.logger.Error("timer dropped: no handler", "proposal_id", t.ProposalID, "kind", t.Kind)
			continue
		}
		if err := h(ctx, t); err != nil {
			retryAt, rearmed := s.retry(t)
			s.logger.Warn("timer handler failed",
				"proposal_id", t.ProposalID,
				"kind", t.Kind,
				"revision", t.Revision,
				"retry_at", retryAt,
				"rearmed", rearmed,
				"error", err,
			)
			continue
		}
		s.mu.Lock()
		delete(s.failures, t.ProposalID)
		s.mu.Unlock()
	}
	return fired
}

// retry re-arms a failed timer after a backoff. A timer the handler has
// already replaced is left alone.
func (s *Scheduler) retry(t Timer) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.armed[t.ProposalID]; ok {
		return time.Time{}, false
	}
	n := s.failures[t.ProposalID]
	s.failures[t.ProposalID] = n + 1
	delay := s.retryBase
	for i := 0; i < n && delay < s.retryMax; i++ {
		delay *= 2
	}
	if delay > s.retryMax {
		delay = s.retryMax
	}
	t.WakeAt = s.clock().Add(delay)
	s.push(t)
	return t.WakeAt, true
}

// Run fires timers as they come due until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	noHandler := s.handler == nil
	s.mu.Unlock()
	if noHandler {
		return errors.New("escalation: scheduler has no handler")
	}

	s.logger.Info("scheduler started", "armed", s.Len())
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.RunDue(ctx)

		wait := time.Hour
		s.mu.Lock()
		if len(s.queue) > 0 {
			wait = s.queue[0].timer.WakeAt.Sub(s.clock())
		}
		s.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].timer.WakeAt.Equal(h[j].timer.WakeAt) {
		return h[i].timer.ProposalID < h[j].timer.ProposalID
	}
	return h[i].timer.WakeAt.Before(h[j].timer.WakeAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.index = -1
	return e
}
