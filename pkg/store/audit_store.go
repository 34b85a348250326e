package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

var (
	ErrChainBroken = errors.New("hash chain is broken")
)

// GenesisHash is the previous hash of the first event in a chain.
const GenesisHash = "genesis"

// EventHandler is called after an event is appended.
type EventHandler func(ev contracts.AuditEvent)

// computeHash computes the SHA-256 hash of data.
func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// EventHash computes the chained hash of ev over its canonical JSON form.
// The Hash field itself is excluded.
func EventHash(ev *contracts.AuditEvent) (string, error) {
	hashable := *ev
	hashable.Hash = ""
	hashable.Timestamp = ev.Timestamp.UTC()
	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize event: %w", err)
	}
	return computeHash(canonical), nil
}

// seal fills in the chain fields of ev as the successor of (seq, prev).
func seal(ev *contracts.AuditEvent, seq uint64, prev string, now time.Time) error {
	ev.Sequence = seq + 1
	ev.PrevHash = prev
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.Timestamp = ev.Timestamp.UTC()
	hash, err := EventHash(ev)
	if err != nil {
		return err
	}
	ev.Hash = hash
	return nil
}

// VerifyChain checks that events form an unbroken chain from genesis.
func VerifyChain(events []contracts.AuditEvent) error {
	prev := GenesisHash
	for i := range events {
		ev := &events[i]
		if ev.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: sequence gap at %d (found %d)", ErrChainBroken, i+1, ev.Sequence)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("%w: event %d links to %s, expected %s", ErrChainBroken, ev.Sequence, ev.PrevHash, prev)
		}
		want, err := EventHash(ev)
		if err != nil {
			return err
		}
		if ev.Hash != want {
			return fmt.Errorf("%w: event %d hash mismatch", ErrChainBroken, ev.Sequence)
		}
		prev = ev.Hash
	}
	return nil
}

// MemoryAuditLog is an in-memory append-only audit log with hash chaining.
type MemoryAuditLog struct {
	mu        sync.RWMutex
	events    []contracts.AuditEvent
	chainHead string
	handlers  []EventHandler
	clock     func() time.Time
}

// NewMemoryAuditLog creates an empty log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{chainHead: GenesisHash, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryAuditLog) WithClock(clock func() time.Time) *MemoryAuditLog {
	s.clock = clock
	return s
}

// AddHandler registers a handler for appended events.
func (s *MemoryAuditLog) AddHandler(h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *MemoryAuditLog) Append(_ context.Context, ev contracts.AuditEvent) (*contracts.AuditEvent, error) {
	s.mu.Lock()
	if err := seal(&ev, uint64(len(s.events)), s.chainHead, s.clock()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.events = append(s.events, ev)
	s.chainHead = ev.Hash
	handlers := s.handlers
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	out := ev
	return &out, nil
}

func (s *MemoryAuditLog) Query(_ context.Context, f AuditFilter) ([]contracts.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.AuditEvent
	for i := range s.events {
		if !f.Match(&s.events[i]) {
			continue
		}
		out = append(out, s.events[i])
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryAuditLog) Verify(_ context.Context) error {
	s.mu.RLock()
	events := append([]contracts.AuditEvent(nil), s.events...)
	s.mu.RUnlock()
	return VerifyChain(events)
}

// ChainHead returns the hash of the latest event.
func (s *MemoryAuditLog) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}
