package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

var (
	// ErrStoreNotConfigured is returned when export is invoked without a backing log.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
	// ErrSinkNotConfigured is returned when shipping without a sink.
	ErrSinkNotConfigured = errors.New("audit: export sink not configured")
)

// Manifest describes one exported slice of the chain.
type Manifest struct {
	GeneratedAt   time.Time `json:"generated_at"`
	EventCount    int       `json:"event_count"`
	FirstSequence uint64    `json:"first_sequence,omitempty"`
	LastSequence  uint64    `json:"last_sequence,omitempty"`
	ChainHead     string    `json:"chain_head,omitempty"`
	// Checksum is the SHA-256 of the JSONL payload.
	Checksum string `json:"checksum"`
}

// Exporter streams the audit chain as JSON lines, one event per line.
type Exporter struct {
	log   store.AuditLog
	clock func() time.Time
}

func NewExporter(log store.AuditLog) *Exporter {
	return &Exporter{log: log, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// WriteJSONL writes the events matching f to w and returns their manifest.
func (e *Exporter) WriteJSONL(ctx context.Context, w io.Writer, f store.AuditFilter) (*Manifest, error) {
	if e.log == nil {
		return nil, ErrStoreNotConfigured
	}
	events, err := e.log.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}

	h := sha256.New()
	out := io.MultiWriter(w, h)
	enc := json.NewEncoder(out)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return nil, fmt.Errorf("audit: encode event %d: %w", events[i].Sequence, err)
		}
	}

	m := &Manifest{
		GeneratedAt: e.clock().UTC(),
		EventCount:  len(events),
		Checksum:    "sha256:" + hex.EncodeToString(h.Sum(nil)),
	}
	if n := len(events); n > 0 {
		m.FirstSequence = events[0].Sequence
		m.LastSequence = events[n-1].Sequence
		m.ChainHead = events[n-1].Hash
	}
	return m, nil
}

// Ship exports the events matching f to sink as a JSONL object plus a
// manifest object, and returns the manifest. Nothing is written when no
// event matches.
func (e *Exporter) Ship(ctx context.Context, sink Sink, f store.AuditFilter) (*Manifest, error) {
	if sink == nil {
		return nil, ErrSinkNotConfigured
	}
	var buf bytes.Buffer
	m, err := e.WriteJSONL(ctx, &buf, f)
	if err != nil {
		return nil, err
	}
	if m.EventCount == 0 {
		return m, nil
	}

	key := ObjectKey(m)
	if err := sink.Put(ctx, key+".jsonl", buf.Bytes(), "application/x-ndjson"); err != nil {
		return nil, fmt.Errorf("audit: ship events: %w", err)
	}
	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}
	if err := sink.Put(ctx, key+".manifest.json", manifestJSON, "application/json"); err != nil {
		return nil, fmt.Errorf("audit: ship manifest: %w", err)
	}
	return m, nil
}

// ObjectKey names an export by the sequence range it covers, so shipping
// the same range twice overwrites rather than duplicates.
func ObjectKey(m *Manifest) string {
	return fmt.Sprintf("audit/%012d-%012d", m.FirstSequence, m.LastSequence)
}

// Decode reads a JSONL export back into events.
func Decode(r io.Reader) ([]contracts.AuditEvent, error) {
	dec := json.NewDecoder(r)
	var out []contracts.AuditEvent
	for dec.More() {
		var ev contracts.AuditEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("audit: decode: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}
