package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

// appendAttempts bounds retries when another writer takes the next sequence.
const appendAttempts = 3

// SQLAuditLog implements AuditLog using database/sql. The sequence column
// is the primary key, so two writers racing for the same link cannot both
// commit; the loser re-reads the head and retries.
type SQLAuditLog struct {
	db    *sql.DB
	mu    sync.Mutex
	clock func() time.Time
}

func NewSQLAuditLog(db *sql.DB) *SQLAuditLog {
	return &SQLAuditLog{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLAuditLog) WithClock(clock func() time.Time) *SQLAuditLog {
	s.clock = clock
	return s
}

func (s *SQLAuditLog) Append(ctx context.Context, ev contracts.AuditEvent) (*contracts.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		out, err := s.appendOnce(ctx, ev)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("failed to append audit event: %w", lastErr)
}

func (s *SQLAuditLog) appendOnce(ctx context.Context, ev contracts.AuditEvent) (*contracts.AuditEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  int64
		prev = GenesisHash
	)
	err = tx.QueryRowContext(ctx, `SELECT sequence, hash FROM audit_events ORDER BY sequence DESC LIMIT 1`).Scan(&seq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if errors.Is(err, sql.ErrNoRows) {
		seq, prev = 0, GenesisHash
	}

	if err := seal(&ev, uint64(seq), prev, s.clock()); err != nil {
		return nil, err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (sequence, event_id, proposal_id, unit_id, occurred_at, prev_hash, hash, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		int64(ev.Sequence), ev.EventID, ev.ProposalID, ev.UnitID, ev.Timestamp.UnixMilli(), ev.PrevHash, ev.Hash, string(body))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *SQLAuditLog) Query(ctx context.Context, f AuditFilter) ([]contracts.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ProposalID != "" {
		where = append(where, "proposal_id = "+arg(f.ProposalID))
	}
	if f.UnitID != "" {
		where = append(where, "unit_id = "+arg(f.UnitID))
	}
	if f.AfterSeq > 0 {
		where = append(where, "sequence > "+arg(int64(f.AfterSeq)))
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= "+arg(f.Since.UnixMilli()))
	}
	query := "SELECT body FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []contracts.AuditEvent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev contracts.AuditEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("corrupt audit event JSON: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLAuditLog) Verify(ctx context.Context) error {
	events, err := s.Query(ctx, AuditFilter{})
	if err != nil {
		return err
	}
	return VerifyChain(events)
}
