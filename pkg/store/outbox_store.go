package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

// OutboxStatus is the delivery state of an outbox record.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxDelivered OutboxStatus = "DELIVERED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxRecord is a signal awaiting, or done with, delivery.
type OutboxRecord struct {
	Signal      contracts.Signal `json:"signal"`
	Status      OutboxStatus     `json:"status"`
	DeliveredAt *time.Time       `json:"delivered_at,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// OutboxStore holds actuator signals. Enqueue is idempotent on Signal.Key,
// which is what makes each apply signal go out exactly once.
type OutboxStore interface {
	Enqueue(ctx context.Context, sig contracts.Signal) (bool, error)
	Pending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkDelivered(ctx context.Context, key string, at time.Time) error
	MarkFailed(ctx context.Context, key string, at time.Time, reason string) error
	Get(ctx context.Context, key string) (*OutboxRecord, error)
}

var ErrOutboxNotFound = fmt.Errorf("outbox record %w", contracts.ErrNotFound)

// MemoryOutbox is an in-memory OutboxStore.
type MemoryOutbox struct {
	mu      sync.Mutex
	records map[string]*OutboxRecord
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{records: make(map[string]*OutboxRecord)}
}

func (o *MemoryOutbox) Enqueue(_ context.Context, sig contracts.Signal) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.records[sig.Key]; exists {
		return false, nil
	}
	o.records[sig.Key] = &OutboxRecord{Signal: sig, Status: OutboxPending}
	return true, nil
}

func (o *MemoryOutbox) Pending(_ context.Context, limit int) ([]OutboxRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboxRecord
	for _, r := range o.records {
		if r.Status == OutboxPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Signal.CreatedAt.Equal(out[j].Signal.CreatedAt) {
			return out[i].Signal.CreatedAt.Before(out[j].Signal.CreatedAt)
		}
		return out[i].Signal.Key < out[j].Signal.Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *MemoryOutbox) mark(key string, status OutboxStatus, at time.Time, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[key]
	if !ok {
		return ErrOutboxNotFound
	}
	r.Status = status
	r.DeliveredAt = &at
	r.Error = reason
	return nil
}

func (o *MemoryOutbox) MarkDelivered(_ context.Context, key string, at time.Time) error {
	return o.mark(key, OutboxDelivered, at, "")
}

func (o *MemoryOutbox) MarkFailed(_ context.Context, key string, at time.Time, reason string) error {
	return o.mark(key, OutboxFailed, at, reason)
}

func (o *MemoryOutbox) Get(_ context.Context, key string) (*OutboxRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[key]
	if !ok {
		return nil, ErrOutboxNotFound
	}
	c := *r
	return &c, nil
}

// SQLOutbox implements OutboxStore on database/sql.
type SQLOutbox struct {
	db *sql.DB
}

func NewSQLOutbox(db *sql.DB) *SQLOutbox {
	return &SQLOutbox{db: db}
}

func (o *SQLOutbox) Enqueue(ctx context.Context, sig contracts.Signal) (bool, error) {
	body, err := json.Marshal(sig)
	if err != nil {
		return false, err
	}
	query := `
		INSERT INTO outbox (signal_key, kind, unit_id, proposal_id, signal, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', $6)
		ON CONFLICT (signal_key) DO NOTHING
	`
	res, err := o.db.ExecContext(ctx, query, sig.Key, string(sig.Kind), sig.UnitID, sig.ProposalID, string(body), sig.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to enqueue signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (o *SQLOutbox) Pending(ctx context.Context, limit int) ([]OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT signal, status, delivered_at, error
		FROM outbox
		WHERE status = 'PENDING'
		ORDER BY created_at ASC, signal_key ASC
		LIMIT $1
	`
	rows, err := o.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []OutboxRecord
	for rows.Next() {
		r, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (o *SQLOutbox) mark(ctx context.Context, key string, status OutboxStatus, at time.Time, reason string) error {
	res, err := o.db.ExecContext(ctx,
		`UPDATE outbox SET status = $1, delivered_at = $2, error = $3 WHERE signal_key = $4`,
		string(status), at.UnixMilli(), reason, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOutboxNotFound
	}
	return nil
}

func (o *SQLOutbox) MarkDelivered(ctx context.Context, key string, at time.Time) error {
	return o.mark(ctx, key, OutboxDelivered, at, "")
}

func (o *SQLOutbox) MarkFailed(ctx context.Context, key string, at time.Time, reason string) error {
	return o.mark(ctx, key, OutboxFailed, at, reason)
}

func (o *SQLOutbox) Get(ctx context.Context, key string) (*OutboxRecord, error) {
	row := o.db.QueryRowContext(ctx,
		`SELECT signal, status, delivered_at, error FROM outbox WHERE signal_key = $1`, key)
	r, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOutboxNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row scanner) (*OutboxRecord, error) {
	var (
		body        string
		status      string
		deliveredAt sql.NullInt64
		reason      sql.NullString
	)
	if err := row.Scan(&body, &status, &deliveredAt, &reason); err != nil {
		return nil, err
	}
	r := &OutboxRecord{Status: OutboxStatus(status), Error: reason.String}
	if err := json.Unmarshal([]byte(body), &r.Signal); err != nil {
		return nil, fmt.Errorf("corrupt signal JSON in outbox: %w", err)
	}
	if deliveredAt.Valid {
		t := time.UnixMilli(deliveredAt.Int64).UTC()
		r.DeliveredAt = &t
	}
	return r, nil
}
