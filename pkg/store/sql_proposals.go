package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

// SQLProposalStore implements ProposalStore using database/sql.
type SQLProposalStore struct {
	db *sql.DB
}

func NewSQLProposalStore(db *sql.DB) *SQLProposalStore {
	return &SQLProposalStore{db: db}
}

func wakeColumn(p *contracts.Proposal) sql.NullInt64 {
	if p.NextWakeAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: p.NextWakeAt.UnixMilli(), Valid: true}
}

func (s *SQLProposalStore) Create(ctx context.Context, p *contracts.Proposal) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO proposals (id, unit_id, space, state, risk, revision, created_at, updated_at, next_wake_at, batch_id, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		p.ID, p.Request.UnitID, p.Request.Space, string(p.State), string(p.Risk), p.Revision,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(), wakeColumn(p), p.Request.BatchID, string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to create proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrDuplicate)
	}
	return nil
}

func (s *SQLProposalStore) Get(ctx context.Context, id string) (*contracts.Proposal, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM proposals WHERE id = $1`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProposalNotFound
		}
		return nil, err
	}
	return decodeProposal(body)
}

// Update is a conditional UPDATE on (id, revision). Zero rows affected means
// the proposal is missing, final, or was changed by someone else.
func (s *SQLProposalStore) Update(ctx context.Context, p *contracts.Proposal, expected int64) error {
	if p.Revision != expected+1 {
		return ErrStaleRevision
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	query := `
		UPDATE proposals
		SET state = $1, risk = $2, revision = $3, updated_at = $4, next_wake_at = $5, body = $6
		WHERE id = $7 AND revision = $8 AND state NOT IN ('APPLIED', 'REJECTED', 'EXPIRED', 'BLOCKED')
	`
	res, err := s.db.ExecContext(ctx, query,
		string(p.State), string(p.Risk), p.Revision, p.UpdatedAt.UnixMilli(), wakeColumn(p), string(body),
		p.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	cur, err := s.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	if cur.State.IsFinal() {
		return ErrImmutable
	}
	return ErrStaleRevision
}

func (s *SQLProposalStore) List(ctx context.Context, f ProposalFilter) ([]*contracts.Proposal, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = arg(string(st))
		}
		where = append(where, "state IN ("+strings.Join(ph, ", ")+")")
	}
	if f.Risk != "" {
		where = append(where, "risk = "+arg(string(f.Risk)))
	}
	if f.Space != "" {
		where = append(where, "space = "+arg(f.Space))
	}
	if f.UnitID != "" {
		where = append(where, "unit_id = "+arg(f.UnitID))
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = "+arg(f.BatchID))
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at > "+arg(f.CreatedAfter.UnixMilli()))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+arg(f.CreatedBefore.UnixMilli()))
	}
	if !f.UpdatedAfter.IsZero() {
		where = append(where, "updated_at > "+arg(f.UpdatedAfter.UnixMilli()))
	}

	query := "SELECT body FROM proposals"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.Proposal, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		p, err := decodeProposal(body)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodeProposal(body string) (*contracts.Proposal, error) {
	var p contracts.Proposal
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("corrupt proposal JSON: %w", err)
	}
	return &p, nil
}
