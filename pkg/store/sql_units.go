package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

// SQLUnitStore implements UnitStore using database/sql.
type SQLUnitStore struct {
	db *sql.DB
}

func NewSQLUnitStore(db *sql.DB) *SQLUnitStore {
	return &SQLUnitStore{db: db}
}

func (s *SQLUnitStore) Get(ctx context.Context, id string) (*contracts.UnitMetadata, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM units WHERE id = $1`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnitNotFound
		}
		return nil, err
	}
	return decodeUnit(body)
}

func (s *SQLUnitStore) Put(ctx context.Context, u *contracts.UnitMetadata) error {
	body, err := json.Marshal(u)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO units (id, space, tier, archived, revision, last_touched, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			space = EXCLUDED.space,
			tier = EXCLUDED.tier,
			archived = EXCLUDED.archived,
			revision = EXCLUDED.revision,
			last_touched = EXCLUDED.last_touched,
			body = EXCLUDED.body
	`
	_, err = s.db.ExecContext(ctx, query,
		u.ID, u.Space, string(u.Tier), u.Archived, u.Revision, u.LastTouched.UnixMilli(), string(body))
	if err != nil {
		return fmt.Errorf("failed to put unit: %w", err)
	}
	return nil
}

func (s *SQLUnitStore) Advance(ctx context.Context, id string, expected int64, doc json.RawMessage, touched time.Time) (*contracts.UnitMetadata, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Revision != expected {
		return nil, ErrStaleRevision
	}
	cur.Revision++
	cur.Document = append(json.RawMessage(nil), doc...)
	cur.LastTouched = touched
	cur.WarnedAt = nil
	body, err := json.Marshal(cur)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE units SET revision = $1, last_touched = $2, body = $3 WHERE id = $4 AND revision = $5`,
		cur.Revision, touched.UnixMilli(), string(body), id, expected)
	if err != nil {
		return nil, fmt.Errorf("failed to advance unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrStaleRevision
	}
	return cur, nil
}

func (s *SQLUnitStore) CompareAndSwap(ctx context.Context, old, u *contracts.UnitMetadata) error {
	body, err := json.Marshal(u)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE units SET space = $1, tier = $2, archived = $3, revision = $4, last_touched = $5, body = $6
		WHERE id = $7 AND revision = $8 AND last_touched = $9
	`, u.Space, string(u.Tier), u.Archived, u.Revision, u.LastTouched.UnixMilli(), string(body),
		old.ID, old.Revision, old.LastTouched.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to swap unit: %w", err)
	}
	return s.checkSwapped(ctx, res, old.ID)
}

func (s *SQLUnitStore) CompareAndDelete(ctx context.Context, old *contracts.UnitMetadata) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM units WHERE id = $1 AND revision = $2 AND last_touched = $3`,
		old.ID, old.Revision, old.LastTouched.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to delete unit: %w", err)
	}
	return s.checkSwapped(ctx, res, old.ID)
}

// checkSwapped tells a missing row from a changed one when a conditional
// write matched nothing.
func (s *SQLUnitStore) checkSwapped(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrStaleRevision
}

func (s *SQLUnitStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM units WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnitNotFound
	}
	return nil
}

func (s *SQLUnitStore) List(ctx context.Context, f UnitFilter) ([]*contracts.UnitMetadata, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.IncludeArchived {
		where = append(where, "archived = "+arg(false))
	}
	if f.Space != "" {
		where = append(where, "space = "+arg(f.Space))
	}
	if len(f.Tiers) > 0 {
		ph := make([]string, len(f.Tiers))
		for i, t := range f.Tiers {
			ph[i] = arg(string(t))
		}
		where = append(where, "tier IN ("+strings.Join(ph, ", ")+")")
	}
	query := "SELECT body FROM units"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.UnitMetadata, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		u, err := decodeUnit(body)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func decodeUnit(body string) (*contracts.UnitMetadata, error) {
	var u contracts.UnitMetadata
	if err := json.Unmarshal([]byte(body), &u); err != nil {
		return nil, fmt.Errorf("corrupt unit JSON: %w", err)
	}
	return &u, nil
}

// SQLLockTable implements LockTable with a primary key on unit_id. The
// INSERT ... ON CONFLICT DO NOTHING is the compare-and-swap.
type SQLLockTable struct {
	db *sql.DB
}

func NewSQLLockTable(db *sql.DB) *SQLLockTable {
	return &SQLLockTable{db: db}
}

func (t *SQLLockTable) Insert(ctx context.Context, unitID, proposalID string, at time.Time) (bool, error) {
	res, err := t.db.ExecContext(ctx,
		`INSERT INTO unit_locks (unit_id, proposal_id, acquired_at) VALUES ($1, $2, $3) ON CONFLICT (unit_id) DO NOTHING`,
		unitID, proposalID, at.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to insert lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *SQLLockTable) Holder(ctx context.Context, unitID string) (string, bool, error) {
	var pid string
	err := t.db.QueryRowContext(ctx, `SELECT proposal_id FROM unit_locks WHERE unit_id = $1`, unitID).Scan(&pid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return pid, true, nil
}

func (t *SQLLockTable) Lookup(ctx context.Context, unitID string) (string, time.Time, bool, error) {
	var (
		pid string
		at  int64
	)
	err := t.db.QueryRowContext(ctx,
		`SELECT proposal_id, acquired_at FROM unit_locks WHERE unit_id = $1`, unitID).Scan(&pid, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return pid, time.UnixMilli(at).UTC(), true, nil
}

func (t *SQLLockTable) Delete(ctx context.Context, unitID, proposalID string) (bool, error) {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM unit_locks WHERE unit_id = $1 AND proposal_id = $2`, unitID, proposalID)
	if err != nil {
		return false, fmt.Errorf("failed to delete lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
