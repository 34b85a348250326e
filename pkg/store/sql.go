package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Queries use $n placeholders, which both lib/pq and modernc sqlite accept
// as long as each number first appears in ascending order. Timestamps are
// stored as unix milliseconds so both engines compare them the same way.
const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	unit_id TEXT NOT NULL,
	space TEXT NOT NULL,
	state TEXT NOT NULL,
	risk TEXT NOT NULL,
	revision BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	next_wake_at BIGINT,
	batch_id TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS proposals_state_idx ON proposals (state);
CREATE INDEX IF NOT EXISTS proposals_unit_idx ON proposals (unit_id);
CREATE INDEX IF NOT EXISTS proposals_batch_idx ON proposals (batch_id);

CREATE TABLE IF NOT EXISTS units (
	id TEXT PRIMARY KEY,
	space TEXT NOT NULL,
	tier TEXT NOT NULL,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	revision BIGINT NOT NULL,
	last_touched BIGINT NOT NULL,
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS unit_locks (
	unit_id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL,
	acquired_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	sequence BIGINT PRIMARY KEY,
	event_id TEXT NOT NULL,
	proposal_id TEXT,
	unit_id TEXT,
	occurred_at BIGINT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_proposal_idx ON audit_events (proposal_id);

CREATE TABLE IF NOT EXISTS outbox (
	signal_key TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	unit_id TEXT NOT NULL,
	proposal_id TEXT,
	signal TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	delivered_at BIGINT,
	error TEXT
);
`

// SQL bundles every SQL-backed store over one database handle.
type SQL struct {
	DB        *sql.DB
	Proposals *SQLProposalStore
	Units     *SQLUnitStore
	Locks     *SQLLockTable
	Audit     *SQLAuditLog
	Outbox    *SQLOutbox
}

// NewSQL wraps db. Call Init before use on a fresh database.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{
		DB:        db,
		Proposals: NewSQLProposalStore(db),
		Units:     NewSQLUnitStore(db),
		Locks:     NewSQLLockTable(db),
		Audit:     NewSQLAuditLog(db),
		Outbox:    NewSQLOutbox(db),
	}
}

// Init creates the schema if it does not exist.
func (s *SQL) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Open opens a Postgres database when dsn is set, else a SQLite file at
// sqlitePath. The returned driver name is "postgres" or "sqlite".
func Open(dsn, sqlitePath string) (*sql.DB, string, error) {
	if dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		return db, "postgres", nil
	}
	db, err := sql.Open("sqlite", sqlitePath)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite %s: %w", sqlitePath, err)
	}
	// SQLite serializes writers; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	return db, "sqlite", nil
}
