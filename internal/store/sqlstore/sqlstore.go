// Package sqlstore persists ledger entries in a SQL database. Postgres is
// reached through lib/pq and SQLite through the pure-Go modernc driver.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/forgeai/forgeguard/internal/ledger"
)

// Dialect selects placeholder style and driver name.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("sqlstore: unsupported driver %q", s)
	}
}

const table = "ledger_entries"

const columns = "id, sequence, ts, action, actor_user_id, session_id, channel, resource, details, success, risk_level, ip_address, previous_hash, hash"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
	id            TEXT PRIMARY KEY,
	sequence      BIGINT NOT NULL UNIQUE,
	ts            TEXT NOT NULL,
	action        TEXT NOT NULL,
	actor_user_id TEXT NOT NULL DEFAULT '',
	session_id    TEXT NOT NULL DEFAULT '',
	channel       TEXT NOT NULL DEFAULT '',
	resource      TEXT NOT NULL DEFAULT '',
	details       TEXT NOT NULL DEFAULT '',
	success       BOOLEAN NOT NULL,
	risk_level    TEXT NOT NULL,
	ip_address    TEXT NOT NULL DEFAULT '',
	previous_hash TEXT NOT NULL DEFAULT '',
	hash          TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_actor ON ledger_entries (actor_user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_session ON ledger_entries (session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_action ON ledger_entries (action)`,
}

// Store is a database/sql backed ledger.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects with the dialect's driver, verifies the connection and
// creates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// One writer at a time; avoids SQLITE_BUSY under concurrent flush and query.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", dialect, err)
	}
	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. The schema is not touched.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Migrate creates the entries table and its indexes if missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert writes e. Re-inserting an id already present is a no-op.
func (s *Store) Insert(ctx context.Context, e ledger.Entry) error {
	details, err := ledger.EncodeDetails(e.Details)
	if err != nil {
		return fmt.Errorf("sqlstore: encode details: %w", err)
	}

	q := "INSERT INTO " + table + " (" + columns + ") VALUES (" + s.placeholders(1, 14) +
		") ON CONFLICT (id) DO NOTHING"
	_, err = s.db.ExecContext(ctx, q,
		e.ID, e.Sequence, e.Timestamp.UTC().Format(ledger.TimestampFormat), string(e.Action),
		e.ActorUserID, e.SessionID, e.Channel, e.Resource, details, e.Success,
		string(e.RiskLevel), e.IPAddress, e.PreviousHash, e.Hash)
	if err != nil {
		return fmt.Errorf("sqlstore: insert %s: %w", e.ID, err)
	}
	return nil
}

// Query returns matching entries, most recent first.
func (s *Store) Query(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	where, args := s.where(f)
	n := len(args)
	q := "SELECT " + columns + " FROM " + table + where +
		" ORDER BY sequence DESC LIMIT " + s.placeholder(n+1) + " OFFSET " + s.placeholder(n+2)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, f.EffectiveLimit(), offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query: %w", err)
	}
	defer rows.Close()

	entries := []ledger.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: iterate rows: %w", err)
	}
	return entries, nil
}

// Count returns the number of matching entries.
func (s *Store) Count(ctx context.Context, f ledger.Filter) (int, error) {
	where, args := s.where(f)
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlstore: count: %w", err)
	}
	return n, nil
}

func (s *Store) where(f ledger.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(col, op string, v any) {
		args = append(args, v)
		conds = append(conds, col+" "+op+" "+s.placeholder(len(args)))
	}

	if f.ActorUserID != "" {
		add("actor_user_id", "=", f.ActorUserID)
	}
	if f.SessionID != "" {
		add("session_id", "=", f.SessionID)
	}
	if f.Action != "" {
		add("action", "=", string(f.Action))
	}
	if f.RiskLevel != "" {
		add("risk_level", "=", string(f.RiskLevel))
	}
	if f.Success != nil {
		add("success", "=", *f.Success)
	}
	if !f.From.IsZero() {
		add("ts", ">=", f.From.UTC().Format(ledger.TimestampFormat))
	}
	if !f.To.IsZero() {
		add("ts", "<=", f.To.UTC().Format(ledger.TimestampFormat))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) placeholder(i int) string {
	if s.dialect == Postgres {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

func (s *Store) placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = s.placeholder(from + i)
	}
	return strings.Join(ps, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e       ledger.Entry
		ts      string
		action  string
		risk    string
		details string
	)
	err := row.Scan(&e.ID, &e.Sequence, &ts, &action, &e.ActorUserID, &e.SessionID,
		&e.Channel, &e.Resource, &details, &e.Success, &risk, &e.IPAddress,
		&e.PreviousHash, &e.Hash)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("sqlstore: scan row: %w", err)
	}

	e.Timestamp, err = time.Parse(ledger.TimestampFormat, ts)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("sqlstore: parse timestamp of %s: %w", e.ID, err)
	}
	e.Details, err = ledger.DecodeDetails(details)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("sqlstore: decode details of %s: %w", e.ID, err)
	}
	e.Action = ledger.Action(action)
	e.RiskLevel = ledger.RiskLevel(risk)
	return e, nil
}
