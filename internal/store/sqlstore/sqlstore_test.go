package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeai/forgeguard/internal/ledger"
)

var rowColumns = []string{
	"id", "sequence", "ts", "action", "actor_user_id", "session_id", "channel",
	"resource", "details", "success", "risk_level", "ip_address", "previous_hash", "hash",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, Postgres), mock
}

func TestParseDialect(t *testing.T) {
	tests := map[string]Dialect{"postgres": Postgres, "PostgreSQL": Postgres, "sqlite": SQLite, "sqlite3": SQLite}
	for in, want := range tests {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDialect("mysql")
	assert.Error(t, err)
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	for i := 0; i < 3; i++ {
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsert(t *testing.T) {
	s, mock := newMock(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123000000, time.UTC)
	e := ledger.Entry{
		ID: "e-1", Sequence: 7, Timestamp: ts, Action: ledger.ActionToolExecute,
		ActorUserID: "alice", Details: map[string]any{"b": 2, "a": "x"},
		Success: true, RiskLevel: ledger.RiskHigh, PreviousHash: ledger.GenesisHash, Hash: "sha256:abc",
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries (" + columns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) ON CONFLICT (id) DO NOTHING")).
		WithArgs("e-1", int64(7), "2026-03-01T12:00:00.123Z", "tool.execute", "alice", "", "", "",
			`{"a":"x","b":2}`, true, "high", "", ledger.GenesisHash, "sha256:abc").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Insert(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("INSERT INTO ledger_entries").WillReturnError(errors.New("connection reset"))

	err := s.Insert(context.Background(), ledger.Entry{ID: "e-1", Sequence: 1, Action: ledger.ActionAuthLogin})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPostgresQueryWithFilter(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows(rowColumns).
		AddRow("e-2", int64(2), "2026-03-01T12:00:01.000Z", "auth.login_failed", "alice", "s1", "", "", `{"attempt":3}`, false, "high", "10.0.0.1", "sha256:p", "sha256:h2").
		AddRow("e-1", int64(1), "2026-03-01T12:00:00.000Z", "auth.login_failed", "alice", "s1", "", "", "", false, "high", "10.0.0.1", ledger.GenesisHash, "sha256:p")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + columns + " FROM ledger_entries WHERE actor_user_id = $1 AND success = $2 ORDER BY sequence DESC LIMIT $3 OFFSET $4")).
		WithArgs("alice", false, 100, 0).
		WillReturnRows(rows)

	got, err := s.Query(context.Background(), ledger.Filter{ActorUserID: "alice", Success: ledger.Bool(false)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e-2", got[0].ID)
	assert.Equal(t, ledger.ActionAuthLoginFailed, got[0].Action)
	assert.Equal(t, ledger.RiskHigh, got[0].RiskLevel)
	assert.False(t, got[0].Success)
	assert.Equal(t, json.Number("3"), got[0].Details["attempt"])
	assert.Nil(t, got[1].Details)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC), got[0].Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCount(t *testing.T) {
	s, mock := newMock(t)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM ledger_entries WHERE risk_level = $1 AND ts >= $2")).
		WithArgs("critical", "2026-03-01T00:00:00.000Z").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := s.Count(context.Background(), ledger.Filter{RiskLevel: ledger.RiskCritical, From: from})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), SQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteLedgerRoundTrip(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	l, err := ledger.Open(ctx, s, ledger.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	l.Record(ledger.Event{Action: ledger.ActionAuthLogin, ActorUserID: "alice", IPAddress: "10.0.0.1"})
	l.Record(ledger.Event{Action: ledger.ActionToolExecute, ActorUserID: "alice", Details: map[string]any{"tool": "code_run", "args": []any{"-c", 1}}})
	l.Record(ledger.Event{Action: ledger.ActionAuthLoginFailed, ActorUserID: "bob", Failed: true})
	res := l.Flush(ctx)
	require.NoError(t, res.Err)
	require.Equal(t, 3, res.Written)

	// A second insert of the same entry is ignored.
	stored, err := s.Query(ctx, ledger.Filter{Limit: 1})
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, stored[0]))

	n, err := s.Count(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	failed, err := s.Query(ctx, ledger.Filter{Success: ledger.Bool(false)})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bob", failed[0].ActorUserID)

	verify := l.VerifyIntegrity(ctx, 0)
	assert.True(t, verify.Valid, verify.Message)
	assert.Equal(t, 3, verify.TotalChecked)

	reopened, err := ledger.Open(ctx, s, ledger.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	assert.Equal(t, l.TailHash(), reopened.TailHash())
}

func TestSQLiteTamperDetected(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	l, err := ledger.Open(ctx, s, ledger.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		l.Record(ledger.Event{Action: ledger.ActionToolExecute, Details: map[string]any{"i": i}})
	}
	require.NoError(t, l.Flush(ctx).Err)

	_, err = s.db.ExecContext(ctx, `UPDATE ledger_entries SET details = '{"i":42}' WHERE sequence = 3`)
	require.NoError(t, err)

	res := l.VerifyIntegrity(ctx, 0)
	assert.False(t, res.Valid)
	assert.Equal(t, 2, res.BrokenAtIndex)
}
