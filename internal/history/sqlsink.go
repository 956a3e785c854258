package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Dialect selects the SQL flavour of an SQLSink.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// SQLSink appends history events into the process_history table.
// The schema is created if missing.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink wraps an open database and ensures the schema exists.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("history schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle, mainly for queries in tests and tooling.
func (s *SQLSink) DB() *sql.DB { return s.db }

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	id, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if s.dialect == Postgres {
		id, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_history(
			id ` + id + `,
			occurred_at ` + ts + ` NOT NULL,
			event TEXT NOT NULL,
			name TEXT NOT NULL,
			pid INTEGER NOT NULL,
			state TEXT NOT NULL,
			started_at ` + ts + ` NULL,
			ended_at ` + ts + ` NULL,
			exit_code INTEGER NULL,
			reached_min_uptime BOOLEAN NOT NULL,
			reason TEXT NOT NULL,
			error TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_process_history_name ON process_history(name);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		if s.dialect == Postgres {
			ps[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ps[i] = "?"
		}
	}
	return strings.Join(ps, ", ")
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_history(occurred_at, event, name, pid, state, started_at, ended_at, exit_code, reached_min_uptime, reason, error)
		VALUES(`+s.placeholders(11)+`);`,
		e.OccurredAt.UTC(), string(e.Type), rec.Name, rec.PID, rec.State,
		utcOrNil(rec.StartedAt), utcOrNil(rec.EndedAt), intOrNil(rec.ExitCode),
		rec.ReachedMinUptime, rec.Reason, stringOrNil(rec.Error))
	return err
}

func (s *SQLSink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func utcOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func intOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringOrNil(v string) any {
	if v == "" {
		return nil
	}
	return v
}
