package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/loykin/sidekick/internal/history"
)

// Timestamps are stored as unix milliseconds so ordering and round trips do
// not depend on the driver's time formatting.
const schema = `
CREATE TABLE IF NOT EXISTS worker_events(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	worker TEXT NOT NULL,
	run_id TEXT NOT NULL,
	type TEXT NOT NULL,
	occurred_at_ms INTEGER NOT NULL,
	pid INTEGER,
	exit_code INTEGER,
	detail TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS worker_events_worker_idx ON worker_events(worker, occurred_at_ms);
`

type row struct {
	Worker       string `db:"worker"`
	RunID        string `db:"run_id"`
	Type         string `db:"type"`
	OccurredAtMS int64  `db:"occurred_at_ms"`
	PID          *int   `db:"pid"`
	ExitCode     *int   `db:"exit_code"`
	Detail       string `db:"detail"`
}

// Sink writes history events to a SQLite database.
type Sink struct {
	db *sqlx.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// every pooled connection to :memory: would see its own empty database
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	sink := &Sink{db: db}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := row{
		Worker:       e.Worker,
		RunID:        e.RunID,
		Type:         e.Type,
		OccurredAtMS: e.OccurredAt.UTC().UnixMilli(),
		PID:          e.PID,
		ExitCode:     e.ExitCode,
		Detail:       string(e.Detail),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO worker_events(worker, run_id, type, occurred_at_ms, pid, exit_code, detail)
		VALUES(:worker, :run_id, :type, :occurred_at_ms, :pid, :exit_code, :detail)`, r)
	return err
}

// Recent returns up to limit events for worker, oldest first.
func (s *Sink) Recent(ctx context.Context, worker string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		return []history.Event{}, nil
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT worker, run_id, type, occurred_at_ms, pid, exit_code, detail
		FROM worker_events WHERE worker = ?
		ORDER BY id DESC LIMIT ?`, worker, limit)
	if err != nil {
		return nil, err
	}
	out := make([]history.Event, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		out = append(out, history.Event{
			Worker:     r.Worker,
			RunID:      r.RunID,
			Type:       r.Type,
			OccurredAt: time.UnixMilli(r.OccurredAtMS).UTC(),
			PID:        r.PID,
			ExitCode:   r.ExitCode,
			Detail:     json.RawMessage(r.Detail),
		})
	}
	return out, nil
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
