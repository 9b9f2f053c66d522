package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ident-sync/internal/model"
)

// sqliteTime is fixed-width so text comparison orders like time.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sync_state (
	scope        TEXT PRIMARY KEY,
	watermark_ts TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id           TEXT PRIMARY KEY,
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TEXT NOT NULL,
	finished_at  TEXT,
	summary      TEXT NOT NULL,
	error        TEXT,
	failed_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_sync_runs_status ON sync_runs(status);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) HighWaterMark(ctx context.Context, scope string) (*time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT watermark_ts FROM sync_state WHERE scope = ?`, scope).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: high-water mark for %s", scope)
	}
	t, err := parseTime(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) SetHighWaterMark(ctx context.Context, scope string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (scope, watermark_ts, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (scope) DO UPDATE SET watermark_ts = excluded.watermark_ts, updated_at = excluded.updated_at`,
		scope, formatTime(at), formatTime(s.now()),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set high-water mark for %s", scope)
	}
	return nil
}

func (s *SQLiteStore) ListMarks(ctx context.Context) ([]Mark, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, watermark_ts, updated_at FROM sync_state ORDER BY scope`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list marks")
	}
	defer rows.Close() //nolint:errcheck

	var marks []Mark
	for rows.Next() {
		var m Mark
		var at, updated string
		if err := rows.Scan(&m.Scope, &at, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mark")
		}
		if m.At, err = parseTime(at); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		marks = append(marks, m)
	}
	return marks, rows.Err()
}

func (s *SQLiteStore) StartRun(ctx context.Context, run *model.RunSummary) error {
	summary, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, mode, status, started_at, summary) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Mode), string(run.Status), formatTime(run.StartedAt), string(summary),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: start run %s", run.ID)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *model.RunSummary) error {
	summary, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	var finished *string
	if run.FinishedAt != nil {
		f := formatTime(*run.FinishedAt)
		finished = &f
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, finished_at = ?, summary = ?, error = ?, failed_count = ? WHERE id = ?`,
		string(run.Status), finished, string(summary), nullString(run.Error),
		run.Receptions.Failed+run.Patients.Failed, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", run.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunNotFound, "sqlite: finish run %s", run.ID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunSummary, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM sync_runs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	var run model.RunSummary
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode run %s", id)
	}
	return &run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	where, args := runWhere(filter,
		func(int) string { return "?" },
		func(t time.Time) any { return formatTime(t) })
	args = append(args, filter.limit(), filter.Offset)
	query := fmt.Sprintf(`SELECT summary FROM sync_runs%s ORDER BY started_at DESC LIMIT ? OFFSET ?`, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.RunSummary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var run model.RunSummary
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}
