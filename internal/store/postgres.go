package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ident-sync/internal/db"
	"github.com/sells-group/ident-sync/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID serializes Migrate across instances.
const migrationLockID = 4_210_811

// PostgresStore implements Store over a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres opens a pool and returns a PostgresStore that owns it.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool; Close leaves it open.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Migrate applies pending files from migrations/ in lexicographic order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("failed to release migration lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
		log.Info("migration applied", zap.String("file", name))
	}
	return nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (s *PostgresStore) HighWaterMark(ctx context.Context, scope string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `SELECT watermark_ts FROM sync_state WHERE scope = $1`, scope).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: high-water mark for %s", scope)
	}
	t = t.UTC()
	return &t, nil
}

func (s *PostgresStore) SetHighWaterMark(ctx context.Context, scope string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_state (scope, watermark_ts, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (scope) DO UPDATE SET watermark_ts = EXCLUDED.watermark_ts, updated_at = now()`,
		scope, at.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set high-water mark for %s", scope)
	}
	return nil
}

func (s *PostgresStore) ListMarks(ctx context.Context) ([]Mark, error) {
	rows, err := s.pool.Query(ctx, `SELECT scope, watermark_ts, updated_at FROM sync_state ORDER BY scope`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list marks")
	}
	defer rows.Close()

	var marks []Mark
	for rows.Next() {
		var m Mark
		if err := rows.Scan(&m.Scope, &m.At, &m.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mark")
		}
		marks = append(marks, m)
	}
	return marks, rows.Err()
}

func (s *PostgresStore) StartRun(ctx context.Context, run *model.RunSummary) error {
	summary, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, mode, status, started_at, summary) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Mode), string(run.Status), run.StartedAt.UTC(), summary,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: start run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *model.RunSummary) error {
	summary, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $1, finished_at = $2, summary = $3, error = $4, failed_count = $5
		 WHERE id = $6`,
		string(run.Status), run.FinishedAt, summary, nullString(run.Error),
		run.Receptions.Failed+run.Patients.Failed, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "postgres: finish run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.RunSummary, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT summary FROM sync_runs WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	var run model.RunSummary
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode run %s", id)
	}
	return &run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	where, args := runWhere(filter,
		func(n int) string { return fmt.Sprintf("$%d", n) },
		func(t time.Time) any { return t.UTC() })
	args = append(args, filter.limit(), filter.Offset)
	query := fmt.Sprintf(`SELECT summary FROM sync_runs%s ORDER BY started_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var run model.RunSummary
		if err := json.Unmarshal(raw, &run); err != nil {
			return nil, eris.Wrap(err, "postgres: decode run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// runWhere builds the filter clause shared by both backends.
func runWhere(f RunFilter, placeholder func(n int) string, ts func(time.Time) any) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, "status = "+placeholder(len(args)))
	}
	if f.Mode != "" {
		args = append(args, string(f.Mode))
		conds = append(conds, "mode = "+placeholder(len(args)))
	}
	if f.Since != nil {
		args = append(args, ts(*f.Since))
		conds = append(conds, "started_at >= "+placeholder(len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
