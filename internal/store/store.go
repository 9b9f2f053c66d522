// Package store persists sync state: per-scope high-water marks and run
// summaries. Postgres is the default backend; SQLite serves single-node
// installs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/ident-sync/internal/model"
)

// Mark scopes.
const (
	ScopeReceptions = "receptions"
	ScopePatients   = "patients"
)

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("store: run not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Mode   model.RunMode   `json:"mode,omitempty"`
	Since  *time.Time      `json:"since,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return 50
	}
	return f.Limit
}

// Mark is a stored high-water mark.
type Mark struct {
	Scope     string    `json:"scope"`
	At        time.Time `json:"at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the persistence interface for the sync engine.
type Store interface {
	// High-water marks. HighWaterMark returns nil when the scope was never
	// completed.
	HighWaterMark(ctx context.Context, scope string) (*time.Time, error)
	SetHighWaterMark(ctx context.Context, scope string, at time.Time) error
	ListMarks(ctx context.Context) ([]Mark, error)

	// Runs
	StartRun(ctx context.Context, run *model.RunSummary) error
	FinishRun(ctx context.Context, run *model.RunSummary) error
	GetRun(ctx context.Context, id string) (*model.RunSummary, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
