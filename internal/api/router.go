// Package api serves sync status over HTTP for the service mode.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/internal/store"
)

// StateReader is the part of store.Store the API reads.
type StateReader interface {
	ListMarks(ctx context.Context) ([]store.Mark, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.RunSummary, error)
	GetRun(ctx context.Context, id string) (*model.RunSummary, error)
	Ping(ctx context.Context) error
}

// RunState reports whether a sync run is in flight.
type RunState interface {
	Running() bool
}

// Pinger is a dependency checked by /health.
type Pinger func(ctx context.Context) error

// RouterConfig holds the router's collaborators.
type RouterConfig struct {
	Store  StateReader
	Engine RunState
	// Checks are extra dependencies reported by /health, keyed by name.
	Checks  map[string]Pinger
	Version string
}

// NewRouter builds the status API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	h := &handlers{cfg: cfg}
	r.Get("/health", h.health)
	r.Get("/runs", h.listRuns)
	r.Get("/runs/{id}", h.getRun)
	r.Get("/state", h.state)

	return r
}
