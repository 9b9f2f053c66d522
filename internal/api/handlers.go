package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/internal/store"
)

const maxRunsLimit = 500

type handlers struct {
	cfg RouterConfig
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Running      bool              `json:"running"`
	Dependencies map[string]string `json:"dependencies"`
}

// StateResponse is the body of GET /state.
type StateResponse struct {
	Marks   []store.Mark       `json:"marks"`
	LastRun *model.RunSummary `json:"last_run,omitempty"`
	Running bool              `json:"running"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *handlers) running() bool {
	return h.cfg.Engine != nil && h.cfg.Engine.Running()
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]Pinger{"store": h.cfg.Store.Ping}
	for name, p := range h.cfg.Checks {
		checks[name] = p
	}

	deps := make(map[string]string, len(checks))
	status := "ok"
	for name, ping := range checks {
		pctx, pcancel := context.WithTimeout(ctx, time.Second)
		err := ping(pctx)
		pcancel()
		if err != nil {
			deps[name] = "down"
			status = "error"
			continue
		}
		deps[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:       status,
		Version:      h.cfg.Version,
		Running:      h.running(),
		Dependencies: deps,
	})
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status: model.RunStatus(q.Get("status")),
		Mode:   model.RunMode(q.Get("mode")),
		Limit:  20,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxRunsLimit)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since", "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &t
	}

	runs, err := h.cfg.Store.ListRuns(r.Context(), filter)
	if err != nil {
		internalError(w, r, "list runs", err)
		return
	}
	if runs == nil {
		runs = []model.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.cfg.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run_not_found", "no run with that id")
		return
	}
	if err != nil {
		internalError(w, r, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	marks, err := h.cfg.Store.ListMarks(r.Context())
	if err != nil {
		internalError(w, r, "list marks", err)
		return
	}
	if marks == nil {
		marks = []store.Mark{}
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i].Scope < marks[j].Scope })

	resp := StateResponse{Marks: marks, Running: h.running()}
	last, err := h.cfg.Store.ListRuns(r.Context(), store.RunFilter{Limit: 1})
	if err != nil {
		internalError(w, r, "last run", err)
		return
	}
	if len(last) > 0 {
		resp.LastRun = &last[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

func internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	zap.L().Error("api: "+op,
		zap.String("request_id", GetRequestID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
