// Package monitoring watches sync run health and raises webhook alerts.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/internal/store"
)

// maxRunsPerWindow caps how many runs one snapshot reads.
const maxRunsPerWindow = 2000

// Snapshot holds a point-in-time view of sync health.
type Snapshot struct {
	// Runs started within the lookback window.
	RunsTotal     int `json:"runs_total"`
	RunsCompleted int `json:"runs_completed"`
	RunsFailed    int `json:"runs_failed"`
	RunsCancelled int `json:"runs_cancelled"`
	RunsRunning   int `json:"runs_running"`

	// Records processed by those runs, receptions and patients together.
	Records     model.Counts `json:"records"`
	Primary     int          `json:"primary"`
	Secondary   int          `json:"secondary"`
	FailureRate float64      `json:"failure_rate"`

	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	LastFailedError string     `json:"last_failed_error,omitempty"`
	MarkAt          *time.Time `json:"mark_at,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Processed is the number of records the window's runs handled.
func (s *Snapshot) Processed() int { return s.Records.Total() }

// RunReader is the part of store.Store the collector reads.
type RunReader interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.RunSummary, error)
	HighWaterMark(ctx context.Context, scope string) (*time.Time, error)
}

// Collector summarises recent runs.
type Collector struct {
	store RunReader
	now   func() time.Time
}

// NewCollector creates a Collector.
func NewCollector(st RunReader) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Since: &cutoff, Limit: maxRunsPerWindow})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	// Runs are newest first.
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
			if snap.LastFailedError == "" {
				snap.LastFailedError = r.Error
			}
		case model.RunStatusCancelled:
			snap.RunsCancelled++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		for _, n := range []model.Counts{r.Receptions, r.Patients} {
			snap.Records.Created += n.Created
			snap.Records.Updated += n.Updated
			snap.Records.Skipped += n.Skipped
			snap.Records.Failed += n.Failed
		}
		snap.Primary += r.Primary
		snap.Secondary += r.Secondary
	}
	if n := snap.Processed(); n > 0 {
		snap.FailureRate = float64(snap.Records.Failed) / float64(n)
	}

	last, err := c.store.ListRuns(ctx, store.RunFilter{Status: model.RunStatusCompleted, Limit: 1})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last completed run")
	}
	if len(last) > 0 {
		at := last[0].StartedAt
		if last[0].FinishedAt != nil {
			at = *last[0].FinishedAt
		}
		snap.LastCompletedAt = &at
	}

	if snap.MarkAt, err = c.store.HighWaterMark(ctx, store.ScopeReceptions); err != nil {
		return nil, eris.Wrap(err, "monitoring: high-water mark")
	}
	return snap, nil
}
