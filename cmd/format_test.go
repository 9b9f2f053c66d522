package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/internal/monitoring"
	"github.com/sells-group/ident-sync/internal/store"
)

var fmtStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestFormatSummary(t *testing.T) {
	finished := fmtStart.Add(90 * time.Second)
	s := &model.RunSummary{
		ID:         "run-1",
		Mode:       model.RunIncremental,
		Status:     model.RunStatusCompleted,
		StartedAt:  fmtStart,
		FinishedAt: &finished,
		Since:      &fmtStart,
		Receptions: model.Counts{Created: 3, Updated: 1, Failed: 1},
		Patients:   model.Counts{Updated: 2},
		Primary:    2,
		Secondary:  1,
		Failures: []model.Failure{
			{Entity: model.EntityReception, RecordID: "501", Kind: model.ErrInternal, Message: "lead create failed", Partial: true},
		},
	}

	var buf bytes.Buffer
	formatSummary(&buf, s)
	out := buf.String()

	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "created 3, updated 1, skipped 0, failed 1")
	assert.Contains(t, out, "Patients:")
	assert.Contains(t, out, "primary 2, secondary 1")
	assert.Contains(t, out, "Failures (1):")
	assert.Contains(t, out, "internal (partial)")
	assert.NotContains(t, out, "Error:")
}

func TestFormatSummary_FailedRunWithoutPatients(t *testing.T) {
	var buf bytes.Buffer
	formatSummary(&buf, &model.RunSummary{ID: "x", Status: model.RunStatusFailed, Error: "auth_expired"})
	out := buf.String()

	assert.Contains(t, out, "Error:")
	assert.Contains(t, out, "auth_expired")
	assert.NotContains(t, out, "Patients:")
	assert.Regexp(t, `Duration:\s+-\n`, out)
}

func TestFormatFailures_Truncates(t *testing.T) {
	var failures []model.Failure
	for i := range maxFailuresShown + 5 {
		failures = append(failures, model.Failure{Entity: model.EntityReception, RecordID: fmt.Sprint(i), Kind: model.ErrInternal})
	}
	var buf bytes.Buffer
	formatFailures(&buf, failures)
	assert.Contains(t, buf.String(), "5 more")
	assert.Equal(t, maxFailuresShown+2, strings.Count(buf.String(), "\n"))
}

func TestFormatRunsList(t *testing.T) {
	var buf bytes.Buffer
	formatRunsList(&buf, []model.RunSummary{
		{ID: "run-2", Mode: model.RunDeep, Status: model.RunStatusRunning, StartedAt: fmtStart, Receptions: model.Counts{Created: 7}},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "STATUS")
	assert.Contains(t, lines[1], "deep")
	assert.Contains(t, lines[1], "running")
	assert.Contains(t, lines[1], "run-2")
}

func TestFormatMarks(t *testing.T) {
	var buf bytes.Buffer
	formatMarks(&buf, nil)
	assert.Contains(t, buf.String(), "none")

	buf.Reset()
	formatMarks(&buf, []store.Mark{{Scope: store.ScopeReceptions, At: fmtStart, UpdatedAt: fmtStart}})
	assert.Contains(t, buf.String(), "receptions")
	assert.Contains(t, buf.String(), "2026-03-10T09:00:00Z")
}

func TestFormatSnapshot(t *testing.T) {
	last := fmtStart.Add(-2 * time.Hour)
	var buf bytes.Buffer
	formatSnapshot(&buf, &monitoring.Snapshot{
		RunsTotal:       4,
		RunsCompleted:   3,
		RunsFailed:      1,
		Records:         model.Counts{Created: 9, Failed: 1},
		FailureRate:     0.1,
		Primary:         3,
		Secondary:       1,
		LastCompletedAt: &last,
		LastFailedError: "transport",
		LookbackHours:   24,
		CollectedAt:     fmtStart,
	})
	out := buf.String()

	assert.Contains(t, out, "last 24h")
	assert.Contains(t, out, "4 (completed 3, failed 1, cancelled 0, running 0)")
	assert.Contains(t, out, "10.0%")
	assert.Contains(t, out, "primary 3 (75%), secondary 1 (25%)")
	assert.Contains(t, out, "2h0m0s ago")
	assert.Contains(t, out, "transport")
}

func TestFormatSnapshot_NeverCompleted(t *testing.T) {
	var buf bytes.Buffer
	formatSnapshot(&buf, &monitoring.Snapshot{LookbackHours: 24})
	assert.Contains(t, buf.String(), "never")
	assert.Contains(t, buf.String(), "primary 0, secondary 0")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "абвг...", truncate("абвгдежзий", 7))
}
