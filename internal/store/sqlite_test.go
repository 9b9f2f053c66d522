package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ident-sync/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testRun(id string, mode model.RunMode, started time.Time) *model.RunSummary {
	return &model.RunSummary{ID: id, Mode: mode, Status: model.RunStatusRunning, StartedAt: started}
}

// --- High-water marks ---

func TestSQLite_HighWaterMark_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	mark, err := st.HighWaterMark(context.Background(), ScopeReceptions)
	require.NoError(t, err)
	assert.Nil(t, mark)
}

func TestSQLite_HighWaterMark_SetAndOverwrite(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	first := time.Date(2026, 3, 1, 8, 0, 0, 123, time.UTC)
	second := first.Add(2 * time.Minute)

	require.NoError(t, st.SetHighWaterMark(ctx, ScopeReceptions, first))
	require.NoError(t, st.SetHighWaterMark(ctx, ScopeReceptions, second))
	require.NoError(t, st.SetHighWaterMark(ctx, ScopePatients, first))

	mark, err := st.HighWaterMark(ctx, ScopeReceptions)
	require.NoError(t, err)
	require.NotNil(t, mark)
	assert.True(t, second.Equal(*mark))

	marks, err := st.ListMarks(ctx)
	require.NoError(t, err)
	require.Len(t, marks, 2)
	assert.Equal(t, ScopePatients, marks[0].Scope)
	assert.True(t, first.Equal(marks[0].At))
}

func TestSQLite_HighWaterMark_NonUTCInput(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	msk := time.FixedZone("MSK", 3*60*60)
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, msk)

	require.NoError(t, st.SetHighWaterMark(ctx, ScopeReceptions, at))
	mark, err := st.HighWaterMark(ctx, ScopeReceptions)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), *mark)
}

// --- Runs ---

func TestSQLite_StartFinishGetRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	run := testRun("run-1", model.RunIncremental, started)
	require.NoError(t, st.StartRun(ctx, run))

	finished := started.Add(time.Minute)
	run.Status = model.RunStatusCompleted
	run.FinishedAt = &finished
	run.Receptions = model.Counts{Created: 2, Failed: 1}
	run.Failures = []model.Failure{{Entity: "reception", RecordID: "501", Kind: model.ErrRemoteValidation, Message: "bad field"}}
	require.NoError(t, st.FinishRun(ctx, run))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Receptions.Created)
	require.Len(t, got.Failures, 1)
	assert.Equal(t, "501", got.Failures[0].RecordID)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSQLite_FinishRun_Unknown(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.FinishRun(context.Background(), testRun("missing", model.RunDeep, time.Now()))
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i, mode := range []model.RunMode{model.RunIncremental, model.RunDeep, model.RunIncremental} {
		run := testRun(string(rune('a'+i)), mode, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, st.StartRun(ctx, run))
	}
	failed := testRun("b", model.RunDeep, base.Add(time.Hour))
	failed.Status = model.RunStatusFailed
	require.NoError(t, st.FinishRun(ctx, failed))

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[2].ID)

	incr, err := st.ListRuns(ctx, RunFilter{Mode: model.RunIncremental, Limit: 1})
	require.NoError(t, err)
	require.Len(t, incr, 1)
	assert.Equal(t, "c", incr[0].ID)

	failedRuns, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failedRuns, 1)
	assert.Equal(t, "b", failedRuns[0].ID)

	since := base.Add(30 * time.Minute)
	recent, err := st.ListRuns(ctx, RunFilter{Since: &since, Offset: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "b", recent[0].ID)
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}
