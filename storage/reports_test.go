package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cdcwatch/types"
)

func openStore(t *testing.T) (*ReportStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history", "cdcwatch.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func report(id string, attempts ...types.RestartAttempt) *types.CycleReport {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &types.CycleReport{
		ID:         id,
		Pipeline:   "cdc_data_lakehouse_pipeline",
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Status:     types.StatusOK,
		Results: []types.ProbeResult{
			{Step: types.StepSourceHealth, Status: types.StatusOK, Severity: types.SeverityHard,
				Detail: map[string]any{"row_count": int64(1000)}},
		},
	}
	if attempts != nil {
		r.Results = append(r.Results, types.ProbeResult{
			Step:     types.StepRestartReconciler,
			Status:   types.StatusOK,
			Severity: types.SeveritySoft,
			Detail:   map[string]any{"attempts": attempts},
		})
	}
	return r
}

func TestReportStore_SaveAndGet(t *testing.T) {
	s, _ := openStore(t)

	rev, err := s.Save(report("cycle-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
	assert.Equal(t, int64(1), s.CurrentRevision())

	got, err := s.Get("cycle-1")
	require.NoError(t, err)
	assert.Equal(t, "cycle-1", got.ID)
	assert.Equal(t, types.StatusOK, got.Status)
	assert.Equal(t, []string{types.StepSourceHealth}, got.Steps())

	// numbers come back as JSON numbers
	res, _ := got.Result(types.StepSourceHealth)
	assert.EqualValues(t, 1000, res.Detail["row_count"])
}

func TestReportStore_GetMissing(t *testing.T) {
	s, _ := openStore(t)

	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Latest()
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Job("x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReportStore_RejectsDuplicateAndAnonymous(t *testing.T) {
	s, _ := openStore(t)

	_, err := s.Save(report("cycle-1"))
	require.NoError(t, err)

	_, err = s.Save(report("cycle-1"))
	assert.Error(t, err)
	assert.Equal(t, int64(1), s.CurrentRevision())

	_, err = s.Save(&types.CycleReport{})
	assert.Error(t, err)
	_, err = s.Save(nil)
	assert.Error(t, err)
}

func TestReportStore_ListNewestFirst(t *testing.T) {
	s, _ := openStore(t)

	for i := 1; i <= 5; i++ {
		_, err := s.Save(report(fmt.Sprintf("cycle-%d", i)))
		require.NoError(t, err)
	}

	entries, err := s.List(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "cycle-5", entries[0].Report.ID)
	assert.Equal(t, int64(5), entries[0].Revision)
	assert.Equal(t, "cycle-3", entries[2].Report.ID)

	all, err := s.List(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "cycle-5", latest.ID)
}

func TestReportStore_JobHistory(t *testing.T) {
	s, _ := openStore(t)

	_, err := s.Save(report("cycle-1",
		types.RestartAttempt{JobID: "j1", Outcome: types.OutcomeInitiated},
		types.RestartAttempt{JobID: "j2", Outcome: types.OutcomeRestartFailed, Error: "500"},
	))
	require.NoError(t, err)
	_, err = s.Save(report("cycle-2"))
	require.NoError(t, err)
	_, err = s.Save(report("cycle-3",
		types.RestartAttempt{JobID: "j1", Outcome: types.OutcomeSuppressed},
	))
	require.NoError(t, err)

	j1, err := s.Job("j1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), j1.FirstFailedRev)
	assert.Equal(t, int64(3), j1.LastAttemptRev)
	assert.Equal(t, types.OutcomeSuppressed, j1.LastOutcome)
	assert.Equal(t, 1, j1.Initiated)
	assert.Equal(t, 1, j1.Suppressed)
	assert.Equal(t, 2, j1.Attempts())

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "j1", jobs[0].JobID)
	assert.Equal(t, "j2", jobs[1].JobID)
	assert.Equal(t, 1, jobs[1].Failed)
}

func TestReportStore_Reopen(t *testing.T) {
	s, path := openStore(t)

	_, err := s.Save(report("cycle-1", types.RestartAttempt{JobID: "j1", Outcome: types.OutcomeInitiated}))
	require.NoError(t, err)
	_, err = s.Save(report("cycle-2"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	assert.Equal(t, int64(2), reopened.CurrentRevision())

	rev, err := reopened.Save(report("cycle-3"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), rev)

	j1, err := reopened.Job("j1")
	require.NoError(t, err)
	assert.Equal(t, 1, j1.Initiated)
}

func TestReportStore_Compact(t *testing.T) {
	s, path := openStore(t)

	_, err := s.Save(report("cycle-1", types.RestartAttempt{JobID: "j1", Outcome: types.OutcomeInitiated}))
	require.NoError(t, err)
	for i := 2; i <= 5; i++ {
		_, err := s.Save(report(fmt.Sprintf("cycle-%d", i)))
		require.NoError(t, err)
	}

	removed, err := s.Compact(2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cycle-5", entries[0].Report.ID)
	assert.Equal(t, "cycle-4", entries[1].Report.ID)

	_, err = s.Get("cycle-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// nothing left to remove
	removed, err = s.Compact(2)
	require.NoError(t, err)
	assert.Zero(t, removed)

	require.NoError(t, s.Close())
	reopened, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	j1, err := reopened.Job("j1")
	require.NoError(t, err)
	assert.Equal(t, 1, j1.Initiated)
}

func TestReportStore_CompactKeepZeroIsNoop(t *testing.T) {
	s, _ := openStore(t)
	_, err := s.Save(report("cycle-1"))
	require.NoError(t, err)

	removed, err := s.Compact(0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestAttemptsOf_DecodedDetail(t *testing.T) {
	res := types.ProbeResult{Detail: map[string]any{
		"attempts": []any{
			map[string]any{"job_id": "x", "outcome": "initiated"},
		},
	}}
	assert.Equal(t, []types.RestartAttempt{{JobID: "x", Outcome: types.OutcomeInitiated}}, attemptsOf(res))
	assert.Nil(t, attemptsOf(types.ProbeResult{}))
}
