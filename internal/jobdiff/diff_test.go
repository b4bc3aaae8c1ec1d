package jobdiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cdcwatch/types"
)

func job(id string, status types.JobStatus) types.JobRecord {
	return types.JobRecord{ID: id, Status: status, Raw: string(status)}
}

func TestTracker_FirstListing(t *testing.T) {
	tracker := NewTracker()
	jobs := []types.JobRecord{job("a", types.JobRunning), job("b", types.JobRunning)}

	// First listing is the baseline
	assert.Nil(t, tracker.ComputeDiff(jobs))
	tracker.Update(jobs)
}

func TestTracker_NoChanges(t *testing.T) {
	tracker := NewTracker()
	jobs := []types.JobRecord{job("a", types.JobRunning), job("b", types.JobRunning)}

	tracker.Observe(jobs)

	diffs := tracker.ComputeDiff(jobs)
	require.NotNil(t, diffs)
	assert.Empty(t, diffs)
}

func TestTracker_Transitions(t *testing.T) {
	tracker := NewTracker()
	tracker.Observe([]types.JobRecord{
		job("a", types.JobRunning),
		job("b", types.JobRunning),
		job("c", types.JobFailed),
	})

	diffs := tracker.Observe([]types.JobRecord{
		job("a", types.JobFailed),
		job("c", types.JobRestarting),
		job("d", types.JobRunning),
	})

	assert.Equal(t, []Transition{
		{Type: Changed, JobID: "a", Previous: types.JobRunning, Current: types.JobFailed},
		{Type: Disappeared, JobID: "b", Previous: types.JobRunning},
		{Type: Changed, JobID: "c", Previous: types.JobFailed, Current: types.JobRestarting},
		{Type: Appeared, JobID: "d", Current: types.JobRunning},
	}, diffs)

	assert.True(t, diffs[0].IntoFailure())
	assert.False(t, diffs[2].IntoFailure())
}

func TestTracker_ObserveMovesBaseline(t *testing.T) {
	tracker := NewTracker()
	tracker.Observe([]types.JobRecord{job("a", types.JobRunning)})
	tracker.Observe([]types.JobRecord{job("a", types.JobFailed)})

	diffs := tracker.Observe([]types.JobRecord{job("a", types.JobFailed)})
	assert.Empty(t, diffs)
}

func TestTracker_AppearedFailed(t *testing.T) {
	tracker := NewTracker()
	tracker.Observe(nil)

	diffs := tracker.Observe([]types.JobRecord{job("x", types.JobFailed)})
	require.Len(t, diffs, 1)
	assert.Equal(t, Appeared, diffs[0].Type)
	assert.True(t, diffs[0].IntoFailure())
}
