// Package jobdiff tracks job status between cycles and reports transitions.
package jobdiff

import (
	"sort"
	"sync"

	"github.com/yairfalse/cdcwatch/types"
)

// TransitionType describes how a job changed since the previous listing
type TransitionType string

const (
	Appeared    TransitionType = "appeared"
	Disappeared TransitionType = "disappeared"
	Changed     TransitionType = "changed"
)

// Transition is one job-level change between two listings
type Transition struct {
	Type     TransitionType  `json:"type"`
	JobID    string          `json:"job_id"`
	Previous types.JobStatus `json:"previous,omitempty"`
	Current  types.JobStatus `json:"current,omitempty"`
}

// IntoFailure reports whether the job just entered the failed state
func (t Transition) IntoFailure() bool {
	return t.Current == types.JobFailed && t.Previous != types.JobFailed
}

// Tracker remembers the last job listing. It only annotates reports; the
// restart decision always uses the current cycle's listing.
type Tracker struct {
	mu          sync.RWMutex
	previous    map[string]types.JobRecord
	initialized bool
}

// NewTracker creates a new tracker.
func NewTracker() *Tracker {
	return &Tracker{
		previous: make(map[string]types.JobRecord),
	}
}

// ComputeDiff compares jobs against the previous listing.
// Returns nil before a baseline exists and an empty slice when nothing
// changed. Transitions are ordered by job id.
func (t *Tracker) ComputeDiff(jobs []types.JobRecord) []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.initialized {
		return nil
	}

	current := indexJobs(jobs)
	diffs := make([]Transition, 0)

	for id, prev := range t.previous {
		curr, exists := current[id]
		switch {
		case !exists:
			diffs = append(diffs, Transition{Type: Disappeared, JobID: id, Previous: prev.Status})
		case curr.Status != prev.Status:
			diffs = append(diffs, Transition{Type: Changed, JobID: id, Previous: prev.Status, Current: curr.Status})
		}
	}
	for id, curr := range current {
		if _, exists := t.previous[id]; !exists {
			diffs = append(diffs, Transition{Type: Appeared, JobID: id, Current: curr.Status})
		}
	}

	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].JobID != diffs[j].JobID {
			return diffs[i].JobID < diffs[j].JobID
		}
		return diffs[i].Type < diffs[j].Type
	})
	return diffs
}

// Update stores jobs as the baseline for the next comparison.
func (t *Tracker) Update(jobs []types.JobRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.previous = indexJobs(jobs)
	t.initialized = true
}

// Observe computes the diff and then makes jobs the new baseline
func (t *Tracker) Observe(jobs []types.JobRecord) []Transition {
	diffs := t.ComputeDiff(jobs)
	t.Update(jobs)
	return diffs
}

// indexJobs keys jobs by id; with duplicate ids the last entry wins
func indexJobs(jobs []types.JobRecord) map[string]types.JobRecord {
	m := make(map[string]types.JobRecord, len(jobs))
	for _, j := range jobs {
		m[j.ID] = j
	}
	return m
}
