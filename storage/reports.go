// Package storage keeps cycle report history in bbolt
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/cdcwatch/types"
)

// Bucket names in bbolt
var (
	bucketReports = []byte("reports")
	bucketIndex   = []byte("index")
	bucketJobs    = []byte("jobs")
	bucketMeta    = []byte("meta")

	keyRevision = []byte("current_revision")
)

// ErrNotFound is returned when a report or job has no history
var ErrNotFound = errors.New("not found")

// ReportStore is a revisioned history of cycle reports. Every saved
// report gets the next revision; an in-memory btree tracks restart
// history per job.
type ReportStore struct {
	mu sync.RWMutex

	jobs *btree.BTreeG[*JobState]
	db   *bbolt.DB

	currentRev int64
	path       string
}

// JobState is what the history says about one job's restarts
type JobState struct {
	JobID          string               `json:"job_id"`
	FirstFailedRev int64                `json:"first_failed_rev"`
	LastAttemptRev int64                `json:"last_attempt_rev"`
	LastAttemptAt  time.Time            `json:"last_attempt_at"`
	LastOutcome    types.RestartOutcome `json:"last_outcome"`
	Initiated      int                  `json:"initiated"`
	Failed         int                  `json:"failed"`
	Suppressed     int                  `json:"suppressed"`
}

// Attempts is the total number of recorded restart decisions
func (j *JobState) Attempts() int {
	return j.Initiated + j.Failed + j.Suppressed
}

// Entry pairs a stored report with its revision
type Entry struct {
	Revision int64
	Report   *types.CycleReport
}

// Open opens or creates the store at path
func Open(path string) (*ReportStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketReports, bucketIndex, bucketJobs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &ReportStore{
		jobs: btree.NewG[*JobState](32, func(a, b *JobState) bool {
			return a.JobID < b.JobID
		}),
		db:   db,
		path: path,
	}

	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file
func (s *ReportStore) Path() string {
	return s.path
}

// Close closes the store
func (s *ReportStore) Close() error {
	return s.db.Close()
}

// Save stores report under the next revision
func (s *ReportStore) Save(report *types.CycleReport) (int64, error) {
	if report == nil || report.ID == "" {
		return 0, fmt.Errorf("report needs an id")
	}

	value, err := json.Marshal(report)
	if err != nil {
		return 0, fmt.Errorf("encode report %s: %w", report.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	updated := s.jobUpdates(rev, report)

	err = s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		if index.Get([]byte(report.ID)) != nil {
			return fmt.Errorf("report %s already stored", report.ID)
		}
		if err := tx.Bucket(bucketReports).Put(revKey(rev), value); err != nil {
			return err
		}
		if err := index.Put([]byte(report.ID), revKey(rev)); err != nil {
			return err
		}
		jobs := tx.Bucket(bucketJobs)
		for _, state := range updated {
			data, err := json.Marshal(state)
			if err != nil {
				return err
			}
			if err := jobs.Put([]byte(state.JobID), data); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, revKey(rev))
	})
	if err != nil {
		return 0, err
	}

	s.currentRev = rev
	for _, state := range updated {
		s.jobs.ReplaceOrInsert(state)
	}
	return rev, nil
}

// Get returns the report with the given cycle id
func (s *ReportStore) Get(id string) (*types.CycleReport, error) {
	var report *types.CycleReport
	err := s.db.View(func(tx *bbolt.Tx) error {
		rev := tx.Bucket(bucketIndex).Get([]byte(id))
		if rev == nil {
			return fmt.Errorf("report %s: %w", id, ErrNotFound)
		}
		data := tx.Bucket(bucketReports).Get(rev)
		if data == nil {
			return fmt.Errorf("report %s: %w", id, ErrNotFound)
		}
		var err error
		report, err = decode(data)
		return err
	})
	return report, err
}

// List returns up to limit reports, newest first. A limit of 0 or less
// returns everything.
func (s *ReportStore) List(limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketReports).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			report, err := decode(v)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Revision: revFromKey(k), Report: report})
		}
		return nil
	})
	return entries, err
}

// Latest returns the most recent report
func (s *ReportStore) Latest() (*types.CycleReport, error) {
	entries, err := s.List(1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("latest report: %w", ErrNotFound)
	}
	return entries[0].Report, nil
}

// Job returns the restart history of one job
func (s *ReportStore) Job(jobID string) (*JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, found := s.jobs.Get(&JobState{JobID: jobID})
	if !found {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	cp := *state
	return &cp, nil
}

// Jobs returns the restart history of every job, ordered by id
func (s *ReportStore) Jobs() []JobState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobState, 0, s.jobs.Len())
	s.jobs.Ascend(func(state *JobState) bool {
		out = append(out, *state)
		return true
	})
	return out
}

// CurrentRevision returns the revision of the last saved report
func (s *ReportStore) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Compact keeps the newest keep reports and deletes the rest. It returns
// the number of reports removed. Job history is kept.
func (s *ReportStore) Compact(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.currentRev - int64(keep)
	if cutoff <= 0 {
		return 0, nil
	}

	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		reports := tx.Bucket(bucketReports)
		index := tx.Bucket(bucketIndex)

		var ids, keys [][]byte
		c := reports.Cursor()
		for k, v := c.First(); k != nil && revFromKey(k) <= cutoff; k, v = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
			var head struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(v, &head); err == nil && head.ID != "" {
				ids = append(ids, []byte(head.ID))
			}
		}

		for _, key := range keys {
			if err := reports.Delete(key); err != nil {
				return err
			}
		}
		for _, id := range ids {
			if err := index.Delete(id); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	return removed, err
}

// load restores the revision counter and the job index
func (s *ReportStore) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); data != nil {
			s.currentRev = revFromKey(data)
		}

		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var state JobState
			if err := json.Unmarshal(v, &state); err != nil {
				return fmt.Errorf("decode job %s: %w", k, err)
			}
			s.jobs.ReplaceOrInsert(&state)
			return nil
		})
	})
}

// jobUpdates returns copies of the job states touched by report,
// leaving the index unchanged until the write commits
func (s *ReportStore) jobUpdates(rev int64, report *types.CycleReport) []*JobState {
	res, ok := report.Result(types.StepRestartReconciler)
	if !ok {
		return nil
	}

	touched := make(map[string]*JobState)
	var order []*JobState
	for _, a := range attemptsOf(res) {
		state, seen := touched[a.JobID]
		if !seen {
			if existing, found := s.jobs.Get(&JobState{JobID: a.JobID}); found {
				cp := *existing
				state = &cp
			} else {
				state = &JobState{JobID: a.JobID, FirstFailedRev: rev}
			}
			touched[a.JobID] = state
			order = append(order, state)
		}
		state.LastAttemptRev = rev
		state.LastAttemptAt = report.StartedAt
		state.LastOutcome = a.Outcome
		switch a.Outcome {
		case types.OutcomeInitiated:
			state.Initiated++
		case types.OutcomeRestartFailed:
			state.Failed++
		case types.OutcomeSuppressed:
			state.Suppressed++
		}
	}
	return order
}

// attemptsOf reads restart attempts from a result's detail, which holds
// typed values for fresh reports and decoded JSON for stored ones
func attemptsOf(res types.ProbeResult) []types.RestartAttempt {
	raw, ok := res.Detail["attempts"]
	if !ok || raw == nil {
		return nil
	}
	if attempts, ok := raw.([]types.RestartAttempt); ok {
		return attempts
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var attempts []types.RestartAttempt
	if err := json.Unmarshal(data, &attempts); err != nil {
		return nil
	}
	return attempts
}

func decode(data []byte) (*types.CycleReport, error) {
	var report types.CycleReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}

// revKey encodes rev big-endian so cursor order is revision order
func revKey(rev int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(rev)) // #nosec G115 -- revisions are positive
	return b
}

func revFromKey(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b)) // #nosec G115 -- written by revKey
}
