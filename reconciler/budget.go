package reconciler

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// jobLedger holds the restart times of one job inside the window
type jobLedger struct {
	JobID    string
	Restarts []time.Time
}

// Budget caps how many restarts a job may receive within a sliding window.
// It lives in process memory only.
type Budget struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	ledger *btree.BTreeG[*jobLedger]
}

// NewBudget creates a budget allowing max restarts per job per window.
// A max of zero or less disables throttling.
func NewBudget(max int, window time.Duration) *Budget {
	return &Budget{
		max:    max,
		window: window,
		ledger: btree.NewG[*jobLedger](32, func(a, b *jobLedger) bool {
			return a.JobID < b.JobID
		}),
	}
}

// Enabled reports whether the budget ever suppresses a restart
func (b *Budget) Enabled() bool {
	return b != nil && b.max > 0
}

// Allow reports whether jobID may be restarted at now
func (b *Budget) Allow(jobID string, now time.Time) bool {
	if !b.Enabled() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.ledger.Get(&jobLedger{JobID: jobID})
	if !ok {
		return true
	}
	entry.Restarts = b.trim(entry.Restarts, now)
	return len(entry.Restarts) < b.max
}

// Record counts a restart issued for jobID at now
func (b *Budget) Record(jobID string, now time.Time) {
	if !b.Enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.ledger.Get(&jobLedger{JobID: jobID})
	if !ok {
		entry = &jobLedger{JobID: jobID}
		b.ledger.ReplaceOrInsert(entry)
	}
	entry.Restarts = append(b.trim(entry.Restarts, now), now)
}

// Remaining returns how many restarts jobID has left in the current window
func (b *Budget) Remaining(jobID string, now time.Time) int {
	if !b.Enabled() {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.ledger.Get(&jobLedger{JobID: jobID})
	if !ok {
		return b.max
	}
	entry.Restarts = b.trim(entry.Restarts, now)
	return max(b.max-len(entry.Restarts), 0)
}

// Prune drops jobs with no restarts left in the window and returns how many
func (b *Budget) Prune(now time.Time) int {
	if !b.Enabled() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var stale []*jobLedger
	b.ledger.Ascend(func(entry *jobLedger) bool {
		entry.Restarts = b.trim(entry.Restarts, now)
		if len(entry.Restarts) == 0 {
			stale = append(stale, entry)
		}
		return true
	})
	for _, entry := range stale {
		b.ledger.Delete(entry)
	}
	return len(stale)
}

// Len returns the number of tracked jobs
func (b *Budget) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledger.Len()
}

// trim drops restarts that fell out of the window. Caller holds mu.
func (b *Budget) trim(restarts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(restarts) && !restarts[i].After(cutoff) {
		i++
	}
	return restarts[i:]
}
