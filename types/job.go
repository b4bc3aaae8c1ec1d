package types

import "strings"

// JobStatus is the normalized state of a streaming job
type JobStatus string

const (
	JobRunning    JobStatus = "running"
	JobFinished   JobStatus = "finished"
	JobFailed     JobStatus = "failed"
	JobRestarting JobStatus = "restarting"
	JobUnknown    JobStatus = "unknown"
)

// JobRecord is one job entry as reported by the cluster in a single cycle
type JobRecord struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
	// Raw is the status string exactly as the cluster reported it
	Raw string `json:"raw_status,omitempty"`
}

// ParseJobStatus maps a cluster status string onto a JobStatus.
// Anything unrecognised becomes JobUnknown so one odd entry
// cannot abort a cycle.
func ParseJobStatus(raw string) JobStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "RUNNING":
		return JobRunning
	case "FINISHED":
		return JobFinished
	case "FAILED":
		return JobFailed
	case "RESTARTING":
		return JobRestarting
	default:
		return JobUnknown
	}
}

// NeedsRestart reports whether the reconciler should act on the job
func (j JobRecord) NeedsRestart() bool {
	return j.Status == JobFailed
}

// FailedJobIDs returns ids of failed jobs, in listing order, without duplicates
func FailedJobIDs(jobs []JobRecord) []string {
	seen := make(map[string]bool, len(jobs))
	var ids []string
	for _, j := range jobs {
		if !j.NeedsRestart() || seen[j.ID] {
			continue
		}
		seen[j.ID] = true
		ids = append(ids, j.ID)
	}
	return ids
}

// CountByStatus tallies jobs per status
func CountByStatus(jobs []JobRecord) map[JobStatus]int {
	counts := make(map[JobStatus]int)
	for _, j := range jobs {
		counts[j.Status]++
	}
	return counts
}
