// internal/models/job.go
package models

import "time"

// JobStatus mirrors the remote worker's job state. Expired is synthetic: it is
// applied locally when a recovered job is older than the maximum job lifetime
// and is never reported by the worker itself.
type JobStatus string

const (
	JobStatusStarting   JobStatus = "STARTING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusSucceeded  JobStatus = "SUCCEEDED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCanceled   JobStatus = "CANCELED"
	JobStatusExpired    JobStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition can occur from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled, JobStatusExpired:
		return true
	}
	return false
}

// ParseJobStatus maps a worker-provided status string to a JobStatus.
// Unknown values are treated as PROCESSING so a worker rollout adding a new
// intermediate state does not fail jobs on the client.
func ParseJobStatus(s string) JobStatus {
	switch JobStatus(s) {
	case JobStatusStarting, JobStatusProcessing, JobStatusSucceeded,
		JobStatusFailed, JobStatusCanceled, JobStatusExpired:
		return JobStatus(s)
	}
	return JobStatusProcessing
}

// CanTransition is the single transition guard for the job state machine.
// Every status write in the engine goes through this check; illegal moves
// such as SUCCEEDED -> PROCESSING are rejected centrally instead of being
// guarded ad hoc at call sites.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case JobStatusStarting:
		return to == JobStatusProcessing || to.IsTerminal()
	case JobStatusProcessing:
		return to.IsTerminal()
	default:
		// Terminal states accept no transitions.
		return false
	}
}

// GenerationJob is one asynchronous generation request tracked from submission
// to terminal outcome. LocalRequestID exists so the record can be persisted
// durably before the remote start call returns; JobID is filled in once the
// worker assigns one.
type GenerationJob struct {
	JobID          string    `json:"jobId,omitempty"`
	LocalRequestID string    `json:"localRequestId"`
	UserID         string    `json:"userId"`
	InputRef       string    `json:"inputRef"`
	Prompt         string    `json:"prompt"`
	Status         JobStatus `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	CompletedAt    time.Time `json:"completedAt,omitempty"`
	ResultRef      string    `json:"resultRef,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
}

// Age returns how long ago the job was created.
func (j *GenerationJob) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}
