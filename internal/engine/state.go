// internal/engine/state.go
package engine

import (
	"time"

	"generation-core/internal/models"
)

// ViewStatus is the job slot state as the UI sees it. It is the job status
// plus an explicit Idle for "no job".
type ViewStatus string

const (
	ViewIdle       ViewStatus = "IDLE"
	ViewStarting   ViewStatus = "STARTING"
	ViewProcessing ViewStatus = "PROCESSING"
	ViewSucceeded  ViewStatus = "SUCCEEDED"
	ViewFailed     ViewStatus = "FAILED"
	ViewCanceled   ViewStatus = "CANCELED"
	ViewExpired    ViewStatus = "EXPIRED"
)

// JobView is a read-only snapshot of the current job for the UI layer.
// Readers always get a copy; the engine is the single writer.
type JobView struct {
	Status         ViewStatus `json:"status"`
	JobID          string     `json:"jobId,omitempty"`
	Progress       float64    `json:"progress"`
	ElapsedSeconds int        `json:"elapsedSeconds"`
	Phase          string     `json:"phase,omitempty"`
	ResultRef      string     `json:"resultRef,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	AwaitingAck    bool       `json:"awaitingAck"`
}

func viewStatus(s models.JobStatus) ViewStatus {
	switch s {
	case models.JobStatusStarting:
		return ViewStarting
	case models.JobStatusProcessing:
		return ViewProcessing
	case models.JobStatusSucceeded:
		return ViewSucceeded
	case models.JobStatusFailed:
		return ViewFailed
	case models.JobStatusCanceled:
		return ViewCanceled
	case models.JobStatusExpired:
		return ViewExpired
	}
	return ViewIdle
}

// phaseFor maps elapsed time to the human-readable label shown while a job
// is in flight. Generations run one to three minutes; the label only needs
// to feel truthful, not precise.
func phaseFor(elapsed time.Duration) string {
	switch {
	case elapsed < 15*time.Second:
		return "warming up"
	case elapsed < 75*time.Second:
		return "generating"
	default:
		return "finishing touches"
	}
}
