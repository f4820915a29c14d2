// internal/engine/recovery.go
package engine

import (
	"context"
	"errors"
	"time"

	apperrors "generation-core/internal/common/errors"
	"generation-core/internal/common/metrics"
	"generation-core/internal/common/retry"
	"generation-core/internal/models"
	"generation-core/internal/store"
	"generation-core/internal/worker"
)

// RecoveryOutcome labels what Reconcile did with the persisted record.
type RecoveryOutcome string

const (
	RecoveryNothing    RecoveryOutcome = "nothing"
	RecoveryDiscarded  RecoveryOutcome = "discarded"
	RecoveryExpired    RecoveryOutcome = "expired"
	RecoveryFinished   RecoveryOutcome = "finished"
	RecoveryResumed    RecoveryOutcome = "resumed"
	RecoveryRolledBack RecoveryOutcome = "rolled_back"
)

// Reconcile restores the engine after a process restart. It reads the
// persisted job record, settles it against the worker's authoritative state,
// and either surfaces the terminal result, resumes polling, or rolls the
// orphaned quota reservation back. Safe to call more than once; a second
// call finds no record and does nothing.
func (e *Engine) Reconcile(ctx context.Context) RecoveryOutcome {
	outcome := e.reconcile(ctx)
	metrics.RecoveryRuns.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (e *Engine) reconcile(ctx context.Context) RecoveryOutcome {
	job, err := e.records.Load(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RecoveryNothing
		}
		if errors.Is(err, store.ErrCorrupt) {
			// An unreadable record cannot be settled against anything.
			// The reservation, if one ever existed, is unattributable.
			e.logger.Error("discarding corrupt persisted job record", nil)
			_ = e.records.Delete(ctx)
			return RecoveryDiscarded
		}
		e.logger.Error("failed to load persisted job record", map[string]interface{}{
			"error": err.Error(),
		})
		return RecoveryNothing
	}

	now := e.nowFn()
	log := e.logger.WithFields(map[string]interface{}{
		"jobId":          job.JobID,
		"localRequestId": job.LocalRequestID,
	})

	// Terminal record: the previous process finished the job but the user
	// never acknowledged the result. Restore it for the UI; billing was
	// already settled before the record was written.
	if job.Status.IsTerminal() {
		e.mu.Lock()
		e.job = job
		e.userID = job.UserID
		e.awaitingAck = job.Status == models.JobStatusSucceeded
		e.mu.Unlock()
		if job.Status != models.JobStatusSucceeded {
			// Only a success is worth re-surfacing.
			_ = e.records.Delete(ctx)
			e.mu.Lock()
			e.job = nil
			e.mu.Unlock()
			return RecoveryDiscarded
		}
		log.Info("restored unacknowledged result", nil)
		return RecoveryFinished
	}

	// Older than the maximum job lifetime: expired locally, no network
	// call. The worker has long since discarded the job either way.
	if job.Age(now) > e.cfg.MaxJobLifetimeDuration() {
		log.Info("persisted job exceeded max lifetime, expiring", map[string]interface{}{
			"age": job.Age(now).String(),
		})
		e.adopt(job)
		expired := apperrors.NewExpired(job.Age(now))
		e.finalize(ctx, models.JobStatusExpired, "", expired.Message, job.UserID)
		e.clearSlot(ctx)
		return RecoveryExpired
	}

	// No job id means the process died between reserving quota and the
	// start call returning. Nothing is running remotely; the reservation
	// is the only thing to undo.
	if job.JobID == "" {
		log.Info("job record has no remote id, rolling reservation back", nil)
		e.ledger.Rollback(ctx, job.UserID)
		_ = e.records.Delete(ctx)
		return RecoveryRolledBack
	}

	// Live job: settle it against the worker before any polling resumes.
	e.adopt(job)
	outcome := e.settleLive(ctx, job)
	if outcome == RecoveryRolledBack {
		// Cold start: a recovered failure has nothing to show the user;
		// free the slot instead of surfacing a stale failure.
		e.clearSlot(ctx)
	}
	return outcome
}

// settleLive settles an adopted, still-live job against the worker's
// authoritative state: one bounded-retry status check happens before any
// poll is scheduled. A terminal answer finalizes immediately; anything
// else, including an unreachable worker, resumes the polling loop.
func (e *Engine) settleLive(ctx context.Context, job *models.GenerationJob) RecoveryOutcome {
	log := e.logger.WithFields(map[string]interface{}{"jobId": job.JobID})

	var resp *worker.StatusResponse
	policy := retry.Policy{
		MaxAttempts:  e.cfg.RecoveryMaxRetries,
		InitialDelay: 2 * time.Second,
		Factor:       2,
	}
	err := retry.Do(ctx, policy, e.logger, "authoritative status check", func(ctx context.Context) error {
		var sErr error
		resp, sErr = e.worker.Status(ctx, job.JobID)
		return sErr
	})
	if err != nil {
		// Unreachable worker is not evidence the job failed. Resume
		// optimistically; the normal poll loop settles it, and the
		// lifetime ceiling bounds how long that can take.
		log.Warn("worker unreachable, resuming optimistically", map[string]interface{}{
			"error": err.Error(),
		})
		e.resumePolling(job)
		return RecoveryResumed
	}

	status := models.ParseJobStatus(resp.Status)
	if status.IsTerminal() {
		switch status {
		case models.JobStatusSucceeded:
			e.finalize(ctx, status, resp.ResultRef, "", job.UserID)
			log.Info("settled finished job", map[string]interface{}{"status": string(status)})
			return RecoveryFinished
		default:
			e.finalize(ctx, status, "", resp.ErrorMessage, job.UserID)
			log.Info("settled failed job, reservation rolled back", map[string]interface{}{
				"status": string(status),
			})
			return RecoveryRolledBack
		}
	}

	log.Info("job still in flight, resuming polling", map[string]interface{}{
		"status": string(status),
	})
	e.mu.Lock()
	if models.CanTransition(job.Status, status) {
		job.Status = status
	}
	e.mu.Unlock()
	e.resumePolling(job)
	return RecoveryResumed
}

// adopt installs a recovered job as the current slot.
func (e *Engine) adopt(job *models.GenerationJob) {
	e.mu.Lock()
	e.job = job
	e.userID = job.UserID
	e.progress = 0
	e.awaitingAck = false
	e.mu.Unlock()
}

// clearSlot drops a job the UI has nothing to show for.
func (e *Engine) clearSlot(ctx context.Context) {
	e.mu.Lock()
	e.job = nil
	e.awaitingAck = false
	e.mu.Unlock()
	_ = e.records.Delete(ctx)
}

func (e *Engine) resumePolling(job *models.GenerationJob) {
	pollCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.pollCancel = cancel
	e.pollingActive = true
	e.mu.Unlock()

	go func() {
		defer cancel()
		e.runToTerminal(pollCtx, job.JobID, job.CreatedAt)
	}()
}
