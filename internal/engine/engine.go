// Package engine owns the generation-job lifecycle: it turns a user intent
// into a terminal GenerationJob without duplicate submissions, with bounded
// wall-clock time, and with every quota reservation paired to a rollback
// when the job produces nothing usable. The engine is the single writer of
// the current-job slot; the UI reads value snapshots through View.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"generation-core/internal/common/config"
	apperrors "generation-core/internal/common/errors"
	"generation-core/internal/common/logger"
	"generation-core/internal/common/metrics"
	"generation-core/internal/common/observability"
	"generation-core/internal/entitlement"
	"generation-core/internal/models"
	"generation-core/internal/quota"
	"generation-core/internal/store"
	"generation-core/internal/worker"

	"github.com/google/uuid"
)

// WorkerClient is the remote generation worker surface the engine needs.
type WorkerClient interface {
	Start(ctx context.Context, req *worker.StartRequest) (*worker.StartResponse, error)
	Status(ctx context.Context, jobID string) (*worker.StatusResponse, error)
	Cancel(ctx context.Context, jobID string) (*worker.CancelResponse, error)
}

// QuotaLedger reserves and releases usage units.
type QuotaLedger interface {
	CheckAndReserve(ctx context.Context, userID string, plan models.Plan) (quota.Verdict, error)
	Rollback(ctx context.Context, userID string) bool
}

// EntitlementChecker gates every submission.
type EntitlementChecker interface {
	ValidateForGeneration(ctx context.Context) (entitlement.Decision, error)
}

// IdentityResolver maps the entitlement status to the ledger user id.
type IdentityResolver interface {
	ResolveUserID(ctx context.Context, status *models.EntitlementStatus) (string, error)
}

// ProgressFunc receives phase updates while a job is in flight.
type ProgressFunc func(phase string, elapsed time.Duration, progress float64)

// Engine drives a single generation job at a time.
type Engine struct {
	cfg      config.EngineConfig
	quotaCfg config.QuotaConfig
	worker   WorkerClient
	records  *store.JobRecordStore
	ledger   QuotaLedger
	ent      EntitlementChecker
	identity IdentityResolver
	logger   logger.Logger
	obs      *observability.Observability

	nowFn  func() time.Time
	waitFn func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	job           *models.GenerationJob
	userID        string
	progress      float64
	awaitingAck   bool
	pollCancel    context.CancelFunc
	backgroundAt  time.Time
	pollingActive bool
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Config        config.EngineConfig
	Quota         config.QuotaConfig
	Worker        WorkerClient
	Records       *store.JobRecordStore
	Ledger        QuotaLedger
	Entitlements  EntitlementChecker
	Identity      IdentityResolver
	Logger        logger.Logger
	Observability *observability.Observability
}

func New(deps Deps) *Engine {
	return &Engine{
		cfg:      deps.Config,
		quotaCfg: deps.Quota,
		worker:   deps.Worker,
		records:  deps.Records,
		ledger:   deps.Ledger,
		ent:      deps.Entitlements,
		identity: deps.Identity,
		logger:   deps.Logger.WithFields(map[string]interface{}{"component": "engine"}),
		obs:      deps.Observability,
		nowFn:    time.Now,
		waitFn:   defaultWait,
	}
}

func defaultWait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ==========================
// Commands
// ==========================

// RequestGeneration runs the full gate-reserve-submit sequence and, on
// success, polls in the background until the job is terminal. Errors from
// the synchronous part (duplicate, entitlement, quota, submission) are
// returned directly; the terminal outcome lands in the view.
func (e *Engine) RequestGeneration(ctx context.Context, inputRef, prompt string) error {
	jobID, startedAt, err := e.Submit(ctx, inputRef, prompt)
	if err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.pollCancel = cancel
	e.pollingActive = true
	e.mu.Unlock()

	go func() {
		defer cancel()
		e.runToTerminal(pollCtx, jobID, startedAt)
	}()
	return nil
}

// Submit gates the request, reserves quota, persists the job record before
// the network call, and starts the remote job. Returns the worker-assigned
// job id and the job creation time.
func (e *Engine) Submit(ctx context.Context, inputRef, prompt string) (string, time.Time, error) {
	e.mu.Lock()
	if e.job != nil && (!e.job.Status.IsTerminal() || e.awaitingAck) {
		status := e.job.Status
		e.mu.Unlock()
		return "", time.Time{}, apperrors.NewDuplicateInFlight(string(status))
	}
	e.mu.Unlock()

	decision, err := e.ent.ValidateForGeneration(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	if decision.SecurityViolation {
		return "", time.Time{}, apperrors.NewSecurityViolation(decision.Reason)
	}
	if !decision.CanGenerate {
		return "", time.Time{}, apperrors.NewQuotaExhausted(apperrors.QuotaReasonNoEntitlement, decision.Reason)
	}

	userID, err := e.identity.ResolveUserID(ctx, decision.Status)
	if err != nil {
		return "", time.Time{}, apperrors.NewInternal("identity resolution", err)
	}

	verdict, err := e.ledger.CheckAndReserve(ctx, userID, e.planFor(decision.Status))
	if err != nil {
		return "", time.Time{}, err
	}
	if !verdict.Allowed {
		reason := verdict.Reason
		if reason == "" {
			reason = apperrors.QuotaReasonCycleLimit
		}
		return "", time.Time{}, apperrors.NewQuotaExhausted(reason, "quota authority denied reservation")
	}

	// From here on every failure pairs with a rollback.
	now := e.nowFn()
	job := &models.GenerationJob{
		LocalRequestID: uuid.NewString(),
		UserID:         userID,
		InputRef:       inputRef,
		Prompt:         prompt,
		Status:         models.JobStatusStarting,
		CreatedAt:      now,
	}

	e.mu.Lock()
	e.job = job
	e.userID = userID
	e.progress = 0
	e.awaitingAck = false
	e.mu.Unlock()

	// Persist before the start call: a crash mid-submission must be
	// recoverable as "started, unknown outcome", not lost.
	if err := e.records.Save(ctx, job); err != nil {
		e.logger.Warn("failed to persist job record before submission", map[string]interface{}{
			"localRequestId": job.LocalRequestID,
			"error":          err.Error(),
		})
	}

	resp, err := e.worker.Start(ctx, &worker.StartRequest{InputRef: inputRef, Prompt: prompt})
	if err != nil {
		e.ledger.Rollback(ctx, userID)
		_ = e.records.Delete(ctx)
		e.mu.Lock()
		e.job = nil
		e.mu.Unlock()
		return "", time.Time{}, err
	}

	metrics.JobsSubmitted.Inc()

	e.mu.Lock()
	job.JobID = resp.JobID
	if models.CanTransition(job.Status, models.ParseJobStatus(resp.Status)) {
		job.Status = models.ParseJobStatus(resp.Status)
	}
	e.mu.Unlock()

	if err := e.records.Save(ctx, job); err != nil {
		e.logger.Warn("failed to persist job id", map[string]interface{}{
			"jobId": resp.JobID,
			"error": err.Error(),
		})
	}

	e.logger.Info("generation submitted", map[string]interface{}{
		"jobId":      resp.JobID,
		"etaSeconds": resp.ETASeconds,
	})
	return resp.JobID, now, nil
}

// CancelCurrentGeneration cooperatively stops the in-flight job: no further
// polls are scheduled, the remote cancel is best-effort, and local cleanup
// never waits on it.
func (e *Engine) CancelCurrentGeneration(ctx context.Context) {
	e.mu.Lock()
	job := e.job
	cancel := e.pollCancel
	userID := e.userID
	e.mu.Unlock()

	if job == nil || job.Status.IsTerminal() {
		return
	}
	if cancel != nil {
		cancel()
	}

	if job.JobID != "" {
		if _, err := e.worker.Cancel(ctx, job.JobID); err != nil {
			e.logger.Warn("remote cancel failed, proceeding with local cleanup", map[string]interface{}{
				"jobId": job.JobID,
				"error": err.Error(),
			})
		}
	}

	e.finalize(ctx, models.JobStatusCanceled, "", "canceled by user", userID)
}

// AcknowledgeResult marks a completed job as consumed, freeing the slot for
// the next submission and clearing the persisted record.
func (e *Engine) AcknowledgeResult(ctx context.Context) {
	e.mu.Lock()
	if e.job == nil || !e.job.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	e.job = nil
	e.awaitingAck = false
	e.progress = 0
	e.mu.Unlock()

	_ = e.records.Delete(ctx)
}

// View returns a read-only snapshot of the current job.
func (e *Engine) View() JobView {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job == nil {
		return JobView{Status: ViewIdle}
	}

	elapsed := e.nowFn().Sub(e.job.CreatedAt)
	v := JobView{
		Status:         viewStatus(e.job.Status),
		JobID:          e.job.JobID,
		Progress:       e.progress,
		ElapsedSeconds: int(elapsed.Seconds()),
		ResultRef:      e.job.ResultRef,
		ErrorMessage:   e.job.ErrorMessage,
		AwaitingAck:    e.awaitingAck,
	}
	if !e.job.Status.IsTerminal() {
		v.Phase = phaseFor(elapsed)
	}
	return v
}

// ==========================
// Polling
// ==========================

// PollUntilTerminal polls the worker on the adaptive schedule until the job
// is terminal or the hard wall-clock ceiling is hit. startedAt seeds the
// elapsed-time accounting so a resumed job keeps its original ceiling.
func (e *Engine) PollUntilTerminal(ctx context.Context, jobID string, startedAt time.Time, onProgress ProgressFunc) (string, error) {
	ceiling := e.cfg.PollCeilingDuration()

	// First check after a fixed delay: a job that takes a minute cannot
	// be done in the first seconds, so an immediate poll is wasted.
	firstDelay := e.cfg.InitialPollDelayDuration()
	if already := e.nowFn().Sub(startedAt); already > firstDelay {
		firstDelay = e.pollInterval(already)
	}
	if err := e.waitFn(ctx, firstDelay); err != nil {
		return "", apperrors.NewJobFailed("canceled")
	}

	for {
		elapsed := e.nowFn().Sub(startedAt)
		if elapsed >= ceiling {
			return "", apperrors.NewTimedOut(elapsed)
		}

		metrics.PollsTotal.Inc()
		resp, err := e.worker.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return "", apperrors.NewJobFailed("canceled")
			}
			// A single network hiccup must not fail the whole job;
			// stay on the schedule and try again.
			metrics.PollErrors.Inc()
			e.logger.Warn("status poll failed, will retry", map[string]interface{}{
				"jobId": jobID,
				"error": errString(err),
			})
		} else {
			switch models.ParseJobStatus(resp.Status) {
			case models.JobStatusSucceeded:
				return resp.ResultRef, nil
			case models.JobStatusFailed:
				return "", apperrors.NewJobFailed(resp.ErrorMessage)
			case models.JobStatusCanceled:
				return "", apperrors.NewJobFailed("canceled: " + resp.ErrorMessage)
			default:
				e.noteProgress(resp.Progress)
				if onProgress != nil {
					onProgress(phaseFor(elapsed), elapsed, resp.Progress)
				}
			}
		}

		if err := e.waitFn(ctx, e.pollInterval(e.nowFn().Sub(startedAt))); err != nil {
			return "", apperrors.NewJobFailed("canceled")
		}
	}
}

// pollInterval grows from the short early interval to the steady-state one
// as the job ages: early polls catch fast jobs, later polls stop burning
// requests on a job known to take over a minute.
func (e *Engine) pollInterval(elapsed time.Duration) time.Duration {
	minIv := e.cfg.MinPollIntervalDuration()
	maxIv := e.cfg.MaxPollIntervalDuration()
	switch {
	case elapsed < 30*time.Second:
		return minIv
	case elapsed < 60*time.Second:
		return (minIv + maxIv) / 2
	default:
		return maxIv
	}
}

// runToTerminal drives a submitted job to its terminal state and finalizes.
func (e *Engine) runToTerminal(ctx context.Context, jobID string, startedAt time.Time) {
	e.mu.Lock()
	userID := e.userID
	e.mu.Unlock()

	resultRef, err := e.PollUntilTerminal(ctx, jobID, startedAt, nil)

	e.mu.Lock()
	e.pollingActive = false
	e.mu.Unlock()

	if ctx.Err() != nil {
		// Canceled: CancelCurrentGeneration already finalized.
		return
	}

	if err != nil {
		e.finalize(ctx, models.JobStatusFailed, "", userMessage(err), userID)
		return
	}

	e.finalize(ctx, models.JobStatusSucceeded, resultRef, "", userID)
}

// ==========================
// Finalization
// ==========================

// finalize applies the terminal outcome exactly once. Success keeps the
// persisted record until the result is acknowledged; every failure outcome
// rolls the reservation back and frees the slot for retry.
func (e *Engine) finalize(ctx context.Context, status models.JobStatus, resultRef, errorMessage, userID string) {
	e.mu.Lock()
	job := e.job
	if job == nil || job.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	if !models.CanTransition(job.Status, status) {
		e.mu.Unlock()
		e.logger.Error("illegal job transition suppressed", map[string]interface{}{
			"from": string(job.Status),
			"to":   string(status),
		})
		return
	}
	now := e.nowFn()
	job.Status = status
	job.CompletedAt = now
	job.ResultRef = resultRef
	job.ErrorMessage = errorMessage
	e.awaitingAck = status == models.JobStatusSucceeded
	if status == models.JobStatusSucceeded {
		e.progress = 1
	}
	duration := now.Sub(job.CreatedAt)
	e.mu.Unlock()

	metrics.JobsTerminal.WithLabelValues(string(status)).Inc()
	metrics.JobDuration.Observe(duration.Seconds())
	if e.obs != nil {
		e.obs.RecordJobProcessed(ctx, string(status))
		e.obs.RecordJobDuration(ctx, duration, string(status))
	}

	if status == models.JobStatusSucceeded {
		// Record stays until the UI consumes the result; a crash now
		// must not lose a result the user never saw.
		if err := e.records.Save(ctx, job); err != nil {
			e.logger.Warn("failed to persist terminal job", map[string]interface{}{"error": err.Error()})
		}
		e.logger.Info("generation succeeded", map[string]interface{}{
			"jobId":    job.JobID,
			"duration": duration.String(),
		})
		return
	}

	_ = e.records.Delete(ctx)
	if userID != "" {
		e.ledger.Rollback(ctx, userID)
	}
	e.logger.Info("generation did not produce a result", map[string]interface{}{
		"jobId":  job.JobID,
		"status": string(status),
		"error":  errorMessage,
	})
}

// ==========================
// Background transitions
// ==========================

// EnterBackground pauses polling while the app is not visible. The job
// record is already persisted; elapsed time keeps counting from CreatedAt,
// so accounting stays correct across the gap.
func (e *Engine) EnterBackground() {
	e.mu.Lock()
	cancel := e.pollCancel
	e.pollCancel = nil
	e.pollingActive = false
	e.backgroundAt = e.nowFn()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		e.logger.Info("polling paused for background", nil)
	}
}

// EnterForeground settles a still-live job against the worker and resumes
// polling. The authoritative status check runs before any poll is scheduled:
// a job that finished while the app was backgrounded surfaces its result
// even when the elapsed time is already past the poll ceiling. A job aged
// past its lifetime expires here without a network call.
func (e *Engine) EnterForeground(ctx context.Context) {
	e.mu.Lock()
	job := e.job
	active := e.pollingActive
	userID := e.userID
	e.mu.Unlock()

	if job == nil || job.Status.IsTerminal() || active {
		return
	}

	if job.Age(e.nowFn()) > e.cfg.MaxJobLifetimeDuration() {
		expired := apperrors.NewExpired(job.Age(e.nowFn()))
		e.finalize(ctx, models.JobStatusExpired, "", expired.Message, userID)
		return
	}

	outcome := e.settleLive(ctx, job)
	e.logger.Info("foreground transition settled", map[string]interface{}{
		"jobId":   job.JobID,
		"outcome": string(outcome),
	})
}

// ==========================
// Helpers
// ==========================

func (e *Engine) noteProgress(p float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p > e.progress {
		e.progress = p
	}
	if e.job != nil && e.job.Status == models.JobStatusStarting &&
		models.CanTransition(e.job.Status, models.JobStatusProcessing) {
		e.job.Status = models.JobStatusProcessing
	}
}

// planFor derives the quota plan from the entitlement product.
func (e *Engine) planFor(status *models.EntitlementStatus) models.Plan {
	plan := models.Plan{
		Type:  models.PlanMonthly,
		Limit: e.quotaCfg.MonthlyLimit,
	}
	if status != nil {
		plan.TransactionReference = status.TransactionReference
		plan.OriginalPurchaseDate = status.OriginalPurchaseDate
		if strings.Contains(strings.ToLower(status.ProductID), "weekly") {
			plan.Type = models.PlanWeekly
			plan.Limit = e.quotaCfg.WeeklyLimit
			plan.DailyLimit = e.quotaCfg.WeeklyDailyLimit
		}
	}
	if plan.OriginalPurchaseDate.IsZero() {
		plan.OriginalPurchaseDate = e.nowFn().UTC()
	}
	return plan
}

func userMessage(err error) string {
	var e *apperrors.Error
	if errors.As(err, &e) {
		if e.Details != "" && e.Kind == apperrors.KindJobFailed {
			return e.Details
		}
		return e.Message
	}
	return err.Error()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
