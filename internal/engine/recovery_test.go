// internal/engine/recovery_test.go
package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "generation-core/internal/common/errors"
	"generation-core/internal/models"
	"generation-core/internal/quota"
	"generation-core/internal/store"
	"generation-core/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// persistJob writes a record the way a previous process would have left it.
func (h *harness) persistJob(t *testing.T, job *models.GenerationJob) {
	t.Helper()
	require.NoError(t, h.records.Save(context.Background(), job))
}

// reserveUnit books one unit directly against the authority, standing in
// for the reservation the previous process made before it died.
func (h *harness) reserveUnit(t *testing.T) {
	t.Helper()
	now := time.Now().UTC()
	v, err := h.authority.CheckAndIncrement(context.Background(), quota.CheckRequest{
		UserID: "txn:txn-1", PlanType: models.PlanMonthly, Limit: 3,
		Now:                  now,
		NextReset:            now.AddDate(0, 1, 0),
		TransactionReference: "txn-1",
		Today:                now.Format("2006-01-02"),
	})
	require.NoError(t, err)
	require.True(t, v.Allowed)
}

func recoveredJob(clock *fakeClock, age time.Duration) *models.GenerationJob {
	return &models.GenerationJob{
		JobID:          "job-1",
		LocalRequestID: "local-1",
		UserID:         "txn:txn-1",
		InputRef:       "in.jpg",
		Prompt:         "p",
		Status:         models.JobStatusProcessing,
		CreatedAt:      clock.Now().Add(-age),
	}
}

func TestReconcile_NoRecord(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, RecoveryNothing, h.eng.Reconcile(context.Background()))
	assert.Equal(t, ViewIdle, h.eng.View().Status)
}

func TestReconcile_CorruptRecordDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, store.CurrentJobKey, `{{{not json`))
	h.eng.records = store.NewJobRecordStore(mem)

	assert.Equal(t, RecoveryDiscarded, h.eng.Reconcile(ctx))

	_, err := h.eng.records.Load(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcile_PreSubmissionDeathRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.reserveUnit(t)
	job := recoveredJob(h.clock, time.Minute)
	job.JobID = ""
	job.Status = models.JobStatusStarting
	h.persistJob(t, job)

	assert.Equal(t, RecoveryRolledBack, h.eng.Reconcile(ctx))
	assert.Equal(t, 0, h.usageCount(), "orphaned reservation must be refunded")

	_, status, _ := h.worker.counts()
	assert.Equal(t, 0, status, "nothing is running remotely, no poll needed")

	_, err := h.records.Load(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcile_ExpiredJobSkipsNetwork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.reserveUnit(t)
	h.persistJob(t, recoveredJob(h.clock, 60*time.Minute))

	assert.Equal(t, RecoveryExpired, h.eng.Reconcile(ctx))
	assert.Equal(t, 0, h.usageCount(), "expired job refunds its unit")

	_, status, _ := h.worker.counts()
	assert.Equal(t, 0, status, "expiry is decided locally")
}

func TestReconcile_ExpiryBoundary(t *testing.T) {
	t.Run("one second under the lifetime still checks the worker", func(t *testing.T) {
		h := newHarness(t)
		h.worker.statuses = []statusStep{
			{resp: &worker.StatusResponse{Status: "SUCCEEDED", ResultRef: "out.jpg"}},
		}
		h.persistJob(t, recoveredJob(h.clock, 59*time.Minute-time.Second))

		assert.Equal(t, RecoveryFinished, h.eng.Reconcile(context.Background()))
		_, status, _ := h.worker.counts()
		assert.Equal(t, 1, status)
	})

	t.Run("one second over the lifetime expires locally", func(t *testing.T) {
		h := newHarness(t)
		h.reserveUnit(t)
		h.persistJob(t, recoveredJob(h.clock, 59*time.Minute+time.Second))

		assert.Equal(t, RecoveryExpired, h.eng.Reconcile(context.Background()))
		_, status, _ := h.worker.counts()
		assert.Equal(t, 0, status)
	})
}

func TestReconcile_FinishedJobSurfacesResult(t *testing.T) {
	h := newHarness(t)
	h.worker.statuses = []statusStep{
		{resp: &worker.StatusResponse{Status: "SUCCEEDED", ResultRef: "out.jpg"}},
	}
	ctx := context.Background()

	h.reserveUnit(t)
	h.persistJob(t, recoveredJob(h.clock, 5*time.Minute))

	assert.Equal(t, RecoveryFinished, h.eng.Reconcile(ctx))

	v := h.eng.View()
	assert.Equal(t, ViewSucceeded, v.Status)
	assert.Equal(t, "out.jpg", v.ResultRef)
	assert.True(t, v.AwaitingAck)
	assert.Equal(t, 1, h.usageCount(), "completed work keeps its reservation")
}

func TestReconcile_FailedJobRollsBack(t *testing.T) {
	h := newHarness(t)
	h.worker.statuses = []statusStep{
		{resp: &worker.StatusResponse{Status: "FAILED", ErrorMessage: "gpu fire"}},
	}
	ctx := context.Background()

	h.reserveUnit(t)
	h.persistJob(t, recoveredJob(h.clock, 5*time.Minute))

	assert.Equal(t, RecoveryRolledBack, h.eng.Reconcile(ctx))
	assert.Equal(t, 0, h.usageCount())

	_, err := h.records.Load(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcile_LiveJobResumesPolling(t *testing.T) {
	h := newHarness(t)
	h.worker.statuses = []statusStep{
		{resp: &worker.StatusResponse{Status: "PROCESSING", Progress: 0.5}},
		{resp: &worker.StatusResponse{Status: "SUCCEEDED", ResultRef: "out.jpg"}},
	}
	ctx := context.Background()

	h.reserveUnit(t)
	h.persistJob(t, recoveredJob(h.clock, 2*time.Minute))

	assert.Equal(t, RecoveryResumed, h.eng.Reconcile(ctx))

	v := waitForView(t, h.eng, func(v JobView) bool { return v.Status == ViewSucceeded })
	assert.Equal(t, "out.jpg", v.ResultRef)
	assert.Equal(t, 1, h.usageCount())
}

func TestReconcile_UnreachableWorkerResumesOptimistically(t *testing.T) {
	h := newHarness(t)
	h.eng.cfg.RecoveryMaxRetries = 1
	h.worker.statuses = []statusStep{
		{err: apperrors.NewNetwork("status poll", errors.New("unreachable"))},
	}

	h.persistJob(t, recoveredJob(h.clock, 2*time.Minute))

	assert.Equal(t, RecoveryResumed, h.eng.Reconcile(context.Background()))
	assert.NotEqual(t, ViewIdle, h.eng.View().Status, "job is kept, not discarded")
}

func TestReconcile_TerminalRecordRestoredForAck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := recoveredJob(h.clock, 5*time.Minute)
	job.Status = models.JobStatusSucceeded
	job.ResultRef = "out.jpg"
	job.CompletedAt = h.clock.Now().Add(-4 * time.Minute)
	h.persistJob(t, job)

	assert.Equal(t, RecoveryFinished, h.eng.Reconcile(ctx))

	v := h.eng.View()
	assert.Equal(t, ViewSucceeded, v.Status)
	assert.True(t, v.AwaitingAck)

	_, status, _ := h.worker.counts()
	assert.Equal(t, 0, status, "billing already settled, no network call")
}

func TestReconcile_SecondRunFindsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.reserveUnit(t)
	job := recoveredJob(h.clock, time.Minute)
	job.JobID = ""
	h.persistJob(t, job)

	require.Equal(t, RecoveryRolledBack, h.eng.Reconcile(ctx))
	assert.Equal(t, RecoveryNothing, h.eng.Reconcile(ctx))
	assert.Equal(t, 0, h.usageCount(), "a second run must not refund twice")
}
