// internal/quota/ledger.go
package quota

import (
	"context"
	"time"

	apperrors "generation-core/internal/common/errors"
	"generation-core/internal/common/logger"
	"generation-core/internal/common/metrics"
	"generation-core/internal/models"
)

// CheckRequest is the input to the remote atomic check-and-increment.
type CheckRequest struct {
	UserID               string
	PlanType             models.PlanType
	Limit                int
	DailyLimit           bool
	Now                  time.Time
	CycleStart           time.Time
	NextReset            time.Time
	TransactionReference string
	Today                string // YYYY-MM-DD in the ledger's reference zone
}

// Verdict is the outcome of a reservation attempt. The wire contract is a
// boolean accept/reject; the reason annotates a denial so the UI can say
// which limit was hit.
type Verdict struct {
	Allowed bool
	Reason  apperrors.QuotaReason
}

// Authority is the remote transactional quota store. CheckAndIncrement must
// be atomic: load-or-create, cycle reset, limit check and increment happen
// in one transaction. Two devices racing for the last unit must not both
// get an allowed verdict.
type Authority interface {
	CheckAndIncrement(ctx context.Context, req CheckRequest) (Verdict, error)
	Rollback(ctx context.Context, userID string) (bool, error)
}

// Ledger is the client-side face of the quota authority.
type Ledger struct {
	authority Authority
	queue     *RollbackQueue
	logger    logger.Logger
	nowFn     func() time.Time
}

func NewLedger(authority Authority, queue *RollbackQueue, log logger.Logger) *Ledger {
	return &Ledger{
		authority: authority,
		queue:     queue,
		logger:    log.WithFields(map[string]interface{}{"component": "quota-ledger"}),
		nowFn:     time.Now,
	}
}

// CheckAndReserve atomically reserves one unit of usage for the current
// billing cycle. A denied verdict means the caller surfaces a
// QuotaExhausted error. Local state is never consulted for the
// accept/reject decision.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID string, plan models.Plan) (Verdict, error) {
	now := l.nowFn().UTC()
	start, next := CycleBounds(plan, now)

	verdict, err := l.authority.CheckAndIncrement(ctx, CheckRequest{
		UserID:               userID,
		PlanType:             plan.Type,
		Limit:                plan.Limit,
		DailyLimit:           plan.DailyLimit,
		Now:                  now,
		CycleStart:           start,
		NextReset:            next,
		TransactionReference: plan.TransactionReference,
		Today:                now.Format("2006-01-02"),
	})
	if err != nil {
		return Verdict{}, apperrors.NewNetwork("quota reservation", err)
	}

	if verdict.Allowed {
		l.logger.Info("quota unit reserved", map[string]interface{}{
			"userId":     userID,
			"planType":   string(plan.Type),
			"cycleStart": start.Format(time.RFC3339),
		})
	} else {
		metrics.QuotaDenied.WithLabelValues(string(verdict.Reason)).Inc()
		l.logger.Info("quota reservation denied", map[string]interface{}{
			"userId":   userID,
			"planType": string(plan.Type),
			"reason":   string(verdict.Reason),
		})
	}
	return verdict, nil
}

// Rollback reverses exactly one reservation. Safe to call without a
// matching reservation (the authority no-ops at zero). A rollback that
// fails with a transport error is handed to the retry queue instead of
// being dropped: an un-rolled-back reservation charges the user for a
// generation they never received.
func (l *Ledger) Rollback(ctx context.Context, userID string) bool {
	ok, err := l.authority.Rollback(ctx, userID)
	if err != nil {
		l.logger.Warn("rollback failed, queueing for retry", map[string]interface{}{
			"userId": userID,
			"error":  err.Error(),
		})
		if l.queue != nil {
			l.queue.Enqueue(userID)
		}
		return false
	}

	if ok {
		metrics.QuotaRollbacks.Inc()
		l.logger.Info("quota unit rolled back", map[string]interface{}{"userId": userID})
	}
	return ok
}
