// internal/quota/memory.go
package quota

import (
	"context"
	"sync"

	apperrors "generation-core/internal/common/errors"
	"generation-core/internal/models"
)

// MemoryAuthority implements the Authority contract in process memory with
// the same semantics as the Postgres implementation. A single mutex stands
// in for the row lock, so concurrent reservations still serialize and the
// last unit of quota has exactly one winner.
type MemoryAuthority struct {
	mu      sync.Mutex
	records map[string]*models.UsageRecord
}

func NewMemoryAuthority() *MemoryAuthority {
	return &MemoryAuthority{records: make(map[string]*models.UsageRecord)}
}

func (a *MemoryAuthority) CheckAndIncrement(_ context.Context, req CheckRequest) (Verdict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[req.UserID]
	if !ok {
		if req.Limit < 1 {
			return Verdict{Reason: apperrors.QuotaReasonCycleLimit}, nil
		}
		a.records[req.UserID] = &models.UsageRecord{
			UserID:               req.UserID,
			Count:                1,
			PlanType:             req.PlanType,
			Limit:                req.Limit,
			BillingCycleStart:    req.CycleStart,
			NextResetDate:        req.NextReset,
			LastUsageDate:        req.Today,
			TransactionReference: req.TransactionReference,
		}
		return Verdict{Allowed: true}, nil
	}

	// A new transaction reference marks a renewal or resubscription, and a
	// stored record without one predates reference tracking; both reset the
	// cycle. An anonymous reservation (no incoming reference) never does, or
	// accounts without a receipt would reset on every call.
	if (req.TransactionReference != "" && rec.TransactionReference != req.TransactionReference) ||
		!req.Now.Before(rec.NextResetDate) {
		rec.Count = 0
		rec.LastUsageDate = ""
	}

	if rec.Count >= req.Limit {
		return Verdict{Reason: apperrors.QuotaReasonCycleLimit}, nil
	}
	if req.DailyLimit && rec.LastUsageDate == req.Today {
		return Verdict{Reason: apperrors.QuotaReasonDailyLimit}, nil
	}

	rec.Count++
	rec.PlanType = req.PlanType
	rec.Limit = req.Limit
	rec.BillingCycleStart = req.CycleStart
	rec.NextResetDate = req.NextReset
	rec.LastUsageDate = req.Today
	rec.TransactionReference = req.TransactionReference
	return Verdict{Allowed: true}, nil
}

func (a *MemoryAuthority) Rollback(_ context.Context, userID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[userID]
	if !ok || rec.Count == 0 {
		return false, nil
	}
	rec.Count--
	return true, nil
}

// Record returns a copy of the stored record, for tests and the usage view.
func (a *MemoryAuthority) Record(userID string) (models.UsageRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[userID]
	if !ok {
		return models.UsageRecord{}, false
	}
	return *rec, true
}

var _ Authority = (*MemoryAuthority)(nil)
