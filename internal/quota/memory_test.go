// internal/quota/memory_test.go
package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "generation-core/internal/common/errors"
	"generation-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func monthlyRequest(userID string, limit int, now time.Time) CheckRequest {
	return CheckRequest{
		UserID:               userID,
		PlanType:             models.PlanMonthly,
		Limit:                limit,
		Now:                  now,
		CycleStart:           now.AddDate(0, 0, -5),
		NextReset:            now.AddDate(0, 1, -5),
		TransactionReference: "txn-1",
		Today:                now.Format("2006-01-02"),
	}
}

func TestMemoryAuthority_CheckAndIncrement(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	t.Run("first usage creates record with count one", func(t *testing.T) {
		a := NewMemoryAuthority()
		v, err := a.CheckAndIncrement(ctx, monthlyRequest("u1", 3, now))
		require.NoError(t, err)
		assert.True(t, v.Allowed)

		rec, ok := a.Record("u1")
		require.True(t, ok)
		assert.Equal(t, 1, rec.Count)
		assert.Equal(t, "txn-1", rec.TransactionReference)
	})

	t.Run("denies at the limit", func(t *testing.T) {
		a := NewMemoryAuthority()
		for i := 0; i < 3; i++ {
			v, err := a.CheckAndIncrement(ctx, monthlyRequest("u1", 3, now))
			require.NoError(t, err)
			require.True(t, v.Allowed)
		}

		v, err := a.CheckAndIncrement(ctx, monthlyRequest("u1", 3, now))
		require.NoError(t, err)
		assert.False(t, v.Allowed)
		assert.Equal(t, apperrors.QuotaReasonCycleLimit, v.Reason)
	})

	t.Run("zero limit denies even the first usage", func(t *testing.T) {
		a := NewMemoryAuthority()
		v, err := a.CheckAndIncrement(ctx, monthlyRequest("u1", 0, now))
		require.NoError(t, err)
		assert.False(t, v.Allowed)
	})

	t.Run("daily limit allows one per calendar day", func(t *testing.T) {
		a := NewMemoryAuthority()
		req := monthlyRequest("u1", 7, now)
		req.PlanType = models.PlanWeekly
		req.DailyLimit = true

		v, err := a.CheckAndIncrement(ctx, req)
		require.NoError(t, err)
		require.True(t, v.Allowed)

		v, err = a.CheckAndIncrement(ctx, req)
		require.NoError(t, err)
		assert.False(t, v.Allowed)
		assert.Equal(t, apperrors.QuotaReasonDailyLimit, v.Reason)

		// Next calendar day frees a unit again.
		tomorrow := req
		tomorrow.Now = now.AddDate(0, 0, 1)
		tomorrow.Today = tomorrow.Now.Format("2006-01-02")
		v, err = a.CheckAndIncrement(ctx, tomorrow)
		require.NoError(t, err)
		assert.True(t, v.Allowed)
	})

	t.Run("cycle rollover resets the counter", func(t *testing.T) {
		a := NewMemoryAuthority()
		req := monthlyRequest("u1", 1, now)

		v, err := a.CheckAndIncrement(ctx, req)
		require.NoError(t, err)
		require.True(t, v.Allowed)

		v, err = a.CheckAndIncrement(ctx, req)
		require.NoError(t, err)
		require.False(t, v.Allowed)

		// Same transaction but past the stored reset date.
		later := req
		later.Now = req.NextReset.Add(time.Hour)
		later.CycleStart = req.NextReset
		later.NextReset = req.NextReset.AddDate(0, 1, 0)
		v, err = a.CheckAndIncrement(ctx, later)
		require.NoError(t, err)
		assert.True(t, v.Allowed)
	})

	t.Run("transaction change resets the counter", func(t *testing.T) {
		a := NewMemoryAuthority()
		req := monthlyRequest("u1", 1, now)

		v, err := a.CheckAndIncrement(ctx, req)
		require.NoError(t, err)
		require.True(t, v.Allowed)

		renewed := req
		renewed.TransactionReference = "txn-2"
		v, err = a.CheckAndIncrement(ctx, renewed)
		require.NoError(t, err)
		assert.True(t, v.Allowed)
	})

	t.Run("anonymous account keeps its count across calls", func(t *testing.T) {
		a := NewMemoryAuthority()
		req := monthlyRequest("anon:device-1", 1, now)
		req.TransactionReference = ""

		v, err := a.CheckAndIncrement(ctx, req)
		require.NoError(t, err)
		require.True(t, v.Allowed)

		v, err = a.CheckAndIncrement(ctx, req)
		require.NoError(t, err)
		assert.False(t, v.Allowed, "limit 1 already consumed")
		assert.Equal(t, apperrors.QuotaReasonCycleLimit, v.Reason)

		rec, _ := a.Record("anon:device-1")
		assert.Equal(t, 1, rec.Count)
	})

	t.Run("anonymous account keeps its daily limit", func(t *testing.T) {
		a := NewMemoryAuthority()
		req := monthlyRequest("anon:device-1", 7, now)
		req.PlanType = models.PlanWeekly
		req.DailyLimit = true
		req.TransactionReference = ""

		v, err := a.CheckAndIncrement(ctx, req)
		require.NoError(t, err)
		require.True(t, v.Allowed)

		v, err = a.CheckAndIncrement(ctx, req)
		require.NoError(t, err)
		assert.False(t, v.Allowed)
		assert.Equal(t, apperrors.QuotaReasonDailyLimit, v.Reason)
	})

	t.Run("reference appearing on a legacy record resets the counter", func(t *testing.T) {
		a := NewMemoryAuthority()
		legacy := monthlyRequest("u1", 1, now)
		legacy.TransactionReference = ""

		v, err := a.CheckAndIncrement(ctx, legacy)
		require.NoError(t, err)
		require.True(t, v.Allowed)

		tracked := monthlyRequest("u1", 1, now)
		v, err = a.CheckAndIncrement(ctx, tracked)
		require.NoError(t, err)
		assert.True(t, v.Allowed, "record predating reference tracking starts a fresh cycle")

		rec, _ := a.Record("u1")
		assert.Equal(t, "txn-1", rec.TransactionReference)
		assert.Equal(t, 1, rec.Count)
	})
}

func TestMemoryAuthority_Rollback(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	a := NewMemoryAuthority()

	ok, err := a.Rollback(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok, "nothing to reverse")

	_, err = a.CheckAndIncrement(ctx, monthlyRequest("u1", 3, now))
	require.NoError(t, err)

	ok, err = a.Rollback(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, _ := a.Record("u1")
	assert.Equal(t, 0, rec.Count)

	// Floored at zero.
	ok, err = a.Rollback(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// Two goroutines race for the last remaining unit; exactly one may win.
func TestMemoryAuthority_LastUnitHasOneWinner(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	for round := 0; round < 50; round++ {
		a := NewMemoryAuthority()
		// Consume 2 of 3 units.
		for i := 0; i < 2; i++ {
			v, err := a.CheckAndIncrement(ctx, monthlyRequest("u1", 3, now))
			require.NoError(t, err)
			require.True(t, v.Allowed)
		}

		var wg sync.WaitGroup
		results := make([]Verdict, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, err := a.CheckAndIncrement(ctx, monthlyRequest("u1", 3, now))
				assert.NoError(t, err)
				results[i] = v
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, v := range results {
			if v.Allowed {
				wins++
			}
		}
		assert.Equal(t, 1, wins, "exactly one racer gets the last unit")

		rec, _ := a.Record("u1")
		assert.Equal(t, 3, rec.Count)
	}
}
