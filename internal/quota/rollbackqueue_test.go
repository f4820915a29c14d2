// internal/quota/rollbackqueue_test.go
package quota

import (
	"context"
	"testing"
	"time"

	"generation-core/internal/common/logger"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRollbackQueue_DrainsPending(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	authority := NewMemoryAuthority()
	for i := 0; i < 2; i++ {
		v, err := authority.CheckAndIncrement(ctx, monthlyRequest("u1", 5, now))
		require.NoError(t, err)
		require.True(t, v.Allowed)
	}

	q := NewRollbackQueue(authority, logger.NewTestLogger(t))
	q.policy.InitialDelay = time.Millisecond
	q.Start(ctx)
	defer q.Stop()

	q.Enqueue("u1")
	q.Enqueue("u1")

	waitFor(t, 2*time.Second, func() bool {
		rec, _ := authority.Record("u1")
		return rec.Count == 0 && q.Pending() == 0
	})
}

func TestRollbackQueue_RequeuesAfterExhaustion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authority := &flakyAuthority{inner: NewMemoryAuthority(), rollbackFails: 1 << 30}
	q := NewRollbackQueue(authority, logger.NewNoOpLogger())
	q.policy.InitialDelay = time.Millisecond
	q.Start(ctx)
	defer q.Stop()

	q.Enqueue("u1")

	// All attempts fail; the entry must survive instead of being dropped.
	waitFor(t, 2*time.Second, func() bool {
		return authority.attempts() >= q.policy.MaxAttempts && q.Pending() == 1
	})
}

func TestRollbackQueue_StopIsIdempotent(t *testing.T) {
	q := NewRollbackQueue(NewMemoryAuthority(), logger.NewNoOpLogger())
	q.Start(context.Background())
	q.Stop()
	q.Stop()
}
