// internal/common/retry/retry_test.go
package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"generation-core/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Factor:       2,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), logger.NewNoOpLogger(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), logger.NewNoOpLogger(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("still broken")
	err := Do(context.Background(), fastPolicy(3), logger.NewNoOpLogger(), "op", func(ctx context.Context) error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDo_ContextCanceledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, InitialDelay: time.Hour, Factor: 2},
		logger.NewNoOpLogger(), "op", func(ctx context.Context) error {
			calls++
			cancel()
			return errors.New("fail")
		})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroValuePolicyStillRuns(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, nil, "op", func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
