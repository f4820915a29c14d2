// Package retry provides a bounded retry-with-exponential-backoff combinator
// shared by the polling engine, the recovery manager and the rollback queue.
package retry

import (
	"context"
	"fmt"
	"time"

	"generation-core/internal/common/logger"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
}

// DefaultPolicy matches the recovery manager's authoritative-check budget:
// three attempts with a doubling delay.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	InitialDelay: 1 * time.Second,
	Factor:       2,
}

// Do executes op until it succeeds, the policy is exhausted, or ctx is done.
// The delay between attempts grows by the policy factor. The last error is
// returned when all attempts fail.
func Do(ctx context.Context, p Policy, log logger.Logger, name string, op func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Factor <= 0 {
		p.Factor = 2
	}

	var err error
	delay := p.InitialDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}

		if log != nil {
			log.Warn(fmt.Sprintf("%s failed, retrying...", name), map[string]interface{}{
				"error":       err.Error(),
				"attempt":     attempt,
				"maxAttempts": p.MaxAttempts,
				"nextRetryIn": delay.String(),
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.Factor)
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, p.MaxAttempts, err)
}
