// internal/quota/rollbackqueue.go
package quota

import (
	"context"
	"sync"
	"time"

	"generation-core/internal/common/logger"
	"generation-core/internal/common/metrics"
	"generation-core/internal/common/retry"
)

// RollbackQueue retries rollbacks that failed with a transport error. It
// drains in the background with the shared bounded-retry policy; a user id
// that still fails after the policy is exhausted is re-queued so the
// reservation eventually lands.
type RollbackQueue struct {
	authority Authority
	logger    logger.Logger
	policy    retry.Policy

	mu      sync.Mutex
	pending []string
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func NewRollbackQueue(authority Authority, log logger.Logger) *RollbackQueue {
	return &RollbackQueue{
		authority: authority,
		logger:    log.WithFields(map[string]interface{}{"component": "rollback-queue"}),
		policy: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			Factor:       2,
		},
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Enqueue schedules a rollback for background retry.
func (q *RollbackQueue) Enqueue(userID string) {
	q.mu.Lock()
	q.pending = append(q.pending, userID)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of rollbacks still waiting.
func (q *RollbackQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Start launches the drain loop. Stop shuts it down after the in-flight
// attempt finishes.
func (q *RollbackQueue) Start(ctx context.Context) {
	go q.loop(ctx)
}

func (q *RollbackQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()
	close(q.done)
}

func (q *RollbackQueue) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-q.wake:
		}
		q.drain(ctx)
	}
}

func (q *RollbackQueue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		userID := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		metrics.RollbackRetries.Inc()
		err := retry.Do(ctx, q.policy, q.logger, "quota rollback", func(ctx context.Context) error {
			_, err := q.authority.Rollback(ctx, userID)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("rollback still failing, re-queueing", map[string]interface{}{
				"userId": userID,
				"error":  err.Error(),
			})
			q.Enqueue(userID)
			return
		}

		metrics.QuotaRollbacks.Inc()
		q.logger.Info("queued rollback landed", map[string]interface{}{"userId": userID})
	}
}
