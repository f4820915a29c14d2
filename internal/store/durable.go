// Package store provides the durable key-value store the job lifecycle
// persists through. The store survives process restarts but guarantees
// nothing across keys, so callers keep each job in a single blob and always
// re-verify recovered state against the remote authority.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// DurableStore is the minimal contract the lifecycle needs: small string
// blobs by key, best-effort durability.
type DurableStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
