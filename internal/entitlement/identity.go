// internal/entitlement/identity.go
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"generation-core/internal/common/logger"
	"generation-core/internal/models"
	"generation-core/internal/store"

	"github.com/google/uuid"
)

const installationIDKey = "identity:installation_id"

// Identity resolves the stable user id the quota ledger is keyed by. Paying
// accounts use a purchase-transaction-derived id so usage follows the
// account across reinstalls and devices; everyone else gets an anonymous
// installation id persisted locally.
type Identity struct {
	store  store.DurableStore
	logger logger.Logger
}

func NewIdentity(durable store.DurableStore, log logger.Logger) *Identity {
	return &Identity{store: durable, logger: log}
}

// ResolveUserID picks the ledger key for the current account. When a paying
// account yields no transaction reference the anonymous installation id is
// used as a last resort; that mis-attributes usage to the device rather
// than the account, so it is logged loudly.
func (i *Identity) ResolveUserID(ctx context.Context, status *models.EntitlementStatus) (string, error) {
	if status != nil && status.IsActive {
		if status.TransactionReference != "" {
			return "txn:" + status.TransactionReference, nil
		}
		i.logger.Warn("paying account has no transaction reference, falling back to installation id", map[string]interface{}{
			"productId": status.ProductID,
		})
	}
	return i.installationID(ctx)
}

func (i *Identity) installationID(ctx context.Context) (string, error) {
	id, err := i.store.Get(ctx, installationIDKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("read installation id: %w", err)
	}

	id = "anon:" + uuid.NewString()
	if err := i.store.Set(ctx, installationIDKey, id); err != nil {
		return "", fmt.Errorf("persist installation id: %w", err)
	}
	return id, nil
}
