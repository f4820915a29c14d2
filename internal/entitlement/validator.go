// internal/entitlement/validator.go
package entitlement

import (
	"context"
	"time"

	"generation-core/internal/common/logger"
	"generation-core/internal/common/metrics"
	"generation-core/internal/models"
)

// Decision is the outcome of the pre-generation entitlement check.
type Decision struct {
	CanGenerate       bool
	SecurityViolation bool
	Reason            string
	Status            *models.EntitlementStatus // authoritative status when available
}

// Validator cross-checks the cached entitlement flag against the platform
// authority before every generation.
type Validator struct {
	cache     Cache
	authority Authority
	logger    logger.Logger
	nowFn     func() time.Time

	// refreshFn is swapped in tests; defaults to the async cache refresh.
	refreshFn func(status *models.EntitlementStatus)
}

func NewValidator(cache Cache, authority Authority, log logger.Logger) *Validator {
	v := &Validator{
		cache:     cache,
		authority: authority,
		logger:    log.WithFields(map[string]interface{}{"component": "entitlement-validator"}),
		nowFn:     time.Now,
	}
	v.refreshFn = v.refreshCacheAsync
	return v
}

// ValidateForGeneration applies the decision table:
//
//	cached active,   authority active   -> allow
//	cached inactive, authority inactive -> deny (not a violation)
//	cached active,   authority inactive -> deny, security violation
//	cached inactive, authority active   -> allow, refresh cache in background
//
// The violation row is a hard deny: a stale "entitled" cache left behind by
// an account switch must never let a request through. The outcome depends
// only on the two definitive answers, never on request timing. An authority
// that cannot be reached is an error, not a decision.
func (v *Validator) ValidateForGeneration(ctx context.Context) (Decision, error) {
	now := v.nowFn()

	cachedActive := false
	if cached, ok, err := v.cache.Get(ctx); err == nil && ok {
		cachedActive = cached.ActiveAt(now)
	} else if err != nil {
		// A broken cache read degrades to "no cached entitlement"; the
		// authority still decides.
		v.logger.Warn("entitlement cache read failed", map[string]interface{}{"error": err.Error()})
	}

	authStatus, err := v.authority.ActiveEntitlement(ctx)
	if err != nil {
		return Decision{}, err
	}
	authorityActive := authStatus.ActiveAt(now)

	switch {
	case cachedActive && authorityActive:
		return Decision{CanGenerate: true, Status: authStatus}, nil

	case !cachedActive && !authorityActive:
		return Decision{
			CanGenerate: false,
			Reason:      "no active subscription",
			Status:      authStatus,
		}, nil

	case cachedActive && !authorityActive:
		metrics.SecurityViolations.Inc()
		v.logger.Warn("entitlement cross-validation mismatch", map[string]interface{}{
			"cached":    true,
			"authority": false,
		})
		return Decision{
			CanGenerate:       false,
			SecurityViolation: true,
			Reason:            "cached entitlement contradicts purchase records",
			Status:            authStatus,
		}, nil

	default: // legitimately under-cached: allow and refresh
		v.refreshFn(authStatus)
		return Decision{CanGenerate: true, Status: authStatus}, nil
	}
}

func (v *Validator) refreshCacheAsync(status *models.EntitlementStatus) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := v.cache.Set(ctx, status); err != nil {
			v.logger.Warn("entitlement cache refresh failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}
