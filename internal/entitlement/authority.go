// Package entitlement decides whether the current account may generate,
// cross-checking the locally cached entitlement flag against the platform
// purchase authority so a stale cache can never be used to bypass the quota.
package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "generation-core/internal/common/errors"
	commonhttp "generation-core/internal/common/http"
	"generation-core/internal/models"
)

// Authority is the tamper-resistant source of truth for the active purchase
// state. It is queried independently of the caching layer.
type Authority interface {
	ActiveEntitlement(ctx context.Context) (*models.EntitlementStatus, error)
}

// HTTPAuthority queries the platform purchase-record service.
type HTTPAuthority struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPAuthority(baseURL, apiKey string, timeout time.Duration) *HTTPAuthority {
	return &HTTPAuthority{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: commonhttp.New(timeout),
	}
}

func (a *HTTPAuthority) ActiveEntitlement(ctx context.Context) (*models.EntitlementStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/entitlements/active", nil)
	if err != nil {
		return nil, apperrors.NewInternal("entitlement request build", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewNetwork("entitlement check", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewNetwork("entitlement check", err)
	}

	if resp.StatusCode >= 500 {
		return nil, apperrors.NewNetwork("entitlement check", fmt.Errorf("authority returned %d", resp.StatusCode))
	}
	if resp.StatusCode == http.StatusNotFound {
		// No purchase record at all: a definitive inactive answer.
		return &models.EntitlementStatus{IsActive: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewServerRejected(fmt.Sprintf("entitlement authority status %d", resp.StatusCode))
	}

	var status models.EntitlementStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, apperrors.NewNetwork("entitlement check", fmt.Errorf("malformed response: %w", err))
	}
	return &status, nil
}

var _ Authority = (*HTTPAuthority)(nil)
