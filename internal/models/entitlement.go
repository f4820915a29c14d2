// internal/models/entitlement.go
package models

import "time"

// ClockSkewBuffer tolerates drift between the device clock and the
// entitlement provider when judging expiration.
const ClockSkewBuffer = 5 * time.Minute

// EntitlementStatus is a point-in-time answer from an entitlement source
// (either the local cache or the platform purchase authority).
type EntitlementStatus struct {
	IsActive             bool      `json:"isActive"`
	ExpirationDate       time.Time `json:"expirationDate,omitempty"` // zero for lifetime entitlements
	ProductID            string    `json:"productId,omitempty"`
	TransactionReference string    `json:"transactionReference,omitempty"`
	OriginalPurchaseDate time.Time `json:"originalPurchaseDate,omitempty"`
}

// ActiveAt applies the validity rule: an entitlement with an expiration date
// is active only while expirationDate > now - ClockSkewBuffer and the
// provider marks it active; a lifetime entitlement (zero expiration) is
// active iff the provider marks it active.
func (e *EntitlementStatus) ActiveAt(now time.Time) bool {
	if !e.IsActive {
		return false
	}
	if e.ExpirationDate.IsZero() {
		return true
	}
	return e.ExpirationDate.After(now.Add(-ClockSkewBuffer))
}
