// internal/models/usage.go
package models

import "time"

// PlanType identifies the billing cadence of a subscription plan.
type PlanType string

const (
	PlanWeekly  PlanType = "WEEKLY"
	PlanMonthly PlanType = "MONTHLY"
)

// Plan describes the quota shape of a subscription plan as the ledger needs
// it: how many units per cycle, and whether an additional one-per-calendar-day
// sub-limit applies.
type Plan struct {
	Type                 PlanType
	Limit                int
	DailyLimit           bool
	OriginalPurchaseDate time.Time
	TransactionReference string
}

// UsageRecord is the per-user usage counter for the current billing cycle.
// The authoritative copy lives in the remote quota store; this struct is the
// shape both the client and the Postgres authority operate on.
type UsageRecord struct {
	UserID               string    `json:"userId"`
	Count                int       `json:"count"`
	PlanType             PlanType  `json:"planType"`
	Limit                int       `json:"limit"`
	BillingCycleStart    time.Time `json:"billingCycleStart"`
	NextResetDate        time.Time `json:"nextResetDate"`
	LastUsageDate        string    `json:"lastUsageDate,omitempty"` // YYYY-MM-DD, empty if never used
	TransactionReference string    `json:"transactionReference,omitempty"`
}

// Remaining returns the unused units in the current cycle, never negative.
func (u *UsageRecord) Remaining() int {
	if u.Count >= u.Limit {
		return 0
	}
	return u.Limit - u.Count
}
