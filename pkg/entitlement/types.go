package entitlement

import "time"

// PlanLabel identifies the billing plan attached to an account. It is
// informational only; access decisions key off the paid flag.
type PlanLabel string

const (
	PlanNone    PlanLabel = "none"
	PlanMonthly PlanLabel = "monthly"
	PlanYearly  PlanLabel = "yearly"
)

// DefaultDailyQuota is the number of metered actions a free account may
// perform per calendar day.
const DefaultDailyQuota = 3

// Record is the entitlement row for a single account. Billing-derived fields
// are written only by the Reconciler; the quota counter fields are written
// only by the quota enforcement path.
type Record struct {
	AccountID              string     `json:"account_id"`
	IsPaid                 bool       `json:"is_paid"`
	PlanLabel              PlanLabel  `json:"plan_label"`
	BillingCustomerRef     string     `json:"billing_customer_ref,omitempty"`
	BillingSubscriptionRef string     `json:"billing_subscription_ref,omitempty"`
	DailyQuotaRemaining    int        `json:"daily_quota_remaining"`
	QuotaResetDate         string     `json:"quota_reset_date,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// BillingFields is the set of billing-derived fields applied as one absolute
// assignment. Every reconciler transition writes all of them; there are no
// relative updates, which is what makes event redelivery safe.
type BillingFields struct {
	IsPaid          bool
	PlanLabel       PlanLabel
	CustomerRef     string // required on checkout writes; assign-or-match
	SubscriptionRef string // empty clears the column
}
