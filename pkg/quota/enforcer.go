// Package quota decides whether a metered action may proceed for an account,
// implementing the daily reset-then-decrement protocol over the entitlement
// store's atomic operations.
package quota

import (
	"context"
	"time"

	"github.com/tonemend/tonemend/pkg/entitlement"
)

// Reason explains a denial. LimitReached is an expected, user-visible
// outcome, not a failure.
type Reason string

const (
	ReasonLimitReached Reason = "limit_reached"
)

// Decision is the outcome of an authorization check. Remaining is meaningful
// only for free accounts; paid accounts report -1 (unlimited).
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    Reason `json:"reason,omitempty"`
	Remaining int    `json:"remaining"`
}

// Enforcer authorizes metered actions. The calendar-day boundary uses one
// fixed timezone for all accounts; per-user timezones are deliberately not
// inferred.
type Enforcer struct {
	repo entitlement.Repository
	loc  *time.Location

	now func() time.Time // test hook
}

// NewEnforcer creates an Enforcer. A nil location defaults to UTC, matching
// the provider's event timestamps.
func NewEnforcer(repo entitlement.Repository, loc *time.Location) *Enforcer {
	if loc == nil {
		loc = time.UTC
	}
	return &Enforcer{repo: repo, loc: loc, now: time.Now}
}

// Authorize runs the quota protocol for one request:
//
//	load record -> paid short-circuits to Allowed
//	            -> reset counter for today if the date rolled over
//	            -> decrement if positive
//
// Both counter steps are single atomic statements in the store, so concurrent
// requests near the boundary serialize there rather than racing a stale read.
// Any store error propagates; callers must fail closed (deny), never assume
// unlimited quota.
func (e *Enforcer) Authorize(ctx context.Context, accountID string) (Decision, error) {
	rec, err := e.repo.Get(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}

	if rec.IsPaid {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	today := e.now().In(e.loc).Format("2006-01-02")
	if _, err := e.repo.ResetAndGetQuota(ctx, accountID, today); err != nil {
		return Decision{}, err
	}

	allowed, remaining, err := e.repo.DecrementQuotaIfPositive(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	if !allowed {
		return Decision{Allowed: false, Reason: ReasonLimitReached, Remaining: 0}, nil
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// Remaining reports the quota left for today without spending a unit. It runs
// the same date normalization as Authorize, so a stale counter from yesterday
// reads as a full allowance. Paid accounts report -1.
func (e *Enforcer) Remaining(ctx context.Context, accountID string) (int, error) {
	rec, err := e.repo.Get(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if rec.IsPaid {
		return -1, nil
	}

	today := e.now().In(e.loc).Format("2006-01-02")
	remaining, err := e.repo.ResetAndGetQuota(ctx, accountID, today)
	if err != nil {
		return 0, err
	}
	return remaining, nil
}
