package entitlement

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/tonemend/tonemend/pkg/billing"
)

// refCacheSize bounds the customer-ref resolution cache. The mapping is
// immutable once assigned, so cached entries never go stale.
const refCacheSize = 4096

// Reconciler applies verified billing events to entitlement records. Every
// transition is an absolute assignment of the billing-derived field triple,
// so redelivered and out-of-order events converge on the same state
// (last-write-wins, by contract).
type Reconciler struct {
	repo     Repository
	prices   billing.PriceTable
	logger   *logrus.Logger
	refCache *lru.Cache[string, string]
}

// NewReconciler creates a Reconciler.
func NewReconciler(repo Repository, prices billing.PriceTable, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	cache, _ := lru.New[string, string](refCacheSize)
	return &Reconciler{
		repo:     repo,
		prices:   prices,
		logger:   logger,
		refCache: cache,
	}
}

// Apply maps one event onto exactly one record, or no-ops when the event
// cannot be resolved to an account. Resolution misses are expected (the event
// may race ahead of account creation) and are logged, not surfaced.
// Store failures propagate so the webhook handler returns 5xx and the
// provider redelivers.
func (r *Reconciler) Apply(ctx context.Context, ev *billing.Event) error {
	if ev == nil {
		return nil
	}

	switch ev.Type {
	case billing.EventCheckoutCompleted:
		return r.applyCheckout(ctx, ev)
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated:
		return r.applySubscriptionChange(ctx, ev)
	case billing.EventSubscriptionDeleted:
		return r.applySubscriptionDeleted(ctx, ev)
	default:
		return fmt.Errorf("unexpected event type %q", ev.Type)
	}
}

// applyCheckout links the account to its billing customer and grants
// entitlement. This is the only transition allowed to assign the customer ref
// of a previously unlinked account.
func (r *Reconciler) applyCheckout(ctx context.Context, ev *billing.Event) error {
	if ev.CustomerRef == "" {
		// Without a customer ref the link can never be established, and an
		// empty ref must not be written: the column is UNIQUE and a second
		// empty link would collide.
		r.logMiss(ev, "checkout carries no customer ref")
		return nil
	}

	accountID := ev.AccountIDHint
	if accountID == "" {
		var err error
		accountID, err = r.resolveCustomerRef(ctx, ev.CustomerRef)
		if errors.Is(err, ErrNotFound) {
			r.logMiss(ev, "checkout without hint and unknown customer ref")
			return nil
		}
		if err != nil {
			// Store failure during resolution: propagate so the provider
			// redelivers instead of silently losing the event.
			return err
		}
	}

	fields := BillingFields{
		IsPaid:          true,
		PlanLabel:       PlanLabel(r.prices.PlanFor(ev.PriceRef)),
		CustomerRef:     ev.CustomerRef,
		SubscriptionRef: ev.SubscriptionRef,
	}
	err := r.repo.UpsertBillingFields(ctx, accountID, fields)
	switch {
	case err == nil:
		r.refCache.Add(ev.CustomerRef, accountID)
		return nil
	case errors.Is(err, ErrNotFound):
		r.logMiss(ev, "account does not exist yet")
		return nil
	case errors.Is(err, ErrCustomerRefMismatch):
		// Retrying cannot fix a conflicting link; record it and move on.
		r.logger.WithFields(logrus.Fields{
			"event_id":     ev.ID,
			"account_id":   accountID,
			"customer_ref": ev.CustomerRef,
		}).Error("checkout customer ref conflicts with existing link")
		return nil
	default:
		return err
	}
}

// applySubscriptionChange handles created/updated events, which resolve via
// customer ref only. The paid flag follows the reported status.
func (r *Reconciler) applySubscriptionChange(ctx context.Context, ev *billing.Event) error {
	fields := BillingFields{
		IsPaid:          ev.Entitled(),
		PlanLabel:       PlanLabel(r.prices.PlanFor(ev.PriceRef)),
		SubscriptionRef: ev.SubscriptionRef,
	}
	return r.updateByCustomerRef(ctx, ev, fields)
}

// applySubscriptionDeleted revokes entitlement. Quota counter fields are left
// untouched; they self-correct on the next metered action via the reset
// protocol.
func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, ev *billing.Event) error {
	fields := BillingFields{
		IsPaid:          false,
		PlanLabel:       PlanNone,
		SubscriptionRef: "",
	}
	return r.updateByCustomerRef(ctx, ev, fields)
}

func (r *Reconciler) updateByCustomerRef(ctx context.Context, ev *billing.Event, fields BillingFields) error {
	if ev.CustomerRef == "" {
		r.logMiss(ev, "event carries no customer ref")
		return nil
	}
	err := r.repo.UpdateBillingByCustomerRef(ctx, ev.CustomerRef, fields)
	if errors.Is(err, ErrNotFound) {
		r.logMiss(ev, "customer ref not linked to any account")
		return nil
	}
	return err
}

// resolveCustomerRef maps a customer ref to an account id, consulting the
// LRU first since the mapping never changes once assigned. Misses surface as
// ErrNotFound; any other error is a store failure the caller must propagate.
func (r *Reconciler) resolveCustomerRef(ctx context.Context, customerRef string) (string, error) {
	if id, ok := r.refCache.Get(customerRef); ok {
		return id, nil
	}
	rec, err := r.repo.FindByCustomerRef(ctx, customerRef)
	if err != nil {
		return "", err
	}
	r.refCache.Add(customerRef, rec.AccountID)
	return rec.AccountID, nil
}

func (r *Reconciler) logMiss(ev *billing.Event, reason string) {
	r.logger.WithFields(logrus.Fields{
		"event_id":     ev.ID,
		"event_type":   ev.Type,
		"customer_ref": ev.CustomerRef,
	}).Info("billing event ignored: " + reason)
}
