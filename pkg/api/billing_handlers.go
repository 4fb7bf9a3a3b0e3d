package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tonemend/tonemend/pkg/billing"
	"github.com/tonemend/tonemend/pkg/contextkeys"
	"github.com/tonemend/tonemend/pkg/entitlement"
	"github.com/tonemend/tonemend/pkg/httputil"
	"github.com/tonemend/tonemend/pkg/observability"
)

// SignatureHeader carries the webhook signature from the billing provider.
const SignatureHeader = "Stripe-Signature"

// BillingHandlers handles checkout, portal and webhook requests
type BillingHandlers struct {
	repo       entitlement.Repository
	client     *billing.Client
	verifier   *billing.Verifier
	deduper    *billing.Deduper
	reconciler *entitlement.Reconciler
	metrics    *observability.Metrics
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(repo entitlement.Repository, client *billing.Client, verifier *billing.Verifier, deduper *billing.Deduper, reconciler *entitlement.Reconciler, metrics *observability.Metrics) *BillingHandlers {
	return &BillingHandlers{
		repo:       repo,
		client:     client,
		verifier:   verifier,
		deduper:    deduper,
		reconciler: reconciler,
		metrics:    metrics,
	}
}

// RegisterRoutes registers billing routes. The webhook route is deliberately
// outside the auth middleware: it authenticates by signature instead.
func (h *BillingHandlers) RegisterRoutes(router *mux.Router, authed func(http.Handler) http.Handler) {
	router.Handle("/billing/checkout", authed(http.HandlerFunc(h.CreateCheckout))).Methods("POST")
	router.Handle("/billing/portal", authed(http.HandlerFunc(h.CreatePortal))).Methods("POST")
	router.HandleFunc("/billing/webhook", h.HandleWebhook).Methods("POST")
}

// CheckoutRequest selects the plan for a new subscription
type CheckoutRequest struct {
	Plan string `json:"plan"`
}

// CreateCheckout starts a hosted checkout session for the caller. The account
// id travels in session metadata; the webhook uses it to link the resulting
// subscription back to this account.
func (h *BillingHandlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.GetAccount(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req CheckoutRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	session, err := h.client.CreateCheckoutSession(r.Context(), user.ID, user.Email, req.Plan)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to create checkout session")
		httputil.WriteBadRequest(w, "could not start checkout")
		return
	}

	httputil.WriteSuccess(w, map[string]string{"url": session.URL})
}

// CreatePortal starts a hosted subscription management session. Requires the
// account to already be linked to a billing customer.
func (h *BillingHandlers) CreatePortal(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.GetAccount(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	rec, err := h.repo.Get(r.Context(), user.ID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			httputil.WriteNotFound(w, "account not found")
			return
		}
		recordStoreError(h.metrics, err)
		observability.FromContext(r.Context()).WithError(err).Error("failed to load entitlement record")
		httputil.WriteServiceUnavailable(w, "store unavailable")
		return
	}
	if rec.BillingCustomerRef == "" {
		httputil.WriteBadRequest(w, billing.ErrNoBillingCustomer.Error())
		return
	}

	session, err := h.client.CreatePortalSession(r.Context(), rec.BillingCustomerRef)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to create portal session")
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "could not open billing portal")
		return
	}

	httputil.WriteSuccess(w, map[string]string{"url": session.URL})
}

// HandleWebhook ingests billing provider notifications. Responses follow the
// provider's retry contract: 400 tells it the delivery is unusable (bad
// signature), 200 acknowledges, and 5xx asks it to redeliver later.
func (h *BillingHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := httputil.ReadBody(r)
	if err != nil {
		httputil.WriteBadRequest(w, "unreadable payload")
		return
	}

	ev, err := h.verifier.Verify(payload, r.Header.Get(SignatureHeader))
	if err != nil {
		h.metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		observability.FromContext(r.Context()).WithError(err).Warn("rejected webhook delivery")
		httputil.WriteBadRequest(w, "invalid signature")
		return
	}
	if ev == nil {
		// Verified but not a type we act on. Acknowledge so the provider
		// stops retrying.
		h.metrics.WebhookEventsTotal.WithLabelValues("other", "ignored").Inc()
		httputil.WriteSuccess(w, map[string]string{"status": "ignored"})
		return
	}

	if h.deduper.Seen(r.Context(), ev.ID) {
		h.metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "duplicate").Inc()
		httputil.WriteSuccess(w, map[string]string{"status": "duplicate"})
		return
	}

	if err := h.reconciler.Apply(r.Context(), ev); err != nil {
		// Store failure: signal the provider to redeliver. The event is not
		// marked as seen, so the redelivery reaches the reconciler again.
		h.metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		recordStoreError(h.metrics, err)
		observability.FromContext(r.Context()).WithError(err).Error("failed to apply billing event")
		httputil.WriteInternalError(w, errors.New("event not applied"))
		return
	}

	h.deduper.MarkApplied(r.Context(), ev.ID)
	h.metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "applied").Inc()
	httputil.WriteSuccess(w, map[string]string{"status": "applied"})
}
