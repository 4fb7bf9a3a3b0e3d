package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tonemend/tonemend/pkg/contextkeys"
	"github.com/tonemend/tonemend/pkg/entitlement"
	"github.com/tonemend/tonemend/pkg/httputil"
	"github.com/tonemend/tonemend/pkg/observability"
	"github.com/tonemend/tonemend/pkg/quota"
	"github.com/tonemend/tonemend/pkg/rewrite"
	"github.com/tonemend/tonemend/pkg/usage"
)

// maxMessageLength caps the user message forwarded to the generation provider.
const maxMessageLength = 4000

// RewriteHandlers handles the metered rewrite endpoint
type RewriteHandlers struct {
	enforcer  *quota.Enforcer
	generator rewrite.Generator
	usage     *usage.Log
	metrics   *observability.Metrics
}

// NewRewriteHandlers creates a new RewriteHandlers
func NewRewriteHandlers(enforcer *quota.Enforcer, generator rewrite.Generator, usageLog *usage.Log, metrics *observability.Metrics) *RewriteHandlers {
	return &RewriteHandlers{
		enforcer:  enforcer,
		generator: generator,
		usage:     usageLog,
		metrics:   metrics,
	}
}

// RegisterRoutes registers rewrite routes
func (h *RewriteHandlers) RegisterRoutes(router *mux.Router, authed func(http.Handler) http.Handler) {
	router.Handle("/rewrite", authed(http.HandlerFunc(h.Rewrite))).Methods("POST")
}

// RewriteRequest is the body of a rewrite call
type RewriteRequest struct {
	Message   string `json:"message"`
	Recipient string `json:"recipient"`
}

// RewriteResponse carries the three generated variants plus the caller's
// remaining quota for the day (-1 for paid accounts).
type RewriteResponse struct {
	Soft      string `json:"soft"`
	Calm      string `json:"calm"`
	Clear     string `json:"clear"`
	Remaining int    `json:"remaining"`
}

// Rewrite authorizes the quota spend, then calls the generation provider.
// Order is load-bearing: the quota decision happens strictly before the
// provider call, and a spent unit is not refunded if generation fails.
func (h *RewriteHandlers) Rewrite(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.GetAccount(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req RewriteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	req.Recipient = strings.TrimSpace(req.Recipient)
	if req.Message == "" {
		httputil.WriteBadRequest(w, "message is required")
		return
	}
	if len(req.Message) > maxMessageLength {
		httputil.WriteBadRequest(w, "message is too long")
		return
	}
	if req.Recipient == "" {
		req.Recipient = "colleague"
	}

	decision, err := h.enforcer.Authorize(r.Context(), user.ID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			httputil.WriteNotFound(w, "account not found")
			return
		}
		// Store failure: deny rather than hand out unmetered calls.
		h.metrics.QuotaDecisionsTotal.WithLabelValues("error").Inc()
		recordStoreError(h.metrics, err)
		observability.FromContext(r.Context()).WithError(err).Error("quota authorization failed")
		httputil.WriteServiceUnavailable(w, "quota check unavailable, try again later")
		return
	}
	if !decision.Allowed {
		h.metrics.QuotaDecisionsTotal.WithLabelValues("denied").Inc()
		httputil.WriteTooManyRequests(w, string(decision.Reason))
		return
	}
	h.metrics.QuotaDecisionsTotal.WithLabelValues("allowed").Inc()

	start := time.Now()
	result, err := h.generator.Rewrite(r.Context(), req.Message, req.Recipient)
	h.metrics.RewriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.RewriteRequestsTotal.WithLabelValues("error").Inc()
		observability.FromContext(r.Context()).WithError(err).Error("generation provider call failed")
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "generation failed")
		return
	}
	h.metrics.RewriteRequestsTotal.WithLabelValues("ok").Inc()

	// Best-effort: a failed append never fails the request.
	if err := h.usage.Append(r.Context(), user.ID, req.Recipient); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("failed to append usage entry")
	}

	httputil.WriteSuccess(w, RewriteResponse{
		Soft:      result.Soft,
		Calm:      result.Calm,
		Clear:     result.Clear,
		Remaining: decision.Remaining,
	})
}
