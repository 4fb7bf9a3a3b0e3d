package api

import (
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tonemend/tonemend/pkg/captcha"
	"github.com/tonemend/tonemend/pkg/contextkeys"
	"github.com/tonemend/tonemend/pkg/entitlement"
	"github.com/tonemend/tonemend/pkg/httputil"
	"github.com/tonemend/tonemend/pkg/observability"
	"github.com/tonemend/tonemend/pkg/quota"
	"github.com/tonemend/tonemend/pkg/usage"
)

// blockedEmailDomains are throwaway-mail providers rejected at signup.
var blockedEmailDomains = map[string]bool{
	"mailinator.com":    true,
	"guerrillamail.com": true,
	"10minutemail.com":  true,
	"tempmail.com":      true,
	"throwawaymail.com": true,
	"yopmail.com":       true,
	"sharklasers.com":   true,
	"getnada.com":       true,
}

// AccountHandlers handles account lifecycle requests
type AccountHandlers struct {
	repo     entitlement.Repository
	usage    *usage.Log
	enforcer *quota.Enforcer
	deleter  AccountDeleter
	captcha  *captcha.Verifier
	metrics  *observability.Metrics
}

// NewAccountHandlers creates a new AccountHandlers
func NewAccountHandlers(repo entitlement.Repository, usageLog *usage.Log, enforcer *quota.Enforcer, deleter AccountDeleter, captchaVerifier *captcha.Verifier, metrics *observability.Metrics) *AccountHandlers {
	return &AccountHandlers{
		repo:     repo,
		usage:    usageLog,
		enforcer: enforcer,
		deleter:  deleter,
		captcha:  captchaVerifier,
		metrics:  metrics,
	}
}

// RegisterRoutes registers account routes
func (h *AccountHandlers) RegisterRoutes(router *mux.Router, authed func(http.Handler) http.Handler) {
	router.Handle("/accounts", authed(http.HandlerFunc(h.CreateAccount))).Methods("POST")
	router.Handle("/accounts", authed(http.HandlerFunc(h.DeleteAccount))).Methods("DELETE")
	router.Handle("/account", authed(http.HandlerFunc(h.GetAccount))).Methods("GET")
	router.Handle("/usage", authed(http.HandlerFunc(h.ListUsage))).Methods("GET")
}

// CreateAccountRequest carries the captcha response from signup
type CreateAccountRequest struct {
	CaptchaToken string `json:"captcha_token"`
}

// CreateAccount provisions the entitlement record at signup confirmation.
// Creating an existing account is a no-op, so client retries are harmless.
func (h *AccountHandlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.GetAccount(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	if err := validateEmail(user.Email); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var req CreateAccountRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if !h.captcha.Bypassed(user.Email) {
		if err := h.captcha.Verify(r.Context(), user.Email, req.CaptchaToken); err != nil {
			if errors.Is(err, captcha.ErrChallengeFailed) || errors.Is(err, captcha.ErrTokenRequired) {
				httputil.WriteBadRequest(w, err.Error())
				return
			}
			observability.FromContext(r.Context()).WithError(err).Error("captcha verification failed")
			httputil.WriteServiceUnavailable(w, "captcha verification unavailable")
			return
		}
	}

	if err := h.repo.Create(r.Context(), user.ID); err != nil {
		recordStoreError(h.metrics, err)
		observability.FromContext(r.Context()).WithError(err).Error("failed to create entitlement record")
		httputil.WriteServiceUnavailable(w, "store unavailable")
		return
	}

	httputil.WriteCreated(w, map[string]string{"account_id": user.ID})
}

// DeleteAccount removes the caller's data: usage log first, then the
// entitlement record, then the identity-provider user. Partial failure leaves
// the identity user intact so the caller can retry the whole cascade.
func (h *AccountHandlers) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.GetAccount(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	logger := observability.FromContext(r.Context())

	if err := h.usage.DeleteForAccount(r.Context(), user.ID); err != nil {
		logger.WithError(err).Error("failed to delete usage entries")
		httputil.WriteServiceUnavailable(w, "store unavailable")
		return
	}

	if err := h.repo.Delete(r.Context(), user.ID); err != nil && !errors.Is(err, entitlement.ErrNotFound) {
		recordStoreError(h.metrics, err)
		logger.WithError(err).Error("failed to delete entitlement record")
		httputil.WriteServiceUnavailable(w, "store unavailable")
		return
	}

	if err := h.deleter.DeleteUser(r.Context(), user.ID); err != nil {
		logger.WithError(err).Error("failed to delete identity user")
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "identity provider delete failed")
		return
	}

	httputil.WriteSuccess(w, map[string]string{"status": "deleted"})
}

// AccountSummary is the account-page view of the entitlement record
type AccountSummary struct {
	AccountID      string `json:"account_id"`
	IsPaid         bool   `json:"is_paid"`
	PlanLabel      string `json:"plan_label"`
	RemainingToday int    `json:"remaining_today"`
}

// GetAccount returns the entitlement summary for the caller. Reading the
// remaining quota never spends a unit.
func (h *AccountHandlers) GetAccount(w http.ResponseWriter, r *http.Request) {
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

	remaining, err := h.enforcer.Remaining(r.Context(), user.ID)
	if err != nil {
		recordStoreError(h.metrics, err)
		observability.FromContext(r.Context()).WithError(err).Error("failed to read remaining quota")
		httputil.WriteServiceUnavailable(w, "store unavailable")
		return
	}

	httputil.WriteSuccess(w, AccountSummary{
		AccountID:      rec.AccountID,
		IsPaid:         rec.IsPaid,
		PlanLabel:      string(rec.PlanLabel),
		RemainingToday: remaining,
	})
}

// ListUsage returns recent usage entries for the caller
func (h *AccountHandlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.GetAccount(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			httputil.WriteBadRequest(w, "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	entries, err := h.usage.Recent(r.Context(), user.ID, limit)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to list usage entries")
		httputil.WriteServiceUnavailable(w, "store unavailable")
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{"entries": entries})
}

// validateEmail checks address shape and rejects disposable-mail domains.
func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return errors.New("invalid email address")
	}
	at := strings.LastIndex(addr.Address, "@")
	domain := strings.ToLower(addr.Address[at+1:])
	if blockedEmailDomains[domain] {
		return errors.New("disposable email addresses are not allowed")
	}
	return nil
}
