package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tonemend/tonemend/pkg/billing"
	"github.com/tonemend/tonemend/pkg/captcha"
	"github.com/tonemend/tonemend/pkg/entitlement"
	"github.com/tonemend/tonemend/pkg/httputil"
	"github.com/tonemend/tonemend/pkg/identity"
	"github.com/tonemend/tonemend/pkg/middleware"
	"github.com/tonemend/tonemend/pkg/observability"
	"github.com/tonemend/tonemend/pkg/quota"
	"github.com/tonemend/tonemend/pkg/rewrite"
	"github.com/tonemend/tonemend/pkg/usage"
)

// AccountDeleter removes an account from the identity provider. Split from
// identity.Verifier because only the delete flow needs the admin credential.
type AccountDeleter interface {
	DeleteUser(ctx context.Context, userID string) error
}

// Server wires the HTTP surface: account lifecycle, the metered rewrite
// endpoint, and the billing integration (checkout, portal, webhook).
type Server struct {
	router *mux.Router

	logger  *observability.Logger
	metrics *observability.Metrics
}

// Dependencies carries the collaborators the server routes requests to.
type Dependencies struct {
	Repo      entitlement.Repository
	Enforcer  *quota.Enforcer
	Generator rewrite.Generator
	Usage     *usage.Log

	Billing    *billing.Client
	Verifier   *billing.Verifier
	Deduper    *billing.Deduper
	Reconciler *entitlement.Reconciler

	Identity identity.Verifier
	Accounts AccountDeleter
	Captcha  *captcha.Verifier

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewServer builds the router with all routes and middleware registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}

	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(httputil.LoggerMiddleware(deps.Logger))
	s.router.Use(httputil.RecoveryMiddleware)
	s.router.Use(httputil.LoggingMiddleware)
	s.router.Use(instrumentMiddleware(deps.Metrics))

	authed := middleware.Auth(deps.Identity)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	rewriteHandlers := NewRewriteHandlers(deps.Enforcer, deps.Generator, deps.Usage, deps.Metrics)
	rewriteHandlers.RegisterRoutes(v1, authed)

	accountHandlers := NewAccountHandlers(deps.Repo, deps.Usage, deps.Enforcer, deps.Accounts, deps.Captcha, deps.Metrics)
	accountHandlers.RegisterRoutes(v1, authed)

	billingHandlers := NewBillingHandlers(deps.Repo, deps.Billing, deps.Verifier, deps.Deduper, deps.Reconciler, deps.Metrics)
	billingHandlers.RegisterRoutes(v1, authed)

	return s
}

// Router returns the configured router for mounting on an http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

// instrumentMiddleware records request count and duration, labeling by the
// matched route template so path cardinality stays bounded.
func instrumentMiddleware(m *observability.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			m.InstrumentHandler(path, next).ServeHTTP(w, r)
		})
	}
}

// recordStoreError counts a store failure by operation when err wraps one.
func recordStoreError(m *observability.Metrics, err error) {
	var se *entitlement.StoreError
	if errors.As(err, &se) {
		m.StoreErrorsTotal.WithLabelValues(se.Op).Inc()
	}
}
