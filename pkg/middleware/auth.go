// Package middleware provides HTTP middleware for authentication.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tonemend/tonemend/pkg/contextkeys"
	"github.com/tonemend/tonemend/pkg/httputil"
	"github.com/tonemend/tonemend/pkg/identity"
	"github.com/tonemend/tonemend/pkg/observability"
)

// Auth verifies the bearer token on each request against the identity
// provider and stores the resolved user in the request context. Requests
// without a valid token are rejected with 401 before any quota accounting
// happens.
func Auth(verifier identity.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				httputil.WriteUnauthorized(w, "missing authorization token")
				return
			}

			user, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				if errors.Is(err, identity.ErrUnauthorized) {
					httputil.WriteUnauthorized(w, "invalid or expired token")
					return
				}
				observability.FromContext(r.Context()).WithError(err).Error("identity verification failed")
				httputil.WriteServiceUnavailable(w, "identity provider unavailable")
				return
			}

			ctx := contextkeys.WithAccount(r.Context(), user)
			ctx = observability.WithAccountID(ctx, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
