// Package contextkeys centralizes the context key definitions shared by
// middleware and handlers, so key usage stays discoverable and typo-free.
package contextkeys

import (
	"context"

	"github.com/tonemend/tonemend/pkg/identity"
)

// Key is the type for context keys to prevent collisions.
type Key string

const (
	// AccountKey contains the *identity.User for the authenticated caller.
	// Set by: middleware.Auth (pkg/middleware/auth.go)
	// Required by: all account-scoped endpoints
	AccountKey Key = "account"
)

// WithAccount adds the authenticated caller to the context.
func WithAccount(ctx context.Context, user *identity.User) context.Context {
	return context.WithValue(ctx, AccountKey, user)
}

// GetAccount retrieves the authenticated caller from the context. Returns nil
// when no auth middleware ran for this request.
func GetAccount(ctx context.Context) *identity.User {
	if user, ok := ctx.Value(AccountKey).(*identity.User); ok {
		return user
	}
	return nil
}
