// Package identity verifies caller tokens against the external identity
// provider. Credential issuance, password reset, and session management all
// live with the provider; this package only answers "who is calling".
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnauthorized is returned for missing, malformed, or rejected tokens.
var ErrUnauthorized = errors.New("unauthorized")

// User is the verified caller identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verifier resolves a bearer token to a user.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (*User, error)
}

// Config for the provider's REST auth API.
type Config struct {
	BaseURL    string // e.g. https://<project>.supabase.co
	AnonKey    string // public API key sent on user-scoped calls
	ServiceKey string // privileged key for admin operations
	Timeout    time.Duration
}

// Client implements Verifier over the provider's HTTP API.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates an identity client with a bounded request timeout.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// VerifyToken asks the provider who the token belongs to. Any rejection maps
// to ErrUnauthorized; transport failures surface as wrapped errors so callers
// can distinguish "bad token" from "provider unreachable".
func (c *Client) VerifyToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", c.cfg.AnonKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity provider returned %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	if user.ID == "" {
		return nil, ErrUnauthorized
	}
	return &user, nil
}

// DeleteUser removes the provider-side account. Used by the account deletion
// cascade after local rows are gone.
func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.cfg.BaseURL+"/auth/v1/admin/users/"+userID, nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.ServiceKey)
	req.Header.Set("apikey", c.cfg.ServiceKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("identity provider returned %d deleting user", resp.StatusCode)
	}
	return nil
}
