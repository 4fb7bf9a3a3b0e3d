package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoBillingCustomer is returned when a portal session is requested for an
// account that has never completed checkout.
var ErrNoBillingCustomer = errors.New("account has no billing customer")

// PriceTable maps the two plan selectors onto provider price ids.
type PriceTable struct {
	MonthlyPriceID string
	YearlyPriceID  string
}

// PriceFor returns the price id for a plan selector ("monthly" or "yearly").
func (p PriceTable) PriceFor(plan string) (string, bool) {
	switch plan {
	case "monthly":
		return p.MonthlyPriceID, p.MonthlyPriceID != ""
	case "yearly":
		return p.YearlyPriceID, p.YearlyPriceID != ""
	}
	return "", false
}

// PlanFor reverses the mapping for events carrying a price ref. Unknown price
// refs map to "none"; the paid flag is derived from status, not from here.
func (p PriceTable) PlanFor(priceRef string) string {
	switch priceRef {
	case p.MonthlyPriceID:
		return "monthly"
	case p.YearlyPriceID:
		return "yearly"
	}
	return "none"
}

// ClientConfig configures the checkout/portal gateway.
type ClientConfig struct {
	APIBaseURL string // provider REST base, e.g. https://api.stripe.com
	APIKey     string
	SiteURL    string // return/redirect base for hosted pages
	Prices     PriceTable
	Timeout    time.Duration
}

// Client is a thin passthrough to the billing provider's hosted checkout and
// portal session endpoints. Its one hard contract: every checkout session
// carries the account id in session metadata, since that metadata is the only
// channel by which a completed checkout can be tied back to an account.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient creates a gateway client with a bounded request timeout.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// CheckoutSession is the subset of the provider's session object we surface.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession requests a hosted subscription checkout for the given
// account and plan selector, attaching the account id as session metadata.
func (c *Client) CreateCheckoutSession(ctx context.Context, accountID, email, plan string) (*CheckoutSession, error) {
	priceID, ok := c.cfg.Prices.PriceFor(plan)
	if !ok {
		return nil, fmt.Errorf("unknown plan %q", plan)
	}

	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("customer_email", email)
	form.Set("line_items[0][price]", priceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", c.cfg.SiteURL+"/success")
	form.Set("cancel_url", c.cfg.SiteURL+"/cancel")
	form.Set("metadata["+MetadataAccountIDKey+"]", accountID)

	session := &CheckoutSession{}
	if err := c.postForm(ctx, "/v1/checkout/sessions", form, session); err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return session, nil
}

// PortalSession points at the provider's hosted subscription management page.
type PortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreatePortalSession requests a hosted management session for an existing
// billing customer.
func (c *Client) CreatePortalSession(ctx context.Context, customerRef string) (*PortalSession, error) {
	if customerRef == "" {
		return nil, ErrNoBillingCustomer
	}

	form := url.Values{}
	form.Set("customer", customerRef)
	form.Set("return_url", c.cfg.SiteURL+"/account")

	session := &PortalSession{}
	if err := c.postForm(ctx, "/v1/billing_portal/sessions", form, session); err != nil {
		return nil, fmt.Errorf("failed to create portal session: %w", err)
	}
	return session, nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIBaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
