package billing

// EventType identifies the billing-provider notifications the reconciler
// consumes. Everything else is acknowledged and ignored.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout_completed"
	EventSubscriptionCreated EventType = "subscription_created"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
)

// Subscription statuses as reported by the provider. Only active and
// trialing grant entitlement.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusCanceled = "canceled"
)

// Event is the verified, parsed form of a provider notification. It carries
// only the fields the reconciler needs; the raw payload is not retained.
type Event struct {
	ID              string    `json:"id"`
	Type            EventType `json:"type"`
	CustomerRef     string    `json:"customer_ref"`
	SubscriptionRef string    `json:"subscription_ref,omitempty"`
	PriceRef        string    `json:"price_ref,omitempty"`
	Status          string    `json:"status,omitempty"`
	// AccountIDHint is populated only from checkout session metadata; it is
	// the single channel linking a checkout back to a local account.
	AccountIDHint string `json:"account_id_hint,omitempty"`
}

// Entitled reports whether the event's subscription status grants paid access.
func (e *Event) Entitled() bool {
	return e.Status == StatusActive || e.Status == StatusTrialing
}

// providerEnvelope mirrors the provider's webhook JSON shape. Unknown fields
// are ignored by encoding/json.
type providerEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object providerObject `json:"object"`
	} `json:"data"`
}

type providerObject struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
	Items        struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// MetadataAccountIDKey is the checkout session metadata key carrying the
// local account id. The checkout gateway sets it; the verifier reads it.
const MetadataAccountIDKey = "account_id"
