package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds how stale a signed payload may be before it is
// rejected as a replay.
const DefaultTolerance = 5 * time.Minute

// VerificationError reports a webhook that failed signature or format checks.
// The provider retries delivery, so handlers map it to a 400 without leaking
// detail to end users.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("webhook verification failed: %s", e.Reason)
}

// Verifier authenticates inbound billing webhooks against the shared endpoint
// secret and parses them into Events. It never mutates state.
type Verifier struct {
	secret    string
	tolerance time.Duration

	now func() time.Time // test hook
}

// NewVerifier creates a Verifier. A tolerance <= 0 uses DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// Verify checks the signature header against the raw payload and parses the
// event. Unknown event types return (nil, nil): acknowledged but ignored.
//
// The header format is the provider's "t=<unix>,v1=<hex>" scheme where the
// signature is HMAC-SHA256 over "<t>.<payload>".
func (v *Verifier) Verify(payload []byte, sigHeader string) (*Event, error) {
	if sigHeader == "" {
		return nil, &VerificationError{Reason: "missing signature header"}
	}

	ts, sigs, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, err
	}

	if age := v.now().Unix() - ts; age > int64(v.tolerance.Seconds()) || age < -int64(v.tolerance.Seconds()) {
		return nil, &VerificationError{Reason: "timestamp outside tolerance"}
	}

	expected := computeSignature(payload, ts, v.secret)
	if !anySignatureMatches(expected, sigs) {
		return nil, &VerificationError{Reason: "no matching signature"}
	}

	var env providerEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &VerificationError{Reason: "malformed payload"}
	}

	return eventFromEnvelope(&env), nil
}

func parseSignatureHeader(header string) (ts int64, sigs []string, err error) {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err = strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, &VerificationError{Reason: "invalid timestamp"}
			}
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == 0 {
		return 0, nil, &VerificationError{Reason: "missing timestamp"}
	}
	if len(sigs) == 0 {
		return 0, nil, &VerificationError{Reason: "missing v1 signature"}
	}
	return ts, sigs, nil
}

func computeSignature(payload []byte, ts int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func anySignatureMatches(expected string, candidates []string) bool {
	for _, c := range candidates {
		if hmac.Equal([]byte(expected), []byte(c)) {
			return true
		}
	}
	return false
}

// eventFromEnvelope maps the provider envelope onto the internal event shape,
// returning nil for event types the reconciler does not consume.
func eventFromEnvelope(env *providerEnvelope) *Event {
	var typ EventType
	switch env.Type {
	case "checkout.session.completed":
		typ = EventCheckoutCompleted
	case "customer.subscription.created":
		typ = EventSubscriptionCreated
	case "customer.subscription.updated":
		typ = EventSubscriptionUpdated
	case "customer.subscription.deleted":
		typ = EventSubscriptionDeleted
	default:
		return nil
	}

	obj := env.Data.Object
	ev := &Event{
		ID:          env.ID,
		Type:        typ,
		CustomerRef: obj.Customer,
		Status:      obj.Status,
	}

	if len(obj.Items.Data) > 0 {
		ev.PriceRef = obj.Items.Data[0].Price.ID
	}

	if typ == EventCheckoutCompleted {
		// On checkout sessions the subscription id is a sibling field and the
		// account hint rides in the session metadata.
		ev.SubscriptionRef = obj.Subscription
		ev.AccountIDHint = obj.Metadata[MetadataAccountIDKey]
	} else {
		ev.SubscriptionRef = obj.ID
	}

	return ev
}
