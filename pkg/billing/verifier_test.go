package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

func signPayload(t *testing.T, payload []byte, ts int64, secret string) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func newTestVerifier(at time.Time) *Verifier {
	v := NewVerifier(testSecret, DefaultTolerance)
	v.now = func() time.Time { return at }
	return v
}

func TestVerifierSignatureChecks(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := []byte(`{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","customer":"cus_1","status":"active"}}}`)

	t.Run("valid signature", func(t *testing.T) {
		v := newTestVerifier(now)
		ev, err := v.Verify(payload, signPayload(t, payload, now.Unix(), testSecret))
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, "evt_1", ev.ID)
		assert.Equal(t, EventSubscriptionUpdated, ev.Type)
		assert.Equal(t, "cus_1", ev.CustomerRef)
		assert.Equal(t, "sub_1", ev.SubscriptionRef)
		assert.True(t, ev.Entitled())
	})

	t.Run("missing header", func(t *testing.T) {
		v := newTestVerifier(now)
		ev, err := v.Verify(payload, "")
		assert.Nil(t, ev)
		var verr *VerificationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("wrong secret", func(t *testing.T) {
		v := newTestVerifier(now)
		ev, err := v.Verify(payload, signPayload(t, payload, now.Unix(), "whsec_other"))
		assert.Nil(t, ev)
		var verr *VerificationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Reason, "no matching signature")
	})

	t.Run("tampered payload", func(t *testing.T) {
		v := newTestVerifier(now)
		header := signPayload(t, payload, now.Unix(), testSecret)
		tampered := []byte(`{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","customer":"cus_2","status":"active"}}}`)
		ev, err := v.Verify(tampered, header)
		assert.Nil(t, ev)
		assert.Error(t, err)
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		v := newTestVerifier(now)
		old := now.Add(-10 * time.Minute).Unix()
		ev, err := v.Verify(payload, signPayload(t, payload, old, testSecret))
		assert.Nil(t, ev)
		var verr *VerificationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Reason, "timestamp")
	})

	t.Run("second v1 signature accepted", func(t *testing.T) {
		// During secret rotation the provider sends multiple signatures.
		v := newTestVerifier(now)
		good := signPayload(t, payload, now.Unix(), testSecret)
		bad := signPayload(t, payload, now.Unix(), "whsec_rotating_out")
		header := bad + ",v1=" + good[len(fmt.Sprintf("t=%d,v1=", now.Unix())):]
		ev, err := v.Verify(payload, header)
		require.NoError(t, err)
		assert.NotNil(t, ev)
	})

	t.Run("malformed json rejected after signature passes", func(t *testing.T) {
		v := newTestVerifier(now)
		garbage := []byte(`{not json`)
		ev, err := v.Verify(garbage, signPayload(t, garbage, now.Unix(), testSecret))
		assert.Nil(t, ev)
		assert.Error(t, err)
	})
}

func TestVerifierEventMapping(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("checkout session carries hint and sibling subscription", func(t *testing.T) {
		payload := []byte(`{
			"id": "evt_co",
			"type": "checkout.session.completed",
			"data": {"object": {
				"id": "cs_1",
				"customer": "cus_9",
				"subscription": "sub_9",
				"metadata": {"account_id": "acct-42"}
			}}
		}`)
		v := newTestVerifier(now)
		ev, err := v.Verify(payload, signPayload(t, payload, now.Unix(), testSecret))
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, EventCheckoutCompleted, ev.Type)
		assert.Equal(t, "cus_9", ev.CustomerRef)
		assert.Equal(t, "sub_9", ev.SubscriptionRef)
		assert.Equal(t, "acct-42", ev.AccountIDHint)
	})

	t.Run("subscription event carries price ref", func(t *testing.T) {
		payload := []byte(`{
			"id": "evt_sub",
			"type": "customer.subscription.created",
			"data": {"object": {
				"id": "sub_2",
				"customer": "cus_2",
				"status": "trialing",
				"items": {"data": [{"price": {"id": "price_monthly"}}]}
			}}
		}`)
		v := newTestVerifier(now)
		ev, err := v.Verify(payload, signPayload(t, payload, now.Unix(), testSecret))
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, "price_monthly", ev.PriceRef)
		assert.True(t, ev.Entitled())
	})

	t.Run("unknown event type is acknowledged as nil", func(t *testing.T) {
		payload := []byte(`{"id":"evt_x","type":"invoice.paid","data":{"object":{}}}`)
		v := newTestVerifier(now)
		ev, err := v.Verify(payload, signPayload(t, payload, now.Unix(), testSecret))
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("canceled status is not entitled", func(t *testing.T) {
		ev := &Event{Status: StatusCanceled}
		assert.False(t, ev.Entitled())
	})
}
