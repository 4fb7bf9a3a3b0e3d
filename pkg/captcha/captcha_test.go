package captcha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBypassList(t *testing.T) {
	v := NewVerifier(Config{
		BypassEmails: []string{"Pro@Tonemend.com", " free@tonemend.com "},
	})

	assert.True(t, v.Bypassed("pro@tonemend.com"))
	assert.True(t, v.Bypassed("FREE@tonemend.com"))
	assert.False(t, v.Bypassed("someone@tonemend.com"))
	assert.False(t, v.Bypassed(""))
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	newServer := func(t *testing.T, success bool, gotForm *map[string][]string) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			if gotForm != nil {
				*gotForm = r.PostForm
			}
			w.Header().Set("Content-Type", "application/json")
			if success {
				w.Write([]byte(`{"success":true}`))
			} else {
				w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
			}
		}))
		t.Cleanup(srv.Close)
		return srv
	}

	t.Run("successful challenge", func(t *testing.T) {
		var form map[string][]string
		srv := newServer(t, true, &form)
		v := NewVerifier(Config{VerifyURL: srv.URL, Secret: "cf_secret"})

		require.NoError(t, v.Verify(ctx, "user@example.com", "tok_abc"))
		assert.Equal(t, []string{"cf_secret"}, form["secret"])
		assert.Equal(t, []string{"tok_abc"}, form["response"])
	})

	t.Run("failed challenge", func(t *testing.T) {
		srv := newServer(t, false, nil)
		v := NewVerifier(Config{VerifyURL: srv.URL, Secret: "cf_secret"})

		assert.ErrorIs(t, v.Verify(ctx, "user@example.com", "tok_bad"), ErrChallengeFailed)
	})

	t.Run("missing token", func(t *testing.T) {
		v := NewVerifier(Config{VerifyURL: "http://unused", Secret: "cf_secret"})
		assert.ErrorIs(t, v.Verify(ctx, "user@example.com", ""), ErrTokenRequired)
	})

	t.Run("allowlisted email skips the provider", func(t *testing.T) {
		// VerifyURL points nowhere; a network call would fail the test.
		v := NewVerifier(Config{
			VerifyURL:    "http://127.0.0.1:1",
			Secret:       "cf_secret",
			BypassEmails: []string{"pro@tonemend.com"},
		})
		assert.NoError(t, v.Verify(ctx, "pro@tonemend.com", ""))
	})

	t.Run("provider unreachable", func(t *testing.T) {
		v := NewVerifier(Config{VerifyURL: "http://127.0.0.1:1", Secret: "cf_secret"})
		err := v.Verify(ctx, "user@example.com", "tok_abc")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrChallengeFailed)
	})
}
