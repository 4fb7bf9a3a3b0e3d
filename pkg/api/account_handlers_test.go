package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonemend/tonemend/pkg/identity"
)

func TestCreateAccountEndpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("creates the entitlement record", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(t, http.MethodPost, "/api/v1/accounts", CreateAccountRequest{}, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		rec, err := env.repo.Get(ctx, testUserID)
		require.NoError(t, err)
		assert.False(t, rec.IsPaid)
		assert.Equal(t, 3, rec.DailyQuotaRemaining)
	})

	t.Run("retried creation keeps the spent counter", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(t, http.MethodPost, "/api/v1/accounts", CreateAccountRequest{}, true)
		resp.Body.Close()
		_, _, err := env.repo.DecrementQuotaIfPositive(ctx, testUserID)
		require.NoError(t, err)

		resp = env.do(t, http.MethodPost, "/api/v1/accounts", CreateAccountRequest{}, true)
		resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		rec, err := env.repo.Get(ctx, testUserID)
		require.NoError(t, err)
		assert.Equal(t, 2, rec.DailyQuotaRemaining)
	})

	t.Run("rejects disposable email domains", func(t *testing.T) {
		env := newTestEnv(t)
		env.identity.user = &identity.User{ID: "acct-spam", Email: "spam@mailinator.com"}

		resp := env.do(t, http.MethodPost, "/api/v1/accounts", CreateAccountRequest{}, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("requires a captcha token off the allowlist", func(t *testing.T) {
		env := newTestEnv(t)
		env.identity.user = &identity.User{ID: "acct-other", Email: "other@example.org"}

		resp := env.do(t, http.MethodPost, "/api/v1/accounts", CreateAccountRequest{}, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestDeleteAccountEndpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("cascades usage, record, then identity user", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.repo.Create(ctx, testUserID))
		_, err := env.db.Exec(
			`INSERT INTO rewrite_usage (account_id, recipient, created_at) VALUES ($1, 'boss', CURRENT_TIMESTAMP)`,
			testUserID)
		require.NoError(t, err)

		resp := env.do(t, http.MethodDelete, "/api/v1/accounts", nil, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		_, err = env.repo.Get(ctx, testUserID)
		assert.Error(t, err)

		var count int
		require.NoError(t, env.db.QueryRow(
			`SELECT COUNT(*) FROM rewrite_usage WHERE account_id = $1`, testUserID).Scan(&count))
		assert.Zero(t, count)

		assert.Equal(t, []string{testUserID}, env.identity.deletedIDs)
	})

	t.Run("identity failure leaves the user deletable later", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.repo.Create(ctx, testUserID))
		env.identity.deleteErr = assert.AnError

		resp := env.do(t, http.MethodDelete, "/api/v1/accounts", nil, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestGetAccountEndpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("free account summary", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.repo.Create(ctx, testUserID))

		resp := env.do(t, http.MethodGet, "/api/v1/account", nil, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body AccountSummary
		decodeBody(t, resp, &body)
		assert.Equal(t, testUserID, body.AccountID)
		assert.False(t, body.IsPaid)
		assert.Equal(t, "none", body.PlanLabel)
		assert.Equal(t, 3, body.RemainingToday)
	})

	t.Run("summary read does not spend quota", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.repo.Create(ctx, testUserID))

		for i := 0; i < 4; i++ {
			resp := env.do(t, http.MethodGet, "/api/v1/account", nil, true)
			resp.Body.Close()
		}

		rec, err := env.repo.Get(ctx, testUserID)
		require.NoError(t, err)
		assert.Equal(t, 3, rec.DailyQuotaRemaining)
	})

	t.Run("paid account summary", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.repo.Create(ctx, testUserID))
		require.NoError(t, env.repo.UpsertBillingFields(ctx, testUserID, paidFields("cus_1")))

		resp := env.do(t, http.MethodGet, "/api/v1/account", nil, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body AccountSummary
		decodeBody(t, resp, &body)
		assert.True(t, body.IsPaid)
		assert.Equal(t, "monthly", body.PlanLabel)
		assert.Equal(t, -1, body.RemainingToday)
	})

	t.Run("missing account", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(t, http.MethodGet, "/api/v1/account", nil, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestListUsageEndpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("returns newest entries first", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.repo.Create(ctx, testUserID))
		for _, recipient := range []string{"boss", "friend", "partner"} {
			_, err := env.db.Exec(
				`INSERT INTO rewrite_usage (account_id, recipient, created_at) VALUES ($1, $2, CURRENT_TIMESTAMP)`,
				testUserID, recipient)
			require.NoError(t, err)
		}

		resp := env.do(t, http.MethodGet, "/api/v1/usage", nil, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Entries []struct {
				Recipient string `json:"recipient"`
			} `json:"entries"`
		}
		decodeBody(t, resp, &body)
		assert.Len(t, body.Entries, 3)
	})

	t.Run("limit is validated", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(t, http.MethodGet, "/api/v1/usage?limit=9000", nil, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
