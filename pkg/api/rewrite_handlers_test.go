package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteEndpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("requires auth", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(t, http.MethodPost, "/api/v1/rewrite", RewriteRequest{Message: "hi"}, false)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Zero(t, env.generator.calls)
	})

	t.Run("free account gets exactly three per day", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.repo.Create(ctx, testUserID))

		for want := 2; want >= 0; want-- {
			resp := env.do(t, http.MethodPost, "/api/v1/rewrite", RewriteRequest{Message: "hello", Recipient: "boss"}, true)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var body RewriteResponse
			decodeBody(t, resp, &body)
			assert.Equal(t, "soft", body.Soft)
			assert.Equal(t, want, body.Remaining)
		}

		resp := env.do(t, http.MethodPost, "/api/v1/rewrite", RewriteRequest{Message: "hello"}, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

		// The generation provider was never called for the denied request.
		assert.Equal(t, 3, env.generator.calls)
	})

	t.Run("paid account is unmetered", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.repo.Create(ctx, testUserID))
		require.NoError(t, env.repo.UpsertBillingFields(ctx, testUserID, paidFields("cus_1")))

		for i := 0; i < 5; i++ {
			resp := env.do(t, http.MethodPost, "/api/v1/rewrite", RewriteRequest{Message: "hello"}, true)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var body RewriteResponse
			decodeBody(t, resp, &body)
			assert.Equal(t, -1, body.Remaining)
		}
		assert.Equal(t, 5, env.generator.calls)
	})

	t.Run("generation failure does not refund the unit", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.repo.Create(ctx, testUserID))
		env.generator.err = assert.AnError

		resp := env.do(t, http.MethodPost, "/api/v1/rewrite", RewriteRequest{Message: "hello"}, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

		rec, err := env.repo.Get(ctx, testUserID)
		require.NoError(t, err)
		assert.Equal(t, 2, rec.DailyQuotaRemaining)
	})

	t.Run("empty message rejected before the quota spend", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.repo.Create(ctx, testUserID))

		resp := env.do(t, http.MethodPost, "/api/v1/rewrite", RewriteRequest{Message: "   "}, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		rec, err := env.repo.Get(ctx, testUserID)
		require.NoError(t, err)
		assert.Equal(t, 3, rec.DailyQuotaRemaining)
	})

	t.Run("unknown account is denied", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(t, http.MethodPost, "/api/v1/rewrite", RewriteRequest{Message: "hello"}, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Zero(t, env.generator.calls)
	})

	t.Run("successful rewrite is logged to usage", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.repo.Create(ctx, testUserID))

		resp := env.do(t, http.MethodPost, "/api/v1/rewrite", RewriteRequest{Message: "hello", Recipient: "friend"}, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		var count int
		require.NoError(t, env.db.QueryRow(
			`SELECT COUNT(*) FROM rewrite_usage WHERE account_id = $1`, testUserID).Scan(&count))
		assert.Equal(t, 1, count)
	})
}
