package entitlement

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Store failures must surface as StoreError so callers can tell an outage
// apart from a business outcome and fail closed.
func TestRepositoryStoreErrors(t *testing.T) {
	ctx := context.Background()
	dbErr := errors.New("connection reset by peer")

	newMockRepo := func(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return NewPostgresRepository(db, 3), mock
	}

	t.Run("get", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT").WillReturnError(dbErr)

		_, err := repo.Get(ctx, "acct")
		assert.True(t, IsStoreError(err))
		assert.ErrorIs(t, err, dbErr)
	})

	t.Run("decrement", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("UPDATE account_entitlements").WillReturnError(dbErr)

		allowed, _, err := repo.DecrementQuotaIfPositive(ctx, "acct")
		assert.False(t, allowed)
		assert.True(t, IsStoreError(err))
	})

	t.Run("reset", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("UPDATE account_entitlements").WillReturnError(dbErr)

		_, err := repo.ResetAndGetQuota(ctx, "acct", "2026-08-28")
		assert.True(t, IsStoreError(err))
	})

	t.Run("upsert billing fields", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE account_entitlements").WillReturnError(dbErr)

		err := repo.UpsertBillingFields(ctx, "acct", BillingFields{CustomerRef: "cus_1"})
		assert.True(t, IsStoreError(err))
	})

	t.Run("not found is not a store error", func(t *testing.T) {
		assert.False(t, IsStoreError(ErrNotFound))
		assert.False(t, IsStoreError(nil))
	})
}
