package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonemend/tonemend/pkg/entitlement"
)

// stubRepo implements the quota-relevant slice of entitlement.Repository.
type stubRepo struct {
	rec *entitlement.Record

	getErr       error
	resetErr     error
	decrementErr error

	resetDates []string
}

func (s *stubRepo) Get(context.Context, string) (*entitlement.Record, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.rec == nil {
		return nil, entitlement.ErrNotFound
	}
	return s.rec, nil
}

func (s *stubRepo) ResetAndGetQuota(_ context.Context, _ string, today string) (int, error) {
	if s.resetErr != nil {
		return 0, s.resetErr
	}
	s.resetDates = append(s.resetDates, today)
	if s.rec.QuotaResetDate != today {
		s.rec.DailyQuotaRemaining = entitlement.DefaultDailyQuota
		s.rec.QuotaResetDate = today
	}
	return s.rec.DailyQuotaRemaining, nil
}

func (s *stubRepo) DecrementQuotaIfPositive(context.Context, string) (bool, int, error) {
	if s.decrementErr != nil {
		return false, 0, s.decrementErr
	}
	if s.rec.DailyQuotaRemaining <= 0 {
		return false, 0, nil
	}
	s.rec.DailyQuotaRemaining--
	return true, s.rec.DailyQuotaRemaining, nil
}

func (s *stubRepo) Create(context.Context, string) error              { return nil }
func (s *stubRepo) Delete(context.Context, string) error              { return nil }
func (s *stubRepo) FindByCustomerRef(context.Context, string) (*entitlement.Record, error) {
	return nil, entitlement.ErrNotFound
}
func (s *stubRepo) UpsertBillingFields(context.Context, string, entitlement.BillingFields) error {
	return nil
}
func (s *stubRepo) UpdateBillingByCustomerRef(context.Context, string, entitlement.BillingFields) error {
	return nil
}

func freeRecord(remaining int, resetDate string) *entitlement.Record {
	return &entitlement.Record{
		AccountID:           "acct-1",
		PlanLabel:           entitlement.PlanNone,
		DailyQuotaRemaining: remaining,
		QuotaResetDate:      resetDate,
	}
}

func enforcerAt(repo entitlement.Repository, at time.Time) *Enforcer {
	e := NewEnforcer(repo, time.UTC)
	e.now = func() time.Time { return at }
	return e
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	noon := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	t.Run("paid accounts bypass the counter", func(t *testing.T) {
		repo := &stubRepo{rec: &entitlement.Record{AccountID: "acct-1", IsPaid: true}}
		repo.decrementErr = errors.New("must not be called")

		d, err := enforcerAt(repo, noon).Authorize(ctx, "acct-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, -1, d.Remaining)
		assert.Empty(t, repo.resetDates)
	})

	t.Run("free account spends one unit", func(t *testing.T) {
		repo := &stubRepo{rec: freeRecord(3, "2026-08-28")}

		d, err := enforcerAt(repo, noon).Authorize(ctx, "acct-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2, d.Remaining)
		assert.Equal(t, []string{"2026-08-28"}, repo.resetDates)
	})

	t.Run("exhausted quota denies with limit_reached", func(t *testing.T) {
		repo := &stubRepo{rec: freeRecord(0, "2026-08-28")}

		d, err := enforcerAt(repo, noon).Authorize(ctx, "acct-1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonLimitReached, d.Reason)
		assert.Zero(t, d.Remaining)
	})

	t.Run("stale reset date refills before deciding", func(t *testing.T) {
		repo := &stubRepo{rec: freeRecord(0, "2026-08-27")}

		d, err := enforcerAt(repo, noon).Authorize(ctx, "acct-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2, d.Remaining)
	})

	t.Run("date boundary follows the configured timezone", func(t *testing.T) {
		// 23:30 UTC on the 27th is already the 28th in UTC+2.
		repo := &stubRepo{rec: freeRecord(3, "")}
		lateEvening := time.Date(2026, 8, 27, 23, 30, 0, 0, time.UTC)

		e := NewEnforcer(repo, time.FixedZone("UTC+2", 2*3600))
		e.now = func() time.Time { return lateEvening }

		_, err := e.Authorize(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"2026-08-28"}, repo.resetDates)
	})

	t.Run("unknown account propagates not found", func(t *testing.T) {
		repo := &stubRepo{}
		_, err := enforcerAt(repo, noon).Authorize(ctx, "acct-x")
		assert.ErrorIs(t, err, entitlement.ErrNotFound)
	})

	t.Run("store errors propagate for fail-closed handling", func(t *testing.T) {
		storeErr := &entitlement.StoreError{Op: "get", Err: errors.New("down")}

		for name, repo := range map[string]*stubRepo{
			"on get":       {getErr: storeErr},
			"on reset":     {rec: freeRecord(3, ""), resetErr: storeErr},
			"on decrement": {rec: freeRecord(3, "2026-08-28"), decrementErr: storeErr},
		} {
			t.Run(name, func(t *testing.T) {
				d, err := enforcerAt(repo, noon).Authorize(ctx, "acct-1")
				assert.True(t, entitlement.IsStoreError(err))
				assert.False(t, d.Allowed)
			})
		}
	})
}

func TestRemaining(t *testing.T) {
	ctx := context.Background()
	noon := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	t.Run("paid reports unlimited", func(t *testing.T) {
		repo := &stubRepo{rec: &entitlement.Record{AccountID: "acct-1", IsPaid: true}}
		remaining, err := enforcerAt(repo, noon).Remaining(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, -1, remaining)
	})

	t.Run("free reports the normalized counter without spending", func(t *testing.T) {
		repo := &stubRepo{rec: freeRecord(1, "2026-08-27")}

		remaining, err := enforcerAt(repo, noon).Remaining(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, 3, remaining)

		// Read again: still 3, nothing was spent.
		remaining, err = enforcerAt(repo, noon).Remaining(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, 3, remaining)
	})
}
