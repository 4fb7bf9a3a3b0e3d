package entitlement

import (
	"context"
	"database/sql"
	"time"
)

// Repository is the narrow storage contract for entitlement records. The
// quota operations and billing-field writes are single atomic statements at
// the store; callers never compose them from separate read-modify-write
// round trips.
type Repository interface {
	Get(ctx context.Context, accountID string) (*Record, error)
	Create(ctx context.Context, accountID string) error
	Delete(ctx context.Context, accountID string) error
	FindByCustomerRef(ctx context.Context, customerRef string) (*Record, error)

	// UpsertBillingFields applies one absolute billing-field assignment keyed
	// by account id. The customer ref is assigned if the account is unlinked;
	// otherwise the stored value must match or ErrCustomerRefMismatch is
	// returned.
	UpsertBillingFields(ctx context.Context, accountID string, f BillingFields) error

	// UpdateBillingByCustomerRef applies one absolute billing-field assignment
	// keyed by the billing customer ref. Never assigns a new customer ref.
	UpdateBillingByCustomerRef(ctx context.Context, customerRef string, f BillingFields) error

	// ResetAndGetQuota atomically resets the counter to capacity if the stored
	// reset date differs from today, stamps today, and returns the counter.
	ResetAndGetQuota(ctx context.Context, accountID string, today string) (int, error)

	// DecrementQuotaIfPositive atomically decrements the counter when it is
	// above zero. Returns whether the decrement happened and the value after.
	DecrementQuotaIfPositive(ctx context.Context, accountID string) (allowed bool, remaining int, err error)
}

// PostgresRepository implements Repository over database/sql. The SQL sticks
// to portable single-statement conditional updates so the same queries back
// the in-memory SQLite used in tests.
type PostgresRepository struct {
	db       *sql.DB
	capacity int
}

// NewPostgresRepository creates a repository with the given daily quota
// capacity. A capacity <= 0 falls back to DefaultDailyQuota.
func NewPostgresRepository(db *sql.DB, capacity int) *PostgresRepository {
	if capacity <= 0 {
		capacity = DefaultDailyQuota
	}
	return &PostgresRepository{db: db, capacity: capacity}
}

// Capacity returns the configured per-day quota capacity.
func (r *PostgresRepository) Capacity() int { return r.capacity }

const recordColumns = `account_id, is_paid, plan_label,
	       COALESCE(billing_customer_ref, ''), COALESCE(billing_subscription_ref, ''),
	       daily_quota_remaining, COALESCE(quota_reset_date, ''), created_at, updated_at`

// Get retrieves the entitlement record for an account.
func (r *PostgresRepository) Get(ctx context.Context, accountID string) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM account_entitlements
		WHERE account_id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, accountID), "get")
}

// FindByCustomerRef retrieves the record linked to a billing customer ref.
func (r *PostgresRepository) FindByCustomerRef(ctx context.Context, customerRef string) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM account_entitlements
		WHERE billing_customer_ref = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, customerRef), "find_by_customer_ref")
}

func (r *PostgresRepository) scanOne(row *sql.Row, op string) (*Record, error) {
	rec := &Record{}
	err := row.Scan(
		&rec.AccountID, &rec.IsPaid, &rec.PlanLabel,
		&rec.BillingCustomerRef, &rec.BillingSubscriptionRef,
		&rec.DailyQuotaRemaining, &rec.QuotaResetDate,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: op, Err: err}
	}
	return rec, nil
}

// Create inserts a fresh free-tier record: full quota, reset date unset.
// Creating an account that already exists is a no-op, so a retried signup
// confirmation never resets an existing counter.
func (r *PostgresRepository) Create(ctx context.Context, accountID string) error {
	query := `
		INSERT INTO account_entitlements
			(account_id, is_paid, plan_label, daily_quota_remaining, created_at, updated_at)
		VALUES ($1, FALSE, 'none', $2, $3, $4)
		ON CONFLICT (account_id) DO NOTHING
	`
	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, query, accountID, r.capacity, now, now); err != nil {
		return &StoreError{Op: "create", Err: err}
	}
	return nil
}

// Delete removes the entitlement record. Usage-log rows are purged by the
// caller before this runs.
func (r *PostgresRepository) Delete(ctx context.Context, accountID string) error {
	query := `DELETE FROM account_entitlements WHERE account_id = $1`
	res, err := r.db.ExecContext(ctx, query, accountID)
	if err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertBillingFields writes the checkout transition. The WHERE clause makes
// the assign-or-match rule on the customer ref part of the same statement, so
// two racing webhook deliveries cannot link conflicting refs. An empty
// customer ref stores as NULL; the column is UNIQUE and empty strings from
// two accounts would collide.
func (r *PostgresRepository) UpsertBillingFields(ctx context.Context, accountID string, f BillingFields) error {
	query := `
		UPDATE account_entitlements
		SET is_paid = $1, plan_label = $2, billing_subscription_ref = $3,
		    billing_customer_ref = $4, updated_at = $5
		WHERE account_id = $6
		  AND (billing_customer_ref IS NULL OR billing_customer_ref = $7)
	`
	res, err := r.db.ExecContext(ctx, query,
		f.IsPaid, f.PlanLabel, nullable(f.SubscriptionRef),
		nullable(f.CustomerRef), time.Now().UTC(), accountID, f.CustomerRef,
	)
	if err != nil {
		return &StoreError{Op: "upsert_billing_fields", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "upsert_billing_fields", Err: err}
	}
	if n == 0 {
		// Either the account does not exist or it is linked to another ref.
		if _, getErr := r.Get(ctx, accountID); getErr != nil {
			return getErr
		}
		return ErrCustomerRefMismatch
	}
	return nil
}

// UpdateBillingByCustomerRef writes subscription lifecycle transitions.
func (r *PostgresRepository) UpdateBillingByCustomerRef(ctx context.Context, customerRef string, f BillingFields) error {
	query := `
		UPDATE account_entitlements
		SET is_paid = $1, plan_label = $2, billing_subscription_ref = $3, updated_at = $4
		WHERE billing_customer_ref = $5
	`
	res, err := r.db.ExecContext(ctx, query,
		f.IsPaid, f.PlanLabel, nullable(f.SubscriptionRef), time.Now().UTC(), customerRef,
	)
	if err != nil {
		return &StoreError{Op: "update_billing_by_customer_ref", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "update_billing_by_customer_ref", Err: err}
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetAndGetQuota performs the at-most-once-per-date reset and returns the
// current counter, all in one statement. Calling it again on the same date
// leaves the counter untouched.
func (r *PostgresRepository) ResetAndGetQuota(ctx context.Context, accountID string, today string) (int, error) {
	query := `
		UPDATE account_entitlements
		SET daily_quota_remaining = CASE
		        WHEN quota_reset_date IS NULL OR quota_reset_date <> $1
		        THEN $2
		        ELSE daily_quota_remaining
		    END,
		    quota_reset_date = $3,
		    updated_at = $4
		WHERE account_id = $5
		RETURNING daily_quota_remaining
	`
	var remaining int
	err := r.db.QueryRowContext(ctx, query,
		today, r.capacity, today, time.Now().UTC(), accountID,
	).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, &StoreError{Op: "reset_and_get_quota", Err: err}
	}
	return remaining, nil
}

// DecrementQuotaIfPositive consumes one unit if any remain. The guard lives
// in the WHERE clause, so concurrent callers near the boundary cannot both
// win the last unit.
func (r *PostgresRepository) DecrementQuotaIfPositive(ctx context.Context, accountID string) (bool, int, error) {
	query := `
		UPDATE account_entitlements
		SET daily_quota_remaining = daily_quota_remaining - 1, updated_at = $1
		WHERE account_id = $2 AND daily_quota_remaining > 0
		RETURNING daily_quota_remaining
	`
	var remaining int
	err := r.db.QueryRowContext(ctx, query, time.Now().UTC(), accountID).Scan(&remaining)
	if err == sql.ErrNoRows {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, &StoreError{Op: "decrement_quota", Err: err}
	}
	return true, remaining, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
