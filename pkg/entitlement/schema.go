package entitlement

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema for the entitlement tables. quota_reset_date is a plain YYYY-MM-DD
// string so the reset comparison stays engine-independent.
const schema = `
CREATE TABLE IF NOT EXISTS account_entitlements (
	account_id               TEXT PRIMARY KEY,
	is_paid                  BOOLEAN NOT NULL DEFAULT FALSE,
	plan_label               TEXT NOT NULL DEFAULT 'none',
	billing_customer_ref     TEXT UNIQUE,
	billing_subscription_ref TEXT,
	daily_quota_remaining    INTEGER NOT NULL DEFAULT 3,
	quota_reset_date         TEXT,
	created_at               TIMESTAMPTZ NOT NULL,
	updated_at               TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS rewrite_usage (
	id         BIGSERIAL PRIMARY KEY,
	account_id TEXT NOT NULL,
	recipient  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rewrite_usage_account_created
	ON rewrite_usage (account_id, created_at);
`

// InitSchema creates the entitlement tables if they do not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize entitlement schema: %w", err)
	}
	return nil
}
