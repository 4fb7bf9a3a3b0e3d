// Package usage records metered actions for observability. Appends are
// best-effort: a failed insert never rolls back a spent quota unit and never
// fails the user request.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Entry is one logged metered action.
type Entry struct {
	ID        int64     `json:"id"`
	AccountID string    `json:"account_id"`
	Recipient string    `json:"recipient,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Log stores usage entries in the relational store.
type Log struct {
	db *sql.DB
}

// NewLog creates a usage log backed by the given database.
func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

// Append records one metered action.
func (l *Log) Append(ctx context.Context, accountID, recipient string) error {
	query := `INSERT INTO rewrite_usage (account_id, recipient, created_at) VALUES ($1, $2, $3)`
	if _, err := l.db.ExecContext(ctx, query, accountID, recipient, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to append usage entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries for an account, newest first.
func (l *Log) Recent(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, account_id, recipient, created_at
		FROM rewrite_usage
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := l.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Recipient, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteForAccount removes all entries for an account. Part of the account
// deletion cascade; runs before the entitlement record is dropped.
func (l *Log) DeleteForAccount(ctx context.Context, accountID string) error {
	query := `DELETE FROM rewrite_usage WHERE account_id = $1`
	if _, err := l.db.ExecContext(ctx, query, accountID); err != nil {
		return fmt.Errorf("failed to delete usage entries: %w", err)
	}
	return nil
}

// PurgeOlderThan removes entries created before the cutoff and returns how
// many were dropped. Driven by the janitor's retention schedule.
func (l *Log) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM rewrite_usage WHERE created_at < $1`
	res, err := l.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge usage entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged entries: %w", err)
	}
	return n, nil
}
