package billing

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// DedupTTL bounds how long processed event ids are remembered. Redelivery
// beyond the window is harmless because reconciler transitions are absolute.
const DedupTTL = 24 * time.Hour

// Deduper suppresses redelivered webhook events. It is best-effort: a Redis
// failure reports the event as unseen rather than blocking delivery.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduper creates a Deduper. A nil client disables dedup entirely.
func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DedupTTL
	}
	return &Deduper{client: client, ttl: ttl}
}

// Seen reports whether the event id has already been applied. It never marks:
// an event is recorded via MarkApplied only after the reconciler succeeds, so
// a failed delivery stays eligible for provider redelivery.
func (d *Deduper) Seen(ctx context.Context, eventID string) bool {
	if d == nil || d.client == nil || eventID == "" {
		return false
	}
	n, err := d.client.Exists(ctx, dedupKey(eventID)).Result()
	if err != nil {
		// Fail open: the reconciler is idempotent under redelivery.
		return false
	}
	return n > 0
}

// MarkApplied records the event id after a successful apply. Best-effort: a
// Redis failure only means a later redelivery reaches the idempotent
// reconciler again.
func (d *Deduper) MarkApplied(ctx context.Context, eventID string) {
	if d == nil || d.client == nil || eventID == "" {
		return
	}
	d.client.Set(ctx, dedupKey(eventID), 1, d.ttl)
}

func dedupKey(eventID string) string {
	return "billing:event:" + eventID
}
