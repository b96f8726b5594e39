package oplog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// idempotencyTimeFormat matches the column's TEXT affinity with a
// lexicographically sortable, unambiguous timestamp: fixed-width
// nanoseconds, always written in UTC.
const idempotencyTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// CheckIdempotency returns a previously cached push response for key,
// or found=false if no unexpired entry exists. Push uses this, keyed
// by the op's seq, to detect a retry of an op whose remote call
// already succeeded once (app crash between the remote accepting the
// write and the local op-removal transaction committing) without
// resending it. Adapted from the remote table service's own
// push-idempotency cache, applied here on the client side of the same
// at-least-once hazard.
func (l *Log) CheckIdempotency(ctx context.Context, key string) (response string, found bool, err error) {
	var expiresAt string
	row := l.db.QueryRowContext(ctx,
		`SELECT response, expires_at FROM push_idempotency WHERE push_id = ?`, key)
	if err := row.Scan(&response, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("oplog: check idempotency %q: %w", key, err)
	}
	expiry, err := time.Parse(idempotencyTimeFormat, expiresAt)
	if err != nil {
		return "", false, fmt.Errorf("oplog: parse idempotency expiry %q: %w", key, err)
	}
	if time.Now().After(expiry) {
		return "", false, nil
	}
	return response, true, nil
}

// RecordIdempotency caches response under key until ttl elapses,
// overwriting any prior entry for the same key (a retried op reusing
// the same seq-derived key after its cached entry expired).
func (l *Log) RecordIdempotency(ctx context.Context, key, response string, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl).Format(idempotencyTimeFormat)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO push_idempotency (push_id, response, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(push_id) DO UPDATE SET response = excluded.response, expires_at = excluded.expires_at`,
		key, response, expiresAt)
	if err != nil {
		return fmt.Errorf("oplog: record idempotency %q: %w", key, err)
	}
	return nil
}

// PruneExpiredIdempotency deletes every cached response whose TTL has
// elapsed, keeping the table from growing unbounded across long-lived
// local stores. Not called automatically; callers (e.g. a periodic
// maintenance task) invoke it on their own schedule.
func (l *Log) PruneExpiredIdempotency(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM push_idempotency WHERE expires_at < ?`, time.Now().UTC().Format(idempotencyTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("oplog: prune idempotency: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
