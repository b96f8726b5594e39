// Package cursor manages incremental-pull cursor state: the
// (queryId, lastUpdatedAt) pairs that let a repeated incremental pull
// fetch only records changed since the previous run. Cursors are
// stored in the reserved sync_cursor table, migrated alongside op_log.
package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when no cursor has been recorded for a queryId.
var ErrNotFound = errors.New("cursor: not found")

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// Store manages cursor rows against the shared store connection.
type Store struct {
	db *sql.DB
}

// New returns a cursor Store backed by db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the last recorded updatedAt for queryId, or ErrNotFound.
func (s *Store) Get(ctx context.Context, queryID string) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_updated_at FROM sync_cursor WHERE query_id = ?`, queryID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, queryID)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor: get %s: %w", queryID, err)
	}
	t, err := time.Parse(rfc3339Milli, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor: parse %s: %w", queryID, err)
	}
	return t, nil
}

// Set advances the cursor for (queryID, tableName) to updatedAt. Safe
// to call whether or not a row already exists.
func (s *Store) Set(ctx context.Context, queryID, tableName string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursor (query_id, table_name, last_updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(query_id) DO UPDATE SET last_updated_at = excluded.last_updated_at
	`, queryID, tableName, updatedAt.UTC().Format(rfc3339Milli))
	if err != nil {
		return fmt.Errorf("cursor: set %s: %w", queryID, err)
	}
	return nil
}

// DeleteForTable removes every cursor scoped to tableName. Purge makes
// the same deletion through DeleteForTableOp when its query has no
// filter.
func (s *Store) DeleteForTable(ctx context.Context, tableName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_cursor WHERE table_name = ?`, tableName)
	if err != nil {
		return fmt.Errorf("cursor: delete for table %s: %w", tableName, err)
	}
	return nil
}

type tableClearOp struct{ tableName string }

func (o tableClearOp) Apply(tx *sql.Tx) error {
	_, err := tx.Exec(`DELETE FROM sync_cursor WHERE table_name = ?`, o.tableName)
	if err != nil {
		return fmt.Errorf("cursor: delete for table %s: %w", o.tableName, err)
	}
	return nil
}

// DeleteForTableOp returns a raw transactional mutation equivalent to
// DeleteForTable, for callers (purge) that must fold it into the same
// executeBatch transaction as other store mutations.
func (s *Store) DeleteForTableOp(tableName string) interface{ Apply(tx *sql.Tx) error } {
	return tableClearOp{tableName: tableName}
}
