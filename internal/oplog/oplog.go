// Package oplog implements the Operation Log: the persistent, ordered
// record of pending local mutations that push replays to the remote
// table service. It is stored as an ordinary reserved table
// (op_log, migrated by internal/store/migrations.go) in the same
// connection as the Local Table Store, so its writes are always
// co-transactional with the data mutations they describe.
package oplog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Action is one of the three local mutation kinds a pending op records.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Entry is one pending operation log row.
type Entry struct {
	Seq       int64
	TableName string
	RecordID  string
	Action    Action
	Locked    bool
}

// ErrIDExists is returned when the coalescing table requires rejecting
// a new insert because an op for the same id is already pending
// (existing insert/update, new insert).
var ErrIDExists = errors.New("oplog: id already has a pending operation")

// ErrNotFound is returned when the coalescing table requires rejecting
// a new update because no data row is expected to exist (existing
// delete, new update).
var ErrNotFound = errors.New("oplog: no pending record to update")

// ErrNoOpLocked is returned by Lock when no op with the given seq
// exists.
var ErrNoOpLocked = errors.New("oplog: no operation is locked")

// Log is the Operation Log, bound to the store's shared connection.
type Log struct {
	db *sql.DB
}

// New returns an Operation Log backed by db, the same connection the
// Local Table Store uses.
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// batchOp is the raw transactional mutation returned by
// GetLoggingOperation. It satisfies store.TxOp structurally (same
// Apply(tx *sql.Tx) error method) without importing the store package.
type batchOp struct {
	fn func(tx *sql.Tx) error
}

func (b batchOp) Apply(tx *sql.Tx) error {
	return b.fn(tx)
}

// GetLoggingOperation resolves the coalescing decision for appending a
// new op of kind newAction against (tableName, recordID), consulting
// the currently pending op (if any) for that pair. It returns a
// transactional mutation the caller must append to the SAME
// executeBatch call that performs the corresponding data mutation —
// this is what keeps the log and the data table co-transactional.
//
// The coalescing table (spec §3):
//
//	existing \ new   insert          update        delete
//	insert           error           keep insert   drop both
//	update           error           keep update   -> delete
//	delete           -> update       error          keep delete
//	(none)           insert          update         delete
func (l *Log) GetLoggingOperation(ctx context.Context, tableName, recordID string, newAction Action) (interface{ Apply(tx *sql.Tx) error }, error) {
	existing, err := l.peek(ctx, tableName, recordID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return l.insertOp(tableName, recordID, newAction), nil
	}

	switch existing.Action {
	case ActionInsert:
		switch newAction {
		case ActionInsert:
			return nil, fmt.Errorf("%w: %s/%s", ErrIDExists, tableName, recordID)
		case ActionUpdate:
			return noop{}, nil // keep as insert
		case ActionDelete:
			return l.removeOp(existing.Seq), nil // drop both
		}
	case ActionUpdate:
		switch newAction {
		case ActionInsert:
			return nil, fmt.Errorf("%w: %s/%s", ErrIDExists, tableName, recordID)
		case ActionUpdate:
			return noop{}, nil // keep as update
		case ActionDelete:
			return l.replaceAction(existing.Seq, ActionDelete), nil
		}
	case ActionDelete:
		switch newAction {
		case ActionInsert:
			return l.replaceAction(existing.Seq, ActionUpdate), nil
		case ActionUpdate:
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, tableName, recordID)
		case ActionDelete:
			return noop{}, nil // keep as delete
		}
	}
	return nil, fmt.Errorf("oplog: unreachable coalescing state for action %q", newAction)
}

type noop struct{}

func (noop) Apply(tx *sql.Tx) error { return nil }

func (l *Log) insertOp(tableName, recordID string, action Action) batchOp {
	return batchOp{fn: func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO op_log (table_name, record_id, action) VALUES (?, ?, ?)`,
			tableName, recordID, string(action),
		)
		if err != nil {
			return fmt.Errorf("oplog: insert %s/%s: %w", tableName, recordID, err)
		}
		return nil
	}}
}

func (l *Log) replaceAction(seq int64, action Action) batchOp {
	return batchOp{fn: func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE op_log SET action = ? WHERE seq = ?`, string(action), seq)
		if err != nil {
			return fmt.Errorf("oplog: replace action for seq %d: %w", seq, err)
		}
		return nil
	}}
}

func (l *Log) removeOp(seq int64) batchOp {
	return batchOp{fn: func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM op_log WHERE seq = ?`, seq)
		if err != nil {
			return fmt.Errorf("oplog: remove seq %d: %w", seq, err)
		}
		return nil
	}}
}

// peek returns the pending op for (tableName, recordID), or nil if none exists.
func (l *Log) peek(ctx context.Context, tableName, recordID string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT seq, table_name, record_id, action, locked FROM op_log WHERE table_name = ? AND record_id = ?`,
		tableName, recordID)
	return scanOptionalEntry(row)
}

// PeekFirst returns the earliest pending op across all tables, ordered
// by sequence number, or nil if the log is empty.
func (l *Log) PeekFirst(ctx context.Context) (*Entry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT seq, table_name, record_id, action, locked FROM op_log ORDER BY seq ASC LIMIT 1`)
	return scanOptionalEntry(row)
}

// PeekAfter returns the earliest pending op with seq strictly greater
// than afterSeq, or nil if none remain. Push uses this instead of
// PeekFirst once it has decided an op's fate for the current call
// (pushed, resolved, or left pending unhandled) so it advances past
// that op instead of re-fetching it forever.
func (l *Log) PeekAfter(ctx context.Context, afterSeq int64) (*Entry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT seq, table_name, record_id, action, locked FROM op_log WHERE seq > ? ORDER BY seq ASC LIMIT 1`,
		afterSeq)
	return scanOptionalEntry(row)
}

// PendingForTable returns all pending ops for a table in sequence order.
func (l *Log) PendingForTable(ctx context.Context, tableName string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, table_name, record_id, action, locked FROM op_log WHERE table_name = ? ORDER BY seq ASC`,
		tableName)
	if err != nil {
		return nil, fmt.Errorf("oplog: list pending for %s: %w", tableName, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var locked int
		if err := rows.Scan(&e.Seq, &e.TableName, &e.RecordID, &e.Action, &locked); err != nil {
			return nil, fmt.Errorf("oplog: scan entry: %w", err)
		}
		e.Locked = locked != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of pending ops for a table.
func (l *Log) Count(ctx context.Context, tableName string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM op_log WHERE table_name = ?`, tableName).Scan(&n)
	return n, err
}

// Lock marks seq as the currently in-flight op by setting its advisory
// locked flag. The flag is not checked elsewhere in this package:
// GetLoggingOperation and ClearTableOp act on the op whether or not it
// is locked.
func (l *Log) Lock(ctx context.Context, seq int64) error {
	res, err := l.db.ExecContext(ctx, `UPDATE op_log SET locked = 1 WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("oplog: lock seq %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("oplog: lock seq %d: %w", seq, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: seq %d", ErrNoOpLocked, seq)
	}
	return nil
}

// Unlock releases the advisory lock on seq without removing the op.
func (l *Log) Unlock(ctx context.Context, seq int64) error {
	_, err := l.db.ExecContext(ctx, `UPDATE op_log SET locked = 0 WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("oplog: unlock seq %d: %w", seq, err)
	}
	return nil
}

// RemoveLockedOp removes the op previously locked by seq, typically
// called after a successful push or a cancel* resolution verb. Returns
// a raw mutation so callers can fold it into the same executeBatch
// transaction as the accompanying data-table write.
func (l *Log) RemoveLockedOp(seq int64) interface{ Apply(tx *sql.Tx) error } {
	return l.removeOp(seq)
}

// ChangeAction replaces the action of a locked op, used by the Push
// Error Controller's changeAction verb, returned as a raw mutation for
// the same reason as RemoveLockedOp.
func (l *Log) ChangeAction(seq int64, action Action) interface{ Apply(tx *sql.Tx) error } {
	return l.replaceAction(seq, action)
}

// ClearTableOp returns a raw mutation that removes every pending op
// for tableName regardless of lock state, used by force-purge (spec
// §4.4.3) to fold the log wipe into the same transaction as the
// data-table deletes.
func (l *Log) ClearTableOp(tableName string) interface{ Apply(tx *sql.Tx) error } {
	return batchOp{fn: func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM op_log WHERE table_name = ?`, tableName)
		if err != nil {
			return fmt.Errorf("oplog: clear table %s: %w", tableName, err)
		}
		return nil
	}}
}

func scanOptionalEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var locked int
	err := row.Scan(&e.Seq, &e.TableName, &e.RecordID, &e.Action, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oplog: scan: %w", err)
	}
	e.Locked = locked != 0
	return &e, nil
}
