// Package synccontext implements the Sync Context: the public surface
// for CRUD on synced tables, and the orchestrator for pull, push, and
// purge against a remote table service. See spec §4.4.
package synccontext

import (
	"context"
	"fmt"
	"time"

	"github.com/offlinesync/tablesync/internal/cursor"
	"github.com/offlinesync/tablesync/internal/oplog"
	"github.com/offlinesync/tablesync/internal/store"
	"github.com/offlinesync/tablesync/internal/transport"
	"github.com/offlinesync/tablesync/internal/types"
	"golang.org/x/sync/singleflight"
)

// defaultIdempotencyTTL is used when New is given a zero TTL.
const defaultIdempotencyTTL = 24 * time.Hour

// Context is the Sync Context. It must be constructed with New — the
// zero value is not initialized and every operation on it fails.
type Context struct {
	store  *store.SQLiteStore
	log    *oplog.Log
	cursor *cursor.Store
	remote transport.Remote

	crud           *taskQueue
	pullOnce       singleflight.Group
	idempotencyTTL time.Duration
}

// New binds a Sync Context to its collaborators. remote may be a
// transport.Client or any other transport.Remote implementation
// (transport/fake in tests). idempotencyTTL bounds how long Push
// caches a remote call's response against the op's seq for crash-retry
// protection; a zero value uses defaultIdempotencyTTL.
func New(st *store.SQLiteStore, log *oplog.Log, cur *cursor.Store, remote transport.Remote, idempotencyTTL time.Duration) *Context {
	if idempotencyTTL <= 0 {
		idempotencyTTL = defaultIdempotencyTTL
	}
	return &Context{
		store:          st,
		log:            log,
		cursor:         cur,
		remote:         remote,
		crud:           newTaskQueue(),
		idempotencyTTL: idempotencyTTL,
	}
}

// Close stops the Sync Context's local-CRUD task queue. It does not
// close the underlying store, which outlives the Sync Context's use
// of it in typical wiring (see pkg/offlinesync).
func (c *Context) Close() {
	c.crud.close()
}

// Insert creates rec in tableName, failing if id already exists there,
// and logs a pending insert operation in the same transaction as the
// data write (spec §4.4 steps 1,2,4,5).
func (c *Context) Insert(ctx context.Context, tableName string, rec types.Record) error {
	return c.crud.submit(ctx, func() error {
		id, err := types.ValidateID(rec[types.IDColumn])
		if err != nil {
			return fmt.Errorf("synccontext: insert %s: %w", tableName, err)
		}
		idStr := types.IDString(id)

		existing, err := c.store.Lookup(ctx, tableName, id, true)
		if err != nil {
			return fmt.Errorf("synccontext: insert %s: %w", tableName, err)
		}
		if existing != nil {
			return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, tableName, idStr)
		}

		logOp, err := c.log.GetLoggingOperation(ctx, tableName, idStr, oplog.ActionInsert)
		if err != nil {
			return fmt.Errorf("synccontext: insert %s/%s: %w", tableName, idStr, err)
		}
		return c.store.ExecuteBatch(ctx, []store.BatchOp{
			{Action: store.BatchUpsert, TableName: tableName, Data: rec},
			{Action: store.BatchRaw, Raw: logOp},
		})
	})
}

// Update replaces rec in tableName, failing if id does not already
// exist there, and logs a pending update operation co-transactionally.
func (c *Context) Update(ctx context.Context, tableName string, rec types.Record) error {
	return c.crud.submit(ctx, func() error {
		id, err := types.ValidateID(rec[types.IDColumn])
		if err != nil {
			return fmt.Errorf("synccontext: update %s: %w", tableName, err)
		}
		idStr := types.IDString(id)

		existing, err := c.store.Lookup(ctx, tableName, id, true)
		if err != nil {
			return fmt.Errorf("synccontext: update %s: %w", tableName, err)
		}
		if existing == nil {
			return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, tableName, idStr)
		}

		logOp, err := c.log.GetLoggingOperation(ctx, tableName, idStr, oplog.ActionUpdate)
		if err != nil {
			return fmt.Errorf("synccontext: update %s/%s: %w", tableName, idStr, err)
		}
		return c.store.ExecuteBatch(ctx, []store.BatchOp{
			{Action: store.BatchUpsert, TableName: tableName, Data: rec},
			{Action: store.BatchRaw, Raw: logOp},
		})
	})
}

// Del removes id from tableName and logs a pending delete operation
// co-transactionally. The data row is removed immediately — the op
// log, not the data table, carries the as-yet-unpushed intent.
func (c *Context) Del(ctx context.Context, tableName string, id any) error {
	return c.crud.submit(ctx, func() error {
		vid, err := types.ValidateID(id)
		if err != nil {
			return fmt.Errorf("synccontext: del %s: %w", tableName, err)
		}
		idStr := types.IDString(vid)

		logOp, err := c.log.GetLoggingOperation(ctx, tableName, idStr, oplog.ActionDelete)
		if err != nil {
			return fmt.Errorf("synccontext: del %s/%s: %w", tableName, idStr, err)
		}
		return c.store.ExecuteBatch(ctx, []store.BatchOp{
			{Action: store.BatchDelete, TableName: tableName, ID: vid},
			{Action: store.BatchRaw, Raw: logOp},
		})
	})
}

// Lookup returns the row for id in tableName, or nil if suppressNotFound
// is true and no row matches.
func (c *Context) Lookup(ctx context.Context, tableName string, id any, suppressNotFound bool) (types.Record, error) {
	var rec types.Record
	err := c.crud.submit(ctx, func() error {
		var err error
		rec, err = c.store.Lookup(ctx, tableName, id, suppressNotFound)
		return err
	})
	return rec, err
}
