package synccontext

import (
	"context"
	"fmt"

	"github.com/offlinesync/tablesync/internal/store"
	"github.com/offlinesync/tablesync/internal/types"
)

// Purge deletes the rows matched by q (ignoring any projection q
// carries) and, when force is true, also discards pending op-log
// entries for q.Table. With force false, any pending op for the table
// fails the purge outright. See spec §4.4.3.
func (c *Context) Purge(ctx context.Context, q store.Query, force bool) error {
	return c.crud.submit(ctx, func() error {
		if !c.store.Registry().Exists(q.Table) {
			return fmt.Errorf("%w: %s", ErrTableNotDefined, q.Table)
		}

		pending, err := c.log.Count(ctx, q.Table)
		if err != nil {
			return fmt.Errorf("synccontext: purge %s: %w", q.Table, err)
		}
		if pending > 0 && !force {
			return fmt.Errorf("%w: %s", ErrPendingOps, q.Table)
		}

		idQuery := store.Query{
			Table:      q.Table,
			Filter:     q.Filter,
			FilterArgs: q.FilterArgs,
			Projection: []string{types.IDColumn},
		}
		result, err := c.store.Read(ctx, idQuery)
		if err != nil {
			return fmt.Errorf("synccontext: purge %s: resolve ids: %w", q.Table, err)
		}

		ops := make([]store.BatchOp, 0, len(result.Result)+2)
		for _, rec := range result.Result {
			ops = append(ops, store.BatchOp{Action: store.BatchDelete, TableName: q.Table, ID: rec[types.IDColumn]})
		}
		if force {
			ops = append(ops, store.BatchOp{Action: store.BatchRaw, Raw: c.log.ClearTableOp(q.Table)})
		}
		if q.Filter == "" {
			ops = append(ops, store.BatchOp{Action: store.BatchRaw, Raw: c.cursor.DeleteForTableOp(q.Table)})
		}
		if len(ops) == 0 {
			return nil
		}
		return c.store.ExecuteBatch(ctx, ops)
	})
}
