package synccontext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/offlinesync/tablesync/internal/cursor"
	"github.com/offlinesync/tablesync/internal/store"
	"github.com/offlinesync/tablesync/internal/transport"
	"github.com/offlinesync/tablesync/internal/types"
)

const defaultPageSize = 50

// PullSettings controls pagination and the implicit push-before-pull
// step (spec §4.4.1).
type PullSettings struct {
	// PageSize bounds each page request; defaults to 50. Paging stops
	// once a page returns fewer than PageSize records.
	PageSize int
	// PushHandler resolves conflicts/errors for the implicit push that
	// runs ahead of pull when the target table has pending ops. A nil
	// handler means any conflict there is left unhandled, which fails
	// the pull (pull cannot proceed over unreconciled local changes).
	PushHandler PushHandler
}

// PullResult summarizes a completed Pull call.
type PullResult struct {
	RecordsIntegrated int
}

// Pull fetches and integrates server records matching q. If queryID is
// non-empty, the pull is incremental: only records updated after the
// stored cursor are fetched, and the cursor advances as pages land.
func (c *Context) Pull(ctx context.Context, q store.Query, queryID string, settings PullSettings) (*PullResult, error) {
	pageSize := settings.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	if err := c.ensurePushedBeforePull(ctx, q.Table, settings.PushHandler); err != nil {
		return nil, err
	}

	v, err, _ := c.pullOnce.Do(q.Table, func() (any, error) {
		return c.doPull(ctx, q, queryID, pageSize)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PullResult), nil
}

// ensurePushedBeforePull enforces spec §4.4.1: pending local ops for
// the target table must be pushed (and fully resolved) before pull
// proceeds, or pull would overwrite unpushed local changes.
func (c *Context) ensurePushedBeforePull(ctx context.Context, table string, handler PushHandler) error {
	pending, err := c.log.Count(ctx, table)
	if err != nil {
		return fmt.Errorf("synccontext: pull %s: %w", table, err)
	}
	if pending == 0 {
		return nil
	}
	report, err := c.Push(ctx, handler)
	if err != nil {
		return fmt.Errorf("synccontext: pull %s: implicit push failed: %w", table, err)
	}
	if len(report.UnhandledConflicts) > 0 {
		return fmt.Errorf("synccontext: pull %s: %w", table, ErrUnhandledConflicts)
	}
	return nil
}

func (c *Context) doPull(ctx context.Context, q store.Query, queryID string, pageSize int) (*PullResult, error) {
	incremental := queryID != ""

	var cursorAfter *time.Time
	if incremental {
		t, err := c.cursor.Get(ctx, queryID)
		if err != nil {
			if !errors.Is(err, cursor.ErrNotFound) {
				return nil, fmt.Errorf("synccontext: pull %s: %w", q.Table, err)
			}
		} else {
			cursorAfter = &t
		}
	}

	result := &PullResult{}
	skip := q.Skip
	for {
		pq := transport.PullQuery{
			Table:        q.Table,
			Filter:       q.Filter,
			OrderBy:      q.OrderBy,
			Top:          pageSize,
			Skip:         skip,
			IncludeCount: q.IncludeCount,
		}
		if incremental {
			pq.OrderBy = types.ColumnUpdatedAt
			pq.CursorAfter = cursorAfter
			pq.Skip = 0
		}

		page, err := c.remote.Pull(ctx, pq)
		if err != nil {
			return nil, fmt.Errorf("synccontext: pull %s: %w", q.Table, err)
		}

		if err := c.integratePage(ctx, q.Table, page.Records); err != nil {
			return nil, fmt.Errorf("synccontext: pull %s: %w", q.Table, err)
		}
		result.RecordsIntegrated += len(page.Records)

		if incremental {
			pageMax, ok := maxUpdatedAt(page.Records)
			if ok && (cursorAfter == nil || pageMax.After(*cursorAfter)) {
				if err := c.cursor.Set(ctx, queryID, q.Table, pageMax); err != nil {
					return nil, fmt.Errorf("synccontext: pull %s: %w", q.Table, err)
				}
				cursorAfter = &pageMax
			}
		} else {
			skip += len(page.Records)
		}

		slog.Debug("synccontext: pull page integrated", "component", "synccontext", "table", q.Table, "records", len(page.Records))

		if len(page.Records) < pageSize {
			return result, nil
		}
	}
}

// integratePage applies one page of server records: deletions for
// deleted==true rows, upserts otherwise. Pull never touches the
// operation log — it represents server truth, not local intent.
func (c *Context) integratePage(ctx context.Context, table string, records []types.Record) error {
	if len(records) == 0 {
		return nil
	}
	td, err := c.store.Registry().Lookup(table)
	if err != nil {
		return err
	}

	ops := make([]store.BatchOp, 0, len(records))
	for _, rec := range records {
		id := rec[types.IDColumn]
		if deleted, _ := rec[types.ColumnDeleted].(bool); deleted {
			ops = append(ops, store.BatchOp{Action: store.BatchDelete, TableName: table, ID: id})
			continue
		}
		ops = append(ops, store.BatchOp{Action: store.BatchUpsert, TableName: table, Data: sanitizeForSchema(td.ColumnNames(), rec)})
	}
	return c.store.ExecuteBatch(ctx, ops)
}

// sanitizeForSchema drops fields the store doesn't recognize (e.g. the
// wire-only "deleted" flag) so upsert never sees an unknown column.
func sanitizeForSchema(columns []string, rec types.Record) types.Record {
	out := make(types.Record, len(columns))
	for _, col := range columns {
		if v, ok := rec[col]; ok {
			out[col] = v
		}
	}
	return out
}

func maxUpdatedAt(records []types.Record) (time.Time, bool) {
	var max time.Time
	found := false
	for _, rec := range records {
		t, ok := parseUpdatedAt(rec[types.ColumnUpdatedAt])
		if !ok {
			continue
		}
		if !found || t.After(max) {
			max = t
			found = true
		}
	}
	return max, found
}

func parseUpdatedAt(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z07:00"} {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
