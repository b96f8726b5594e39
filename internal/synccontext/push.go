package synccontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/offlinesync/tablesync/internal/oplog"
	"github.com/offlinesync/tablesync/internal/pusherror"
	"github.com/offlinesync/tablesync/internal/store"
	"github.com/offlinesync/tablesync/internal/transport"
	"github.com/offlinesync/tablesync/internal/types"
	"github.com/rs/xid"
	"go.uber.org/multierr"
)

// idempotentResponse is the cached shape of a remote call's outcome,
// keyed by the op's seq in the push_idempotency table.
type idempotentResponse struct {
	Record  types.Record `json:"record"`
	Version string       `json:"version"`
}

// PushHandler resolves conflicts and errors surfaced during Push. A
// nil handler leaves every conflict unhandled (collected, push
// continues) and every error unhandled (push aborts immediately),
// per spec §4.4.2's "isHandled" default-behavior text.
type PushHandler interface {
	OnConflict(ctx context.Context, pe *pusherror.PushError) error
	OnError(ctx context.Context, pe *pusherror.PushError) error
}

// PushReport summarizes a completed Push call.
type PushReport struct {
	Pushed             int
	UnhandledConflicts []*pusherror.PushError
}

// ConflictErr combines the causes of every unhandled conflict into a
// single error, or nil if there were none. Convenience for callers
// that just want to know "did push fully succeed".
func (r *PushReport) ConflictErr() error {
	var errs []error
	for _, pe := range r.UnhandledConflicts {
		errs = append(errs, pe.Cause())
	}
	return multierr.Combine(errs...)
}

// Push walks the operation log in sequence order, replaying each
// pending mutation to the remote table service (spec §4.4.2). Every
// conflict/error log line this call emits shares one correlation id,
// so a multi-record push session can be traced through the logs.
func (c *Context) Push(ctx context.Context, handler PushHandler) (*PushReport, error) {
	pushID := xid.New().String()
	report := &PushReport{}
	var cursor int64
	for {
		entry, err := c.log.PeekAfter(ctx, cursor)
		if err != nil {
			return report, fmt.Errorf("synccontext: push: %w", err)
		}
		if entry == nil {
			slog.Info("push completed", "component", "synccontext", "push_id", pushID,
				"pushed", report.Pushed, "unhandled_conflicts", len(report.UnhandledConflicts))
			return report, nil
		}
		if err := c.log.Lock(ctx, entry.Seq); err != nil {
			return report, fmt.Errorf("synccontext: push: %w", err)
		}

		if err := c.pushOne(ctx, pushID, *entry, handler, report); err != nil {
			return report, err
		}
		// entry's fate (pushed, resolved, or left pending unhandled) is
		// decided for this call either way; advance past it so a stuck
		// op can never block the rest of the log within one Push call.
		cursor = entry.Seq
	}
}

// pushOne drives a single locked op to completion: it issues the REST
// call, and on conflict/error asks handler to resolve it, retrying in
// place as long as the resolution verb keeps the op pending.
//
// Before issuing the call, it consults the idempotency cache keyed by
// the op's seq: if a prior call for this exact op already reached the
// remote service and the local op-removal transaction never committed
// (app crash between the two), the cached response is replayed instead
// of resending the write.
func (c *Context) pushOne(ctx context.Context, pushID string, entry oplog.Entry, handler PushHandler, report *PushReport) error {
	for {
		clientRecord, err := c.loadClientRecord(ctx, entry)
		if err != nil {
			return fmt.Errorf("synccontext: push %s/%s: %w", entry.TableName, entry.RecordID, err)
		}

		result, version, callErr := c.callRemoteIdempotent(ctx, entry, clientRecord)
		if callErr == nil {
			if err := c.integrateSuccess(ctx, entry, result, version); err != nil {
				return fmt.Errorf("synccontext: push %s/%s: %w", entry.TableName, entry.RecordID, err)
			}
			report.Pushed++
			return nil
		}

		var conflict *transport.ErrConflict
		isConflict := errors.As(callErr, &conflict)

		var serverRecord types.Record
		if isConflict {
			serverRecord = conflict.ServerRecord
		}
		pe := pusherror.New(c.store, c.log, entry, clientRecord, serverRecord, callErr)

		var handlerErr error
		if isConflict {
			slog.Warn("synccontext: push conflict", "component", "synccontext", "push_id", pushID, "table", entry.TableName, "id", entry.RecordID)
			if handler != nil {
				handlerErr = handler.OnConflict(ctx, pe)
			}
		} else {
			slog.Warn("synccontext: push error", "component", "synccontext", "push_id", pushID, "table", entry.TableName, "id", entry.RecordID, "error", callErr)
			if handler != nil {
				handlerErr = handler.OnError(ctx, pe)
			}
		}
		if handlerErr != nil {
			return fmt.Errorf("synccontext: push handler: %w", handlerErr)
		}

		if !pe.Resolved() {
			if isConflict {
				report.UnhandledConflicts = append(report.UnhandledConflicts, pe)
				return nil
			}
			return fmt.Errorf("synccontext: push %s/%s: %w", entry.TableName, entry.RecordID, callErr)
		}

		switch pe.Outcome() {
		case pusherror.OutcomeRetry:
			if !pe.IsHandled() {
				return nil // leave the op pending, skip retrying within this push() call
			}
			entry.Action = pe.Action()
			continue
		default: // OutcomeRemoved, or anything else: proceed to the next op
			return nil
		}
	}
}

// loadClientRecord loads the data row a push step needs: insert/update
// replay the current table row, delete has none (the row was already
// removed locally by Del).
func (c *Context) loadClientRecord(ctx context.Context, entry oplog.Entry) (types.Record, error) {
	if entry.Action == oplog.ActionDelete {
		return nil, nil
	}
	return c.store.Lookup(ctx, entry.TableName, entry.RecordID, false)
}

// callRemoteIdempotent wraps callRemote with the push_idempotency
// cache: a hit replays the cached result without touching the remote
// service; a fresh success is cached before returning so a later
// retry of the same still-pending op (seq survives until the op is
// removed) can replay it too. Cache errors are logged and otherwise
// ignored — idempotency is a best-effort crash-retry guard, not a
// correctness requirement of push itself.
func (c *Context) callRemoteIdempotent(ctx context.Context, entry oplog.Entry, clientRecord types.Record) (types.Record, string, error) {
	key := strconv.FormatInt(entry.Seq, 10)

	if cached, found, err := c.log.CheckIdempotency(ctx, key); err != nil {
		slog.Warn("synccontext: idempotency check failed", "component", "synccontext", "seq", entry.Seq, "error", err)
	} else if found {
		var resp idempotentResponse
		if err := json.Unmarshal([]byte(cached), &resp); err == nil {
			return resp.Record, resp.Version, nil
		}
		slog.Warn("synccontext: discarding unreadable cached idempotency response", "component", "synccontext", "seq", entry.Seq)
	}

	result, version, err := c.callRemote(ctx, entry, clientRecord)
	if err != nil {
		return result, version, err
	}

	if encoded, err := json.Marshal(idempotentResponse{Record: result, Version: version}); err == nil {
		if err := c.log.RecordIdempotency(ctx, key, string(encoded), c.idempotencyTTL); err != nil {
			slog.Warn("synccontext: record idempotency failed", "component", "synccontext", "seq", entry.Seq, "error", err)
		}
	}
	return result, version, nil
}

func (c *Context) callRemote(ctx context.Context, entry oplog.Entry, clientRecord types.Record) (types.Record, string, error) {
	switch entry.Action {
	case oplog.ActionInsert:
		return c.remote.Insert(ctx, entry.TableName, clientRecord)
	case oplog.ActionUpdate:
		return c.remote.Update(ctx, entry.TableName, entry.RecordID, clientRecord, versionOf(clientRecord))
	case oplog.ActionDelete:
		err := c.remote.Delete(ctx, entry.TableName, entry.RecordID, "")
		return nil, "", err
	default:
		return nil, "", fmt.Errorf("synccontext: unknown op action %q", entry.Action)
	}
}

// integrateSuccess removes the completed op and, for insert/update,
// folds the server-confirmed row back into the local table — including
// the assigned version, when the table declares a version column — in
// the same transaction as the op removal.
func (c *Context) integrateSuccess(ctx context.Context, entry oplog.Entry, result types.Record, version string) error {
	ops := []store.BatchOp{{Action: store.BatchRaw, Raw: c.log.RemoveLockedOp(entry.Seq)}}
	if entry.Action != oplog.ActionDelete && result != nil {
		if version != "" {
			result[types.ColumnVersion] = version
		}
		td, err := c.store.Registry().Lookup(entry.TableName)
		if err != nil {
			return err
		}
		data := sanitizeForSchema(td.ColumnNames(), result)
		ops = append([]store.BatchOp{{Action: store.BatchUpsert, TableName: entry.TableName, Data: data}}, ops...)
	}
	return c.store.ExecuteBatch(ctx, ops)
}

func versionOf(rec types.Record) string {
	if rec == nil {
		return ""
	}
	v, _ := rec[types.ColumnVersion].(string)
	return v
}
