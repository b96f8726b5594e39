// Package pusherror implements the Push Error Controller: a per-op
// object the Sync Context's push loop hands to its conflict/error
// handlers, exposing resolution verbs that replace or discard the
// failing operation-log entry and its data row in a single
// transaction. See spec §4.4.2/§4.5.
package pusherror

import (
	"context"
	"errors"
	"fmt"

	"github.com/offlinesync/tablesync/internal/oplog"
	"github.com/offlinesync/tablesync/internal/store"
	"github.com/offlinesync/tablesync/internal/types"
)

// ErrAlreadyResolved is returned when a verb is called on a PushError
// that a verb has already resolved. Calling a verb twice is a
// programming error per spec §4.5.
var ErrAlreadyResolved = errors.New("pusherror: verb already called on this push error")

// Outcome classifies how a resolution verb disposed of the op, so the
// push loop knows whether to move on or retry the same op.
type Outcome int

const (
	// OutcomeNone means no verb has run yet.
	OutcomeNone Outcome = iota
	// OutcomeRemoved means the op was removed (cancel, cancelAndUpdate,
	// cancelAndDiscard): push proceeds to the next op.
	OutcomeRemoved
	// OutcomeRetry means the op is still pending, possibly under a new
	// action (update, changeAction): push retries this same op.
	OutcomeRetry
)

// PushError is a per-op handle for a failed push step, passed to the
// Sync Context's onConflict/onError handlers. Its fields are immutable;
// the only mutable state is whether a resolution verb has run.
type PushError struct {
	store store.Capability
	log   *oplog.Log

	op           oplog.Entry
	clientRecord types.Record // the local row as it stood when push attempted it
	serverRecord types.Record // present on 412; may be nil on a bodyless 409
	cause        error

	isHandled bool // defaults to true once a verb runs; handlers may flip it back
	resolved  bool
	outcome   Outcome
}

// New constructs a PushError for a single failed push step. Called by
// the Sync Context's push loop, never by application code directly.
func New(st store.Capability, log *oplog.Log, op oplog.Entry, clientRecord, serverRecord types.Record, cause error) *PushError {
	return &PushError{
		store:        st,
		log:          log,
		op:           op,
		clientRecord: clientRecord,
		serverRecord: serverRecord,
		cause:        cause,
		isHandled:    true,
	}
}

// Table returns the name of the table the failing op targets.
func (p *PushError) Table() string { return p.op.TableName }

// Action returns the op's logged action (insert/update/delete).
func (p *PushError) Action() oplog.Action { return p.op.Action }

// RecordID returns the id of the record the failing op targets.
func (p *PushError) RecordID() string { return p.op.RecordID }

// ClientRecord returns the local row as it stood when push attempted it.
func (p *PushError) ClientRecord() types.Record { return p.clientRecord }

// ServerRecord returns the server's reported row on a 412 conflict.
// It is nil on a bodyless 409 insert-collision or on a non-conflict error.
func (p *PushError) ServerRecord() types.Record { return p.serverRecord }

// Cause returns the underlying transport error.
func (p *PushError) Cause() error { return p.cause }

// IsHandled reports whether the push loop should retry this op after
// the handler returns. It defaults to true once a verb has run; call
// SetHandled(false) to request a skip-without-retry outcome instead.
func (p *PushError) IsHandled() bool { return p.isHandled }

// SetHandled overrides the default isHandled=true a verb call sets,
// letting the caller skip retrying this op without removing it from
// the log. Only meaningful after a verb has been called.
func (p *PushError) SetHandled(handled bool) { p.isHandled = handled }

// Outcome reports how the resolution verb (if any) disposed of the op.
func (p *PushError) Outcome() Outcome { return p.outcome }

// Resolved reports whether a resolution verb has run yet.
func (p *PushError) Resolved() bool { return p.resolved }

func (p *PushError) markResolved() error {
	if p.resolved {
		return fmt.Errorf("%w: table=%s id=%s", ErrAlreadyResolved, p.op.TableName, p.op.RecordID)
	}
	p.resolved = true
	p.isHandled = true
	return nil
}

// CancelAndUpdate upserts v over the local row and removes the op —
// the remote copy wins outright. The push loop proceeds to the next op.
func (p *PushError) CancelAndUpdate(ctx context.Context, v types.Record) error {
	if err := p.markResolved(); err != nil {
		return err
	}
	if err := p.store.ExecuteBatch(ctx, []store.BatchOp{
		{Action: store.BatchUpsert, TableName: p.op.TableName, Data: v},
		{Action: store.BatchRaw, Raw: p.log.RemoveLockedOp(p.op.Seq)},
	}); err != nil {
		return err
	}
	p.outcome = OutcomeRemoved
	return nil
}

// CancelAndDiscard deletes the local row and removes the op — neither
// side's version survives. The push loop proceeds to the next op.
func (p *PushError) CancelAndDiscard(ctx context.Context) error {
	if err := p.markResolved(); err != nil {
		return err
	}
	if err := p.store.ExecuteBatch(ctx, []store.BatchOp{
		{Action: store.BatchDelete, TableName: p.op.TableName, ID: p.op.RecordID},
		{Action: store.BatchRaw, Raw: p.log.RemoveLockedOp(p.op.Seq)},
	}); err != nil {
		return err
	}
	p.outcome = OutcomeRemoved
	return nil
}

// Cancel removes the op without touching the data table — the local
// row stands as-is, the push attempt is simply abandoned.
func (p *PushError) Cancel(ctx context.Context) error {
	if err := p.markResolved(); err != nil {
		return err
	}
	if err := p.store.ExecuteBatch(ctx, []store.BatchOp{
		{Action: store.BatchRaw, Raw: p.log.RemoveLockedOp(p.op.Seq)},
	}); err != nil {
		return err
	}
	p.outcome = OutcomeRemoved
	return nil
}

// Update upserts v over the local row and leaves the op pending so the
// same op is retried with the updated row on the next push step.
func (p *PushError) Update(ctx context.Context, v types.Record) error {
	if err := p.markResolved(); err != nil {
		return err
	}
	if err := p.store.ExecuteBatch(ctx, []store.BatchOp{
		{Action: store.BatchUpsert, TableName: p.op.TableName, Data: v},
	}); err != nil {
		return err
	}
	p.clientRecord = v
	p.outcome = OutcomeRetry
	return nil
}

// ChangeAction replaces the op's action and mutates the data table to
// match: a delete discards the row, anything else upserts v. The op
// stays pending and is retried under its new action.
func (p *PushError) ChangeAction(ctx context.Context, a oplog.Action, v types.Record) error {
	if err := p.markResolved(); err != nil {
		return err
	}
	dataOp := store.BatchOp{Action: store.BatchUpsert, TableName: p.op.TableName, Data: v}
	if a == oplog.ActionDelete {
		dataOp = store.BatchOp{Action: store.BatchDelete, TableName: p.op.TableName, ID: p.op.RecordID}
	}
	if err := p.store.ExecuteBatch(ctx, []store.BatchOp{
		dataOp,
		{Action: store.BatchRaw, Raw: p.log.ChangeAction(p.op.Seq, a)},
	}); err != nil {
		return err
	}
	p.op.Action = a
	p.clientRecord = v
	p.outcome = OutcomeRetry
	return nil
}
