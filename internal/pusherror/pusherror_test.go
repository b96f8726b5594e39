package pusherror

import (
	"context"
	"errors"
	"testing"

	"github.com/offlinesync/tablesync/internal/oplog"
	"github.com/offlinesync/tablesync/internal/schema"
	"github.com/offlinesync/tablesync/internal/store"
	"github.com/offlinesync/tablesync/internal/types"
)

func newFixture(t *testing.T) (*store.SQLiteStore, *oplog.Log) {
	t.Helper()
	s, err := store.Open(":memory:", 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	def := schema.TableDefinition{Name: "widgets", Columns: []schema.RawColumnDef{
		{Name: "id", Type: "string"},
		{Name: "v", Type: "integer"},
	}}
	if err := s.DefineTable(context.Background(), def); err != nil {
		t.Fatalf("defineTable: %v", err)
	}
	return s, oplog.New(s.DB())
}

// seedPendingUpdate inserts a row and a locked, pending "update" op for
// it, mirroring the state push() would be in when a write fails.
func seedPendingUpdate(t *testing.T, s *store.SQLiteStore, log *oplog.Log) oplog.Entry {
	t.Helper()
	ctx := context.Background()
	rec := types.Record{"id": "d", "v": 7}
	rawOp, err := log.GetLoggingOperation(ctx, "widgets", "d", oplog.ActionUpdate)
	if err != nil {
		t.Fatalf("getLoggingOperation: %v", err)
	}
	err = s.ExecuteBatch(ctx, []store.BatchOp{
		{Action: store.BatchUpsert, TableName: "widgets", Data: rec},
		{Action: store.BatchRaw, Raw: rawOp},
	})
	if err != nil {
		t.Fatalf("seed executeBatch: %v", err)
	}
	entry, err := log.PeekFirst(ctx)
	if err != nil || entry == nil {
		t.Fatalf("peekFirst: %v, %v", entry, err)
	}
	if err := log.Lock(ctx, entry.Seq); err != nil {
		t.Fatalf("lock: %v", err)
	}
	entry.Locked = true
	return *entry
}

func TestCancelAndUpdate(t *testing.T) {
	ctx := context.Background()
	s, log := newFixture(t)
	op := seedPendingUpdate(t, s, log)

	serverRecord := types.Record{"id": "d", "v": 9}
	pe := New(s, log, op, types.Record{"id": "d", "v": 7}, serverRecord, errors.New("412"))
	if err := pe.CancelAndUpdate(ctx, serverRecord); err != nil {
		t.Fatalf("cancelAndUpdate: %v", err)
	}

	rec, err := s.Lookup(ctx, "widgets", "d", false)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if toInt64(rec["v"]) != 9 {
		t.Errorf("expected server value to win, got %v", rec["v"])
	}
	assertLogEmpty(t, log)
}

func TestCancelAndDiscard(t *testing.T) {
	ctx := context.Background()
	s, log := newFixture(t)
	op := seedPendingUpdate(t, s, log)

	pe := New(s, log, op, types.Record{"id": "d", "v": 7}, nil, errors.New("409"))
	if err := pe.CancelAndDiscard(ctx); err != nil {
		t.Fatalf("cancelAndDiscard: %v", err)
	}

	if _, err := s.Lookup(ctx, "widgets", "d", false); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected row removed, got %v", err)
	}
	assertLogEmpty(t, log)
}

func TestCancel_LeavesRowUntouched(t *testing.T) {
	ctx := context.Background()
	s, log := newFixture(t)
	op := seedPendingUpdate(t, s, log)

	pe := New(s, log, op, types.Record{"id": "d", "v": 7}, nil, errors.New("boom"))
	if err := pe.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	rec, err := s.Lookup(ctx, "widgets", "d", false)
	if err != nil {
		t.Fatalf("expected row to remain: %v", err)
	}
	if toInt64(rec["v"]) != 7 {
		t.Errorf("row mutated unexpectedly: %v", rec)
	}
	assertLogEmpty(t, log)
}

func TestUpdate_KeepsOpPending(t *testing.T) {
	ctx := context.Background()
	s, log := newFixture(t)
	op := seedPendingUpdate(t, s, log)

	pe := New(s, log, op, types.Record{"id": "d", "v": 7}, nil, errors.New("timeout"))
	retryRecord := types.Record{"id": "d", "v": 8}
	if err := pe.Update(ctx, retryRecord); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, err := s.Lookup(ctx, "widgets", "d", false)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if toInt64(rec["v"]) != 8 {
		t.Errorf("expected updated value 8, got %v", rec["v"])
	}

	remaining, err := log.PendingForTable(ctx, "widgets")
	if err != nil {
		t.Fatalf("pendingForTable: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Seq != op.Seq {
		t.Errorf("expected the op to remain pending, got %+v", remaining)
	}
}

func TestChangeAction_ToDelete(t *testing.T) {
	ctx := context.Background()
	s, log := newFixture(t)
	op := seedPendingUpdate(t, s, log)

	pe := New(s, log, op, types.Record{"id": "d", "v": 7}, nil, errors.New("404"))
	if err := pe.ChangeAction(ctx, oplog.ActionDelete, nil); err != nil {
		t.Fatalf("changeAction: %v", err)
	}

	if _, err := s.Lookup(ctx, "widgets", "d", false); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected row deleted, got %v", err)
	}
	remaining, err := log.PendingForTable(ctx, "widgets")
	if err != nil {
		t.Fatalf("pendingForTable: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Action != oplog.ActionDelete {
		t.Errorf("expected op replaced with a pending delete, got %+v", remaining)
	}
}

func TestVerbCalledTwice_Fails(t *testing.T) {
	ctx := context.Background()
	s, log := newFixture(t)
	op := seedPendingUpdate(t, s, log)

	pe := New(s, log, op, types.Record{"id": "d", "v": 7}, nil, errors.New("boom"))
	if err := pe.Cancel(ctx); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := pe.Cancel(ctx); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved on second call, got %v", err)
	}
	if err := pe.CancelAndDiscard(ctx); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved on a different verb after resolution, got %v", err)
	}
}

func TestIsHandled_DefaultsTrueAndOverridable(t *testing.T) {
	ctx := context.Background()
	s, log := newFixture(t)
	op := seedPendingUpdate(t, s, log)

	pe := New(s, log, op, types.Record{"id": "d", "v": 7}, nil, errors.New("boom"))
	if err := pe.Update(ctx, types.Record{"id": "d", "v": 8}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !pe.IsHandled() {
		t.Errorf("expected isHandled true once a verb has run")
	}
	pe.SetHandled(false)
	if pe.IsHandled() {
		t.Errorf("expected SetHandled(false) to stick")
	}
}

func assertLogEmpty(t *testing.T, log *oplog.Log) {
	t.Helper()
	entry, err := log.PeekFirst(context.Background())
	if err != nil {
		t.Fatalf("peekFirst: %v", err)
	}
	if entry != nil {
		t.Errorf("expected empty log, found %+v", entry)
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return -1
	}
}
