package synccontext

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/offlinesync/tablesync/internal/cursor"
	"github.com/offlinesync/tablesync/internal/oplog"
	"github.com/offlinesync/tablesync/internal/pusherror"
	"github.com/offlinesync/tablesync/internal/schema"
	"github.com/offlinesync/tablesync/internal/store"
	"github.com/offlinesync/tablesync/internal/transport/fake"
	"github.com/offlinesync/tablesync/internal/types"
)

func newFixture(t *testing.T, def schema.TableDefinition, clock func() time.Time) (*Context, *store.SQLiteStore, *fake.Server) {
	t.Helper()
	st, err := store.Open(":memory:", 0)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.DefineTable(context.Background(), def); err != nil {
		t.Fatalf("DefineTable: %v", err)
	}

	srv := fake.New(clock)
	c := New(st, oplog.New(st.DB()), cursor.New(st.DB()), srv, 0)
	t.Cleanup(c.Close)
	return c, st, srv
}

func widgetsTable() schema.TableDefinition {
	return schema.TableDefinition{
		Name: "widgets",
		Columns: []schema.RawColumnDef{
			{Name: "id", Type: "string"},
			{Name: "v", Type: "integer"},
		},
	}
}

func widgetsWithVersion() schema.TableDefinition {
	return schema.TableDefinition{
		Name: "widgets",
		Columns: []schema.RawColumnDef{
			{Name: "id", Type: "string"},
			{Name: "v", Type: "integer"},
			{Name: "version", Type: "string"},
		},
	}
}

func recordEq(t *testing.T, got, want types.Record) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("record length mismatch: got %#v, want %#v", got, want)
	}
	for k, wv := range want {
		gv, ok := got[k]
		if !ok {
			t.Fatalf("missing key %q in %#v", k, got)
		}
		if gv != wv {
			t.Fatalf("key %q: got %#v (%T), want %#v (%T)", k, gv, gv, wv, wv)
		}
	}
}

// S1: insert then push integrates the exact row shape the table
// schema declares, with no extra fields injected.
func TestInsertThenPush(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newFixture(t, widgetsTable(), nil)

	if err := c.Insert(ctx, "widgets", types.Record{"id": "a", "v": int64(1)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	report, err := c.Push(ctx, nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if report.Pushed != 1 {
		t.Fatalf("Pushed = %d, want 1", report.Pushed)
	}
	if len(report.UnhandledConflicts) != 0 {
		t.Fatalf("unexpected unhandled conflicts: %v", report.UnhandledConflicts)
	}

	rec, err := st.Lookup(ctx, "widgets", "a", false)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	recordEq(t, rec, types.Record{"id": "a", "v": int64(1)})

	pending, err := oplog.New(st.DB()).Count(ctx, "widgets")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if pending != 0 {
		t.Fatalf("pending ops = %d, want 0", pending)
	}
}

// S2: insert followed by delete before any push coalesces to nothing
// — no op survives, no row survives.
func TestInsertThenDeleteCoalesces(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newFixture(t, widgetsTable(), nil)

	if err := c.Insert(ctx, "widgets", types.Record{"id": "b", "v": int64(2)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.Del(ctx, "widgets", "b"); err != nil {
		t.Fatalf("Del: %v", err)
	}

	n, err := c.log.Count(ctx, "widgets")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending ops = %d, want 0", n)
	}

	rec, err := st.Lookup(ctx, "widgets", "b", true)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec != nil {
		t.Fatalf("row survived delete: %#v", rec)
	}
}

// S3: update on a pre-pulled row (no pending op) followed by delete
// replaces the pending op with a single delete.
func TestUpdateThenDeleteReplaces(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newFixture(t, widgetsTable(), nil)

	// Simulate a row already present from a prior pull: write it
	// directly, bypassing Insert so no op is logged.
	if err := st.Upsert(ctx, "widgets", []types.Record{{"id": "c", "v": int64(5)}}); err != nil {
		t.Fatalf("seed Upsert: %v", err)
	}

	if err := c.Update(ctx, "widgets", types.Record{"id": "c", "v": int64(6)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := c.Del(ctx, "widgets", "c"); err != nil {
		t.Fatalf("Del: %v", err)
	}

	entries, err := c.log.PendingForTable(ctx, "widgets")
	if err != nil {
		t.Fatalf("PendingForTable: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != oplog.ActionDelete {
		t.Fatalf("expected a single delete op, got %+v", entries)
	}
}

// S4: a push that hits a 412 conflict surfaces a Push Error Controller
// handle; CancelAndUpdate writes exactly what the handler supplies and
// removes the op.
func TestPush_ConflictCancelAndUpdate(t *testing.T) {
	ctx := context.Background()
	c, st, srv := newFixture(t, widgetsWithVersion(), nil)

	if err := st.Upsert(ctx, "widgets", []types.Record{{"id": "d", "v": int64(3), "version": "w1"}}); err != nil {
		t.Fatalf("seed Upsert: %v", err)
	}
	srv.Seed("widgets", types.Record{"id": "d", "v": int64(9)}, time.Now())

	if err := c.Update(ctx, "widgets", types.Record{"id": "d", "v": int64(7), "version": "w1"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	handler := conflictFunc(func(ctx context.Context, pe *pusherror.PushError) error {
		return pe.CancelAndUpdate(ctx, types.Record{"id": "d", "v": int64(9), "version": "w2"})
	})

	report, err := c.Push(ctx, handler)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(report.UnhandledConflicts) != 0 {
		t.Fatalf("expected the conflict to be handled, got %v", report.UnhandledConflicts)
	}

	rec, err := st.Lookup(ctx, "widgets", "d", false)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	recordEq(t, rec, types.Record{"id": "d", "v": int64(9), "version": "w2"})

	n, err := c.log.Count(ctx, "widgets")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending ops = %d, want 0", n)
	}
}

// A nil-handler conflict is left unhandled and reported, not silently
// dropped.
func TestPush_ConflictUnhandledByDefault(t *testing.T) {
	ctx := context.Background()
	c, st, srv := newFixture(t, widgetsWithVersion(), nil)

	if err := st.Upsert(ctx, "widgets", []types.Record{{"id": "e", "v": int64(1), "version": "w1"}}); err != nil {
		t.Fatalf("seed Upsert: %v", err)
	}
	srv.Seed("widgets", types.Record{"id": "e", "v": int64(2)}, time.Now())

	if err := c.Update(ctx, "widgets", types.Record{"id": "e", "v": int64(3), "version": "w1"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	report, err := c.Push(ctx, nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(report.UnhandledConflicts) != 1 {
		t.Fatalf("UnhandledConflicts = %d, want 1", len(report.UnhandledConflicts))
	}
	if report.ConflictErr() == nil {
		t.Fatalf("ConflictErr() = nil, want non-nil")
	}

	n, err := c.log.Count(ctx, "widgets")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("pending ops = %d, want 1 (op left in place)", n)
	}
}

// An unhandled conflict on an earlier op must not block a later, pushable
// op in the same Push call — and must not be reported more than once.
func TestPush_UnhandledConflictDoesNotBlockLaterOps(t *testing.T) {
	ctx := context.Background()
	c, st, srv := newFixture(t, widgetsWithVersion(), nil)

	if err := st.Upsert(ctx, "widgets", []types.Record{
		{"id": "e", "v": int64(1), "version": "w1"},
		{"id": "f", "v": int64(1), "version": "serverF"},
	}); err != nil {
		t.Fatalf("seed Upsert: %v", err)
	}
	// e's server version has moved on (version mismatch -> 412 conflict);
	// f's server version matches exactly, so its push succeeds cleanly.
	srv.Seed("widgets", types.Record{"id": "e", "v": int64(2)}, time.Now())
	srv.SeedWithVersion("widgets", types.Record{"id": "f", "v": int64(1)}, "serverF", time.Now())

	if err := c.Update(ctx, "widgets", types.Record{"id": "e", "v": int64(3), "version": "w1"}); err != nil {
		t.Fatalf("Update e: %v", err)
	}
	if err := c.Update(ctx, "widgets", types.Record{"id": "f", "v": int64(4), "version": "serverF"}); err != nil {
		t.Fatalf("Update f: %v", err)
	}

	report, err := c.Push(ctx, nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(report.UnhandledConflicts) != 1 {
		t.Fatalf("UnhandledConflicts = %d, want exactly 1 (no repeated re-processing of the same op)", len(report.UnhandledConflicts))
	}
	if report.Pushed != 1 {
		t.Fatalf("Pushed = %d, want 1 (the later op must still go through)", report.Pushed)
	}

	nE, err := c.log.Count(ctx, "widgets")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if nE != 1 {
		t.Fatalf("pending ops = %d, want 1 (only the unhandled conflict remains)", nE)
	}
}

// A cached idempotency response (simulating a crash between the remote
// call succeeding and the local op-removal transaction committing) is
// replayed instead of resending the write — proven by seeding the
// server with a pre-existing row that would make a real retry conflict.
func TestPush_ReplaysCachedIdempotentResponseWithoutCallingRemote(t *testing.T) {
	ctx := context.Background()
	c, st, srv := newFixture(t, widgetsTable(), nil)

	if err := c.Insert(ctx, "widgets", types.Record{"id": "g", "v": int64(1)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	entry, err := c.log.PeekFirst(ctx)
	if err != nil || entry == nil {
		t.Fatalf("PeekFirst: entry=%v err=%v", entry, err)
	}

	// A real Insert attempt for "g" would now conflict (id already taken).
	srv.Seed("widgets", types.Record{"id": "g", "v": int64(-1)}, time.Now())

	cached, err := json.Marshal(idempotentResponse{Record: types.Record{"id": "g", "v": int64(99)}})
	if err != nil {
		t.Fatalf("marshal cached response: %v", err)
	}
	if err := c.log.RecordIdempotency(ctx, strconv.FormatInt(entry.Seq, 10), string(cached), time.Hour); err != nil {
		t.Fatalf("RecordIdempotency: %v", err)
	}

	report, err := c.Push(ctx, nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(report.UnhandledConflicts) != 0 {
		t.Fatalf("expected the cached response to short-circuit the conflict, got %v", report.UnhandledConflicts)
	}
	if report.Pushed != 1 {
		t.Fatalf("Pushed = %d, want 1", report.Pushed)
	}

	rec, err := st.Lookup(ctx, "widgets", "g", false)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	recordEq(t, rec, types.Record{"id": "g", "v": int64(99)})

	n, err := c.log.Count(ctx, "widgets")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending ops = %d, want 0", n)
	}
}

// S5: an incremental pull against an empty local table integrates
// every server row and advances the cursor to the latest updatedAt seen.
func TestPull_IncrementalAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	c, st, srv := newFixture(t, widgetsTable(), nil)

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	srv.Seed("widgets", types.Record{"id": "x", "v": int64(1)}, t1)
	srv.Seed("widgets", types.Record{"id": "y", "v": int64(2)}, t2)

	result, err := c.Pull(ctx, store.Query{Table: "widgets"}, "all", PullSettings{})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if result.RecordsIntegrated != 2 {
		t.Fatalf("RecordsIntegrated = %d, want 2", result.RecordsIntegrated)
	}

	recX, err := st.Lookup(ctx, "widgets", "x", false)
	if err != nil {
		t.Fatalf("Lookup x: %v", err)
	}
	recordEq(t, recX, types.Record{"id": "x", "v": int64(1)})
	recY, err := st.Lookup(ctx, "widgets", "y", false)
	if err != nil {
		t.Fatalf("Lookup y: %v", err)
	}
	recordEq(t, recY, types.Record{"id": "y", "v": int64(2)})

	got, err := cursor.New(st.DB()).Get(ctx, "all")
	if err != nil {
		t.Fatalf("cursor.Get: %v", err)
	}
	if !got.Equal(t2) {
		t.Fatalf("cursor = %v, want %v", got, t2)
	}

	// A second pull with nothing new integrates no further records and
	// leaves the cursor untouched.
	result2, err := c.Pull(ctx, store.Query{Table: "widgets"}, "all", PullSettings{})
	if err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	if result2.RecordsIntegrated != 0 {
		t.Fatalf("second RecordsIntegrated = %d, want 0", result2.RecordsIntegrated)
	}
}

// S6: force-purge drops pending ops for the table along with its rows
// and cursor; a non-force purge with pending ops fails outright.
func TestPurge_Force(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newFixture(t, widgetsTable(), nil)

	if err := c.Insert(ctx, "widgets", types.Record{"id": "p", "v": int64(1)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := c.Purge(ctx, store.Query{Table: "widgets"}, false); err == nil {
		t.Fatalf("non-force purge with pending ops: want error, got nil")
	}

	if err := c.Purge(ctx, store.Query{Table: "widgets"}, true); err != nil {
		t.Fatalf("force Purge: %v", err)
	}

	rec, err := st.Lookup(ctx, "widgets", "p", true)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec != nil {
		t.Fatalf("row survived force purge: %#v", rec)
	}
	n, err := c.log.Count(ctx, "widgets")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending ops = %d, want 0 after force purge", n)
	}
}

// Pull refuses to proceed over unreconciled local changes: an
// unhandled conflict in the implicit pre-pull push fails the pull.
func TestPull_FailsOnUnhandledImplicitPush(t *testing.T) {
	ctx := context.Background()
	c, st, srv := newFixture(t, widgetsWithVersion(), nil)

	if err := st.Upsert(ctx, "widgets", []types.Record{{"id": "z", "v": int64(1), "version": "w1"}}); err != nil {
		t.Fatalf("seed Upsert: %v", err)
	}
	srv.Seed("widgets", types.Record{"id": "z", "v": int64(9)}, time.Now())
	if err := c.Update(ctx, "widgets", types.Record{"id": "z", "v": int64(2), "version": "w1"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, err := c.Pull(ctx, store.Query{Table: "widgets"}, "all", PullSettings{})
	if err == nil {
		t.Fatalf("Pull: want error from unresolved implicit push, got nil")
	}
}

type conflictFunc func(ctx context.Context, pe *pusherror.PushError) error

func (f conflictFunc) OnConflict(ctx context.Context, pe *pusherror.PushError) error { return f(ctx, pe) }
func (f conflictFunc) OnError(ctx context.Context, pe *pusherror.PushError) error    { return nil }
