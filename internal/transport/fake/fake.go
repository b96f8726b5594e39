// Package fake is an in-process double for the remote table service,
// used to unit-test the Sync Context's pull/push orchestration without
// a network. It implements transport.Remote directly.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/offlinesync/tablesync/internal/transport"
	"github.com/offlinesync/tablesync/internal/types"
	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned by Delete when no row matches the given id.
var ErrNotFound = errors.New("fake: record not found")

type row struct {
	record    types.Record
	version   string
	updatedAt time.Time
	deleted   bool
}

// Server is a minimal in-memory remote table service: one map of rows
// per table, optimistic concurrency via a ulid-generated version per
// write, and deterministic ordering by updatedAt for pull pages.
type Server struct {
	mu     sync.Mutex
	tables map[string]map[string]*row
	clock  func() time.Time

	// ConflictOnUpdate, when set, forces the next matching Update call to
	// return a 412-equivalent conflict instead of applying the write.
	ConflictOnUpdate map[string]bool
}

// New returns an empty fake server. clock defaults to time.Now if nil,
// and may be overridden for deterministic updatedAt assignment in tests.
func New(clock func() time.Time) *Server {
	if clock == nil {
		clock = time.Now
	}
	return &Server{
		tables:           make(map[string]map[string]*row),
		clock:            clock,
		ConflictOnUpdate: make(map[string]bool),
	}
}

// Seed inserts a record directly, bypassing version/conflict checks —
// used to set up pull fixtures representing pre-existing server state.
func (s *Server) Seed(table string, rec types.Record, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tableLocked(table)[types.IDString(rec[types.IDColumn])] = &row{
		record:    rec,
		version:   ulid.Make().String(),
		updatedAt: updatedAt,
	}
}

// SeedWithVersion is Seed with an explicit version, for tests that need
// a subsequent client-side If-Match to line up exactly.
func (s *Server) SeedWithVersion(table string, rec types.Record, version string, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tableLocked(table)[types.IDString(rec[types.IDColumn])] = &row{
		record:    rec,
		version:   version,
		updatedAt: updatedAt,
	}
}

func (s *Server) tableLocked(table string) map[string]*row {
	t, ok := s.tables[table]
	if !ok {
		t = make(map[string]*row)
		s.tables[table] = t
	}
	return t
}

// Pull returns rows whose updatedAt is strictly after q.CursorAfter (or
// all rows if unset), paged by q.Skip/q.Top. q.Filter is not parsed —
// the fake only supports the structured cursor field.
func (s *Server) Pull(ctx context.Context, q transport.PullQuery) (transport.PullPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*row, 0)
	for _, r := range s.tableLocked(q.Table) {
		if q.CursorAfter != nil && !r.updatedAt.After(*q.CursorAfter) {
			continue
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].updatedAt.Before(rows[j].updatedAt) })

	skip := q.Skip
	top := q.Top
	if top <= 0 {
		top = len(rows)
	}
	if skip > len(rows) {
		skip = len(rows)
	}
	end := skip + top
	if end > len(rows) {
		end = len(rows)
	}
	page := rows[skip:end]

	records := make([]types.Record, len(page))
	for i, r := range page {
		rec := cloneRecord(r.record)
		rec[types.ColumnDeleted] = r.deleted
		rec["updatedAt"] = r.updatedAt
		records[i] = rec
	}
	return transport.PullPage{Records: records}, nil
}

// Insert creates a new row, assigning a fresh version.
func (s *Server) Insert(ctx context.Context, table string, record types.Record) (types.Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tableLocked(table)
	id := types.IDString(record[types.IDColumn])
	if _, exists := t[id]; exists {
		return nil, "", &transport.ErrConflict{StatusCode: 409}
	}
	version := ulid.Make().String()
	t[id] = &row{record: cloneRecord(record), version: version, updatedAt: s.clock()}
	return cloneRecord(record), version, nil
}

// Update applies an optimistic-concurrency PATCH: if ifMatchVersion is
// set and doesn't match the stored version, returns ErrConflict with
// the current server record, mirroring a 412 response.
func (s *Server) Update(ctx context.Context, table string, id any, record types.Record, ifMatchVersion string) (types.Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tableLocked(table)
	key := types.IDString(id)
	existing, ok := t[key]
	if !ok {
		return nil, "", &transport.ErrConflict{StatusCode: 409}
	}
	if (ifMatchVersion != "" && existing.version != ifMatchVersion) || s.ConflictOnUpdate[table+"/"+key] {
		delete(s.ConflictOnUpdate, table+"/"+key)
		return nil, "", &transport.ErrConflict{StatusCode: 412, ServerRecord: cloneRecord(existing.record)}
	}
	version := ulid.Make().String()
	existing.record = cloneRecord(record)
	existing.version = version
	existing.updatedAt = s.clock()
	return cloneRecord(existing.record), version, nil
}

// Delete removes a row, honoring If-Match the same way Update does.
func (s *Server) Delete(ctx context.Context, table string, id any, ifMatchVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tableLocked(table)
	key := types.IDString(id)
	existing, ok := t[key]
	if !ok {
		return fmt.Errorf("fake: delete %s/%s: %w", table, key, ErrNotFound)
	}
	if ifMatchVersion != "" && existing.version != ifMatchVersion {
		return &transport.ErrConflict{StatusCode: 412, ServerRecord: cloneRecord(existing.record)}
	}
	delete(t, key)
	return nil
}

func cloneRecord(r types.Record) types.Record {
	out := make(types.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
