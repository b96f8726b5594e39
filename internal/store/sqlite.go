// Package store implements the Local Table Store: a typed,
// schema-evolving, transactional record store backed by an embedded
// SQLite database. All public operations are serialized through a
// single-writer task queue so that the read-then-write sequences the
// Sync Context depends on are never interleaved with another caller.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/offlinesync/tablesync/internal/query"
	"github.com/offlinesync/tablesync/internal/schema"
	"github.com/offlinesync/tablesync/internal/serializer"
	"github.com/offlinesync/tablesync/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the default Store Capability implementation.
type SQLiteStore struct {
	db       *sql.DB
	dbPath   string
	registry *schema.Registry
	queue    *taskQueue
}

// Option configures optional SQLiteStore settings.
type Option func(*SQLiteStore)

// Open creates a new SQLiteStore at dbPath (or ":memory:"), enables the
// WAL pragma set, and runs the reserved-table migrations.
func Open(dbPath string, busyTimeoutMillis int, opts ...Option) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db, busyTimeoutMillis); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		dbPath:   dbPath,
		registry: schema.NewRegistry(),
		queue:    newTaskQueue(),
	}
	for _, opt := range opts {
		opt(s)
	}

	slog.Info("local table store opened", "component", "store", "path", dbPath)
	return s, nil
}

func enablePragmas(db *sql.DB, busyTimeoutMillis int) error {
	if busyTimeoutMillis <= 0 {
		busyTimeoutMillis = 5000
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMillis),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("execute %s: %w", p, err)
		}
	}
	return nil
}

// Registry exposes the schema registry for read-only inspection (used
// by the Query Translator's callers and the synctool CLI).
func (s *SQLiteStore) Registry() *schema.Registry {
	return s.registry
}

// DB exposes the underlying connection for the Operation Log and
// incremental-cursor packages, which manage their own reserved tables
// outside the user-table schema registry but share this connection
// pool. Their statements run on it directly, outside the store's
// single-writer task queue.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Path returns the filesystem path the store was opened with, or
// ":memory:" for an in-memory store, which Snapshot refuses to copy.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Snapshot writes a point-in-time, internally-consistent copy of the
// whole store file to destPath using SQLite's VACUUM INTO, run on the
// single-writer queue so it never races a concurrent mutation. Unlike
// a raw file copy, VACUUM INTO is safe to run against a live WAL-mode
// database without first closing or locking out other operations.
func (s *SQLiteStore) Snapshot(ctx context.Context, destPath string) error {
	if s.dbPath == ":memory:" {
		return errors.New("store: cannot snapshot an in-memory store")
	}
	if dir := filepath.Dir(destPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	return s.queue.submit(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath)
		if err != nil {
			return fmt.Errorf("snapshot store: %w", err)
		}
		return nil
	})
}

// Submit runs fn on the store's single-writer task queue without
// wrapping it in a transaction of its own, for callers that only need
// serialization, not atomicity.
func (s *SQLiteStore) Submit(ctx context.Context, fn func() error) error {
	return s.queue.submit(ctx, fn)
}

// Close releases the connection and stops the task queue. Further
// operations return ErrClosed.
func (s *SQLiteStore) Close() error {
	var err error
	submitErr := s.queue.submit(context.Background(), func() error {
		err = s.db.Close()
		return nil
	})
	s.queue.close()
	if submitErr != nil {
		return submitErr
	}
	return err
}

// DefineTable implements defineTable. See spec §4.1.
func (s *SQLiteStore) DefineTable(ctx context.Context, def schema.TableDefinition) error {
	return s.queue.submit(ctx, func() error {
		return s.defineTableLocked(def)
	})
}

func (s *SQLiteStore) defineTableLocked(def schema.TableDefinition) error {
	if len(def.Columns) > maxColumns {
		return fmt.Errorf("%w: %s declares %d columns, limit is %d", ErrColumnLimitExceeded, def.Name, len(def.Columns), maxColumns)
	}

	// Resolve id type up front; Registry.Define validates the rest and
	// rejects retype hazards before any DDL runs.
	var idType types.ColumnType
	for _, c := range def.Columns {
		if c.Name == types.IDColumn {
			ct, err := types.CanonicalColumnType(c.Type)
			if err != nil {
				return err
			}
			idType = ct
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin defineTable transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := tableExists(tx, def.Name)
	if err != nil {
		return fmt.Errorf("check table existence: %w", err)
	}

	if !exists {
		if _, err := tx.Exec(createTableSQL(def, idType)); err != nil {
			return fmt.Errorf("create table %s: %w", def.Name, err)
		}
	} else {
		present, err := existingColumns(tx, def.Name)
		if err != nil {
			return err
		}
		for _, c := range def.Columns {
			if present[c.Name] {
				continue
			}
			ct, err := types.CanonicalColumnType(c.Type)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(addColumnSQL(def.Name, c.Name, ct)); err != nil {
				return fmt.Errorf("add column %s.%s: %w", def.Name, c.Name, err)
			}
		}
	}

	// Registry.Define must run after the DDL succeeds but before commit,
	// so a retype rejection rolls back any columns already added above.
	if _, err := s.registry.Define(def); err != nil {
		return err
	}

	return tx.Commit()
}

// Upsert implements upsert. See spec §4.1.
func (s *SQLiteStore) Upsert(ctx context.Context, tableName string, records []types.Record) error {
	return s.queue.submit(ctx, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin upsert transaction: %w", err)
		}
		defer tx.Rollback()

		if err := s.upsertManyInTx(tx, tableName, records); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) upsertManyInTx(tx *sql.Tx, tableName string, records []types.Record) error {
	td, err := s.registry.Lookup(tableName)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if err := s.upsertOneInTx(tx, td, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) upsertOneInTx(tx *sql.Tx, td schema.TableDef, rec types.Record) error {
	rawID, ok := rec[types.IDColumn]
	if !ok {
		return fmt.Errorf("%w: %s: record missing id", ErrInvalidID, td.Name)
	}
	id, err := types.ValidateID(rawID)
	if err != nil {
		return fmt.Errorf("%s: %w", td.Name, err)
	}
	rec[types.IDColumn] = id

	cols := make([]string, 0, len(rec))
	placeholders := make([]string, 0, len(rec))
	args := make([]any, 0, len(rec))
	updateAssignments := make([]string, 0, len(rec))
	for col, val := range rec {
		ct, ok := td.Columns[col]
		if !ok {
			return fmt.Errorf("store: %s: unknown column %q", td.Name, col)
		}
		enc, err := serializer.Encode(ct, val)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", td.Name, col, err)
		}
		cols = append(cols, quoteIdent(col))
		placeholders = append(placeholders, "?")
		args = append(args, enc)
		if col != types.IDColumn {
			updateAssignments = append(updateAssignments, fmt.Sprintf("%s=excluded.%s", quoteIdent(col), quoteIdent(col)))
		}
	}

	var stmt string
	if len(updateAssignments) == 0 {
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING",
			quoteIdent(td.Name), joinCommas(cols), joinCommas(placeholders), quoteIdent(types.IDColumn))
	} else {
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
			quoteIdent(td.Name), joinCommas(cols), joinCommas(placeholders), quoteIdent(types.IDColumn), joinCommas(updateAssignments))
	}

	if _, err := tx.Exec(stmt, args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", td.Name, err)
	}
	return nil
}

func joinCommas(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// Lookup implements lookup. See spec §4.1.
func (s *SQLiteStore) Lookup(ctx context.Context, tableName string, id any, suppressNotFound bool) (types.Record, error) {
	var result types.Record
	err := s.queue.submit(ctx, func() error {
		r, err := s.lookupLocked(tableName, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) && suppressNotFound {
				return nil
			}
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (s *SQLiteStore) lookupLocked(tableName string, rawID any) (types.Record, error) {
	td, err := s.registry.Lookup(tableName)
	if err != nil {
		return nil, err
	}
	id, err := types.ValidateID(rawID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tableName, err)
	}

	cols := td.ColumnNames()
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", quotedList(cols), quoteIdent(td.Name), quoteIdent(types.IDColumn))
	row := s.db.QueryRow(stmt, id)
	rec, err := scanRecord(row, td, cols)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%v", ErrNotFound, tableName, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", tableName, err)
	}
	return rec, nil
}

func quotedList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quoteIdent(c)
	}
	return joinCommas(out)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(r rowScanner, td schema.TableDef, cols []string) (types.Record, error) {
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := r.Scan(ptrs...); err != nil {
		return nil, err
	}
	rec := make(types.Record, len(cols))
	for i, col := range cols {
		ct := td.Columns[col]
		val, err := serializer.Decode(ct, raw[i])
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", td.Name, col, err)
		}
		rec[col] = val
	}
	return rec, nil
}

// Delete implements del(tableName, idOrIdArray). See spec §4.1.
func (s *SQLiteStore) Delete(ctx context.Context, tableName string, ids []any) error {
	return s.queue.submit(ctx, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin delete transaction: %w", err)
		}
		defer tx.Rollback()

		if err := s.deleteManyInTx(tx, tableName, ids); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) deleteManyInTx(tx *sql.Tx, tableName string, ids []any) error {
	td, err := s.registry.Lookup(tableName)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(td.Name), quoteIdent(types.IDColumn))
	for _, rawID := range ids {
		if rawID == nil {
			continue
		}
		id, err := types.ValidateID(rawID)
		if err != nil {
			return fmt.Errorf("%s: %w", tableName, err)
		}
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("delete from %s: %w", tableName, err)
		}
	}
	return nil
}

// DeleteByQuery implements del(query): resolve the query to an id set
// (ignoring any projection/selection) and delete those rows.
func (s *SQLiteStore) DeleteByQuery(ctx context.Context, q Query) error {
	return s.queue.submit(ctx, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin delete transaction: %w", err)
		}
		defer tx.Rollback()

		ids, err := s.resolveIDsInTx(tx, q)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(q.Table), quoteIdent(types.IDColumn))
		for _, id := range ids {
			if _, err := tx.Exec(stmt, id); err != nil {
				return fmt.Errorf("delete from %s: %w", q.Table, err)
			}
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) resolveIDsInTx(tx *sql.Tx, q Query) ([]any, error) {
	idQuery := q
	idQuery.Projection = []string{types.IDColumn}
	idQuery.IncludeCount = false
	stmts, err := query.Translate(toQueryPackage(idQuery))
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(stmts[0].SQL, stmts[0].Parameters...)
	if err != nil {
		return nil, fmt.Errorf("resolve ids for %s: %w", q.Table, err)
	}
	defer rows.Close()

	var ids []any
	for rows.Next() {
		var id any
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func toQueryPackage(q Query) query.Query {
	return query.Query{
		Table:        q.Table,
		Filter:       q.Filter,
		FilterArgs:   q.FilterArgs,
		OrderBy:      q.OrderBy,
		OrderDesc:    q.OrderDesc,
		Top:          q.Top,
		Skip:         q.Skip,
		Projection:   q.Projection,
		IncludeCount: q.IncludeCount,
	}
}

// Read implements read(query). See spec §4.1/§4.2.
func (s *SQLiteStore) Read(ctx context.Context, q Query) (ReadResult, error) {
	var result ReadResult
	err := s.queue.submit(ctx, func() error {
		td, err := s.registry.Lookup(q.Table)
		if err != nil {
			return err
		}
		stmts, err := query.Translate(toQueryPackage(q))
		if err != nil {
			return err
		}

		cols := q.Projection
		if len(cols) == 0 {
			cols = td.ColumnNames()
		}
		rows, err := s.db.Query(stmts[0].SQL, stmts[0].Parameters...)
		if err != nil {
			return fmt.Errorf("read %s: %w", q.Table, err)
		}
		defer rows.Close()

		var records []types.Record
		for rows.Next() {
			rec, err := scanRecord(rows, td, cols)
			if err != nil {
				return fmt.Errorf("scan %s row: %w", q.Table, err)
			}
			records = append(records, rec)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if records == nil {
			records = []types.Record{}
		}
		result.Result = records

		if len(stmts) > 1 {
			var count int64
			if err := s.db.QueryRow(stmts[1].SQL, stmts[1].Parameters...).Scan(&count); err != nil {
				return fmt.Errorf("count %s: %w", q.Table, err)
			}
			result.Count = &count
		}
		return nil
	})
	return result, err
}

// ExecuteBatch implements executeBatch: an ordered list of upsert/delete
// operations against (possibly different) tables, applied atomically.
// This is the primitive the Sync Context uses to tie a data mutation
// and its operation-log entry into a single transaction.
func (s *SQLiteStore) ExecuteBatch(ctx context.Context, ops []BatchOp) error {
	return s.queue.submit(ctx, func() error {
		if len(ops) == 0 {
			return ErrEmptyBatch
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin batch transaction: %w", err)
		}
		defer tx.Rollback()

		for _, op := range ops {
			switch op.Action {
			case BatchUpsert:
				if op.Data == nil {
					continue
				}
				td, err := s.registry.Lookup(op.TableName)
				if err != nil {
					return err
				}
				if err := s.upsertOneInTx(tx, td, op.Data); err != nil {
					return err
				}
			case BatchDelete:
				if op.ID == nil {
					continue
				}
				if err := s.deleteManyInTx(tx, op.TableName, []any{op.ID}); err != nil {
					return err
				}
			case BatchRaw:
				if op.Raw == nil {
					continue
				}
				if err := op.Raw.Apply(tx); err != nil {
					return err
				}
			default:
				return fmt.Errorf("store: unknown batch action %d", op.Action)
			}
		}
		return tx.Commit()
	})
}
