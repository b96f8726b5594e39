package store

import (
	"context"
	"database/sql"

	"github.com/offlinesync/tablesync/internal/schema"
	"github.com/offlinesync/tablesync/internal/types"
)

// TxOp is a raw transactional mutation supplied by a collaborator
// package (the Operation Log's coalescing writes, chiefly) that must
// execute inside the same transaction as the data-table mutations in
// an executeBatch call. This is the mechanism that ties an operation
// log entry to its data-table write atomically, per spec §4.3.
type TxOp interface {
	Apply(tx *sql.Tx) error
}

// BatchOp is one entry of an executeBatch call: an upsert or delete
// against a single table, or a raw op-log mutation. Exactly one of
// Data (upsert), ID (delete), or Raw (BatchRaw) is meaningful,
// selected by Action.
type BatchOp struct {
	Action    BatchAction
	TableName string
	Data      types.Record // upsert payload
	ID        any          // delete target
	Raw       TxOp         // raw transactional mutation
}

// BatchAction selects the kind of mutation a BatchOp performs.
type BatchAction int

const (
	BatchUpsert BatchAction = iota
	BatchDelete
	BatchRaw
)

// Query is the structured input the Query Translator accepts and the
// store's read/del(query) operations resolve against.
type Query struct {
	Table        string
	Filter       string // translator-ready filter expression; see internal/query
	FilterArgs   []any
	OrderBy      string
	OrderDesc    bool
	Top          int
	Skip         int
	Projection   []string
	IncludeCount bool
}

// ReadResult is the return value of read(query): the matching records,
// and — only when the query requested it — the total count ignoring
// paging.
type ReadResult struct {
	Result []types.Record
	Count  *int64
}

// Capability is the Store Capability interface named by the design
// notes: the default SQLite-backed store is one implementation: a
// user-supplied store satisfying the same contract could stand in for it.
type Capability interface {
	DefineTable(ctx context.Context, def schema.TableDefinition) error
	Upsert(ctx context.Context, tableName string, records []types.Record) error
	Lookup(ctx context.Context, tableName string, id any, suppressNotFound bool) (types.Record, error)
	Delete(ctx context.Context, tableName string, ids []any) error
	DeleteByQuery(ctx context.Context, q Query) error
	Read(ctx context.Context, q Query) (ReadResult, error)
	ExecuteBatch(ctx context.Context, ops []BatchOp) error
	Close() error
}
