// Package schema holds the in-memory schema registry: the authoritative
// record of every table's columns and their declared types, kept in
// sync with the embedded store's actual DDL by the Local Table Store.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/offlinesync/tablesync/internal/types"
)

// ErrTableNotDefined is returned when an operation references a table
// that has never been defined.
var ErrTableNotDefined = errors.New("schema: table not defined")

// ErrInvalidDefinition is returned by Define when a table
// definition is malformed.
var ErrInvalidDefinition = errors.New("schema: invalid table definition")

// ErrColumnRetype is returned when a redefinition attempts to change an
// existing column's declared type. Per spec's open question #3 this is
// rejected outright rather than silently coerced.
var ErrColumnRetype = errors.New("schema: column redefined with a different type")

// TableDef is the schema of a single table: an ordered map from column
// name to its canonical type. Column order reflects definition order
// and is used only for display/DDL purposes, never for semantics.
type TableDef struct {
	Name    string
	Columns map[string]types.ColumnType
	order   []string
}

// ColumnNames returns the table's columns in the order they were first declared.
func (t TableDef) ColumnNames() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

func (t *TableDef) addColumn(name string, ct types.ColumnType) {
	if _, exists := t.Columns[name]; exists {
		return
	}
	t.Columns[name] = ct
	t.order = append(t.order, name)
}

// Registry is the authoritative in-memory map of defined tables. It is
// safe for concurrent use, though in practice all mutation flows
// through the Local Table Store's single-writer task queue.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*TableDef
}

// NewRegistry returns an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*TableDef)}
}

// RawColumnDef is the caller-facing column definition: a type token
// before alias resolution, e.g. "int" or "text".
type RawColumnDef struct {
	Name string
	Type string
}

// TableDefinition is the input to Define: a table name plus its column
// definitions, as supplied to defineTable.
type TableDefinition struct {
	Name    string
	Columns []RawColumnDef
}

// Define applies a defineTable call to the registry. If the table is
// new, it is created with exactly the given columns. If it already
// exists, any column present in def but missing from the table is
// added; columns already present are left untouched unless their
// declared type differs, in which case Define fails with
// ErrColumnRetype rather than silently coercing.
func (r *Registry) Define(def TableDefinition) (*TableDef, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: table name is required", ErrInvalidDefinition)
	}
	if len(def.Columns) == 0 {
		return nil, fmt.Errorf("%w: %s: at least one column is required", ErrInvalidDefinition, def.Name)
	}

	resolved := make(map[string]types.ColumnType, len(def.Columns))
	order := make([]string, 0, len(def.Columns))
	var idType types.ColumnType
	sawID := false
	for _, c := range def.Columns {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: %s: empty column name", ErrInvalidDefinition, def.Name)
		}
		ct, err := types.CanonicalColumnType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidDefinition, def.Name, c.Name, err)
		}
		if _, dup := resolved[c.Name]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate column %q", ErrInvalidDefinition, def.Name, c.Name)
		}
		resolved[c.Name] = ct
		order = append(order, c.Name)
		if c.Name == types.IDColumn {
			sawID = true
			idType = ct
		}
	}
	if !sawID {
		return nil, fmt.Errorf("%w: %s: %q column is mandatory", ErrInvalidDefinition, def.Name, types.IDColumn)
	}
	if idType != types.ColumnString && idType != types.ColumnInteger {
		return nil, fmt.Errorf("%w: %s: id column must be string or integer, got %s", ErrInvalidDefinition, def.Name, idType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.tables[def.Name]
	if !ok {
		td := &TableDef{Name: def.Name, Columns: make(map[string]types.ColumnType, len(resolved))}
		for _, name := range order {
			td.addColumn(name, resolved[name])
		}
		r.tables[def.Name] = td
		return td, nil
	}

	for _, name := range order {
		newType := resolved[name]
		if curType, present := existing.Columns[name]; present {
			if curType != newType {
				return nil, fmt.Errorf("%w: %s.%s: declared %s, redefinition requests %s",
					ErrColumnRetype, def.Name, name, curType, newType)
			}
			continue
		}
		existing.addColumn(name, newType)
	}
	return existing, nil
}

// Lookup returns the table definition, or ErrTableNotDefined.
func (r *Registry) Lookup(table string) (TableDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	td, ok := r.tables[table]
	if !ok {
		return TableDef{}, fmt.Errorf("%w: %s", ErrTableNotDefined, table)
	}
	return *td, nil
}

// Exists reports whether table has been defined.
func (r *Registry) Exists(table string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tables[table]
	return ok
}

// TableNames returns all defined table names, sorted.
func (r *Registry) TableNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ColumnType resolves a single column's type within a defined table.
func (r *Registry) ColumnType(table, column string) (types.ColumnType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	td, ok := r.tables[table]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTableNotDefined, table)
	}
	ct, ok := td.Columns[column]
	if !ok {
		return "", fmt.Errorf("schema: %s: unknown column %q", table, column)
	}
	return ct, nil
}
