package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/offlinesync/tablesync/internal/schema"
	"github.com/offlinesync/tablesync/internal/types"
)

// maxColumns is the documented column-count threshold at which SQLite's
// per-statement bound parameter limit would be exceeded by the
// generated upsert statement.
const maxColumns = 999

func sqlColumnType(ct types.ColumnType) string {
	switch ct {
	case types.ColumnInteger, types.ColumnBoolean, types.ColumnDate:
		return "INTEGER"
	case types.ColumnReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// quoteIdent wraps a SQLite identifier in double quotes, escaping any
// embedded quote. Table and column names come from defineTable callers,
// not from record data, but are still quoted defensively.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// createTableSQL builds the CREATE TABLE statement for a brand-new
// user table. The id column is declared with NOCASE collation when its
// type is string, matching the case-insensitive id comparison required
// throughout the system; integer ids need no collation.
func createTableSQL(def schema.TableDefinition, idType types.ColumnType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", quoteIdent(def.Name))
	parts := make([]string, 0, len(def.Columns))
	for _, c := range def.Columns {
		ct, _ := types.CanonicalColumnType(c.Type)
		col := quoteIdent(c.Name) + " " + sqlColumnType(ct)
		if c.Name == types.IDColumn {
			if idType == types.ColumnString {
				col += " COLLATE NOCASE"
			}
			col += " PRIMARY KEY"
		}
		parts = append(parts, col)
	}
	b.WriteString(strings.Join(parts, ",\n"))
	b.WriteString("\n)")
	return b.String()
}

func addColumnSQL(table, column string, ct types.ColumnType) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(column), sqlColumnType(ct))
}

// existingColumns introspects a user table's current columns via PRAGMA
// table_info, used to decide which columns a defineTable merge must add.
func existingColumns(db querier, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("introspect table %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info row: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// tableExists reports whether table is a known SQLite table.
func tableExists(db querier, table string) (bool, error) {
	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting DDL helpers
// run either standalone or inside a defineTable transaction.
type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}
