// Package query translates a structured query object into the SQL
// statements the Local Table Store executes. It is pure and stateless:
// it never touches a database connection.
package query

import (
	"fmt"
	"strings"
)

// Query is the structured input accepted by the translator: a table
// name, an optional filter predicate (already expressed as a SQL
// boolean expression over column names, with positional parameters),
// ordering, paging, projection, and a count flag. The filter's shape
// itself is produced upstream (e.g. from an OData-style predicate
// object); the translator only assembles it into statements.
type Query struct {
	Table        string
	Filter       string
	FilterArgs   []any
	OrderBy      string
	OrderDesc    bool
	Top          int
	Skip         int
	Projection   []string
	IncludeCount bool
}

// Statement is one SQL statement plus its positional parameters.
type Statement struct {
	SQL        string
	Parameters []any
}

// errEmptyTable is returned when Query.Table is empty.
var errEmptyTable = fmt.Errorf("query: table name is required")

// Translate produces 1 or 2 statements: the data statement, and, only
// when IncludeCount is set, a second COUNT(*) statement over the same
// filter (ignoring projection, ordering, and paging).
func Translate(q Query) ([]Statement, error) {
	if q.Table == "" {
		return nil, errEmptyTable
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(projectionClause(q.Projection))
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(q.Table))

	args := make([]any, 0, len(q.FilterArgs)+2)
	if q.Filter != "" {
		b.WriteString(" WHERE ")
		b.WriteString(q.Filter)
		args = append(args, q.FilterArgs...)
	}
	if q.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(quoteIdent(q.OrderBy))
		if q.OrderDesc {
			b.WriteString(" DESC")
		} else {
			b.WriteString(" ASC")
		}
	}
	if q.Top > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Top)
		if q.Skip > 0 {
			b.WriteString(" OFFSET ?")
			args = append(args, q.Skip)
		}
	} else if q.Skip > 0 {
		// SQLite requires a LIMIT clause for OFFSET to take effect;
		// -1 means "no limit" while still honoring the offset.
		b.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, q.Skip)
	}

	statements := []Statement{{SQL: b.String(), Parameters: args}}

	if q.IncludeCount {
		var cb strings.Builder
		cb.WriteString("SELECT COUNT(*) FROM ")
		cb.WriteString(quoteIdent(q.Table))
		countArgs := make([]any, 0, len(q.FilterArgs))
		if q.Filter != "" {
			cb.WriteString(" WHERE ")
			cb.WriteString(q.Filter)
			countArgs = append(countArgs, q.FilterArgs...)
		}
		statements = append(statements, Statement{SQL: cb.String(), Parameters: countArgs})
	}

	return statements, nil
}

func projectionClause(cols []string) string {
	if len(cols) == 0 {
		return "*"
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
