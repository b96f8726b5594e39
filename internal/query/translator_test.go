package query

import (
	"strings"
	"testing"
)

func TestTranslate_SimpleSelect(t *testing.T) {
	stmts, err := Translate(Query{Table: "t"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stmts) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(stmts))
	}
	if !strings.Contains(stmts[0].SQL, `SELECT * FROM "t"`) {
		t.Errorf("unexpected SQL: %s", stmts[0].SQL)
	}
}

func TestTranslate_EmptyTable(t *testing.T) {
	if _, err := Translate(Query{}); err == nil {
		t.Error("expected error for empty table")
	}
}

func TestTranslate_FilterAndOrder(t *testing.T) {
	stmts, err := Translate(Query{
		Table:      "t",
		Filter:     `"v" > ?`,
		FilterArgs: []any{3},
		OrderBy:    "updatedAt",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sql := stmts[0].SQL
	if !strings.Contains(sql, `WHERE "v" > ?`) {
		t.Errorf("missing filter: %s", sql)
	}
	if !strings.Contains(sql, `ORDER BY "updatedAt" ASC`) {
		t.Errorf("missing order: %s", sql)
	}
	if len(stmts[0].Parameters) != 1 || stmts[0].Parameters[0] != 3 {
		t.Errorf("unexpected parameters: %v", stmts[0].Parameters)
	}
}

func TestTranslate_Paging(t *testing.T) {
	stmts, err := Translate(Query{Table: "t", Top: 50, Skip: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sql := stmts[0].SQL
	if !strings.Contains(sql, "LIMIT ? OFFSET ?") {
		t.Errorf("missing paging clause: %s", sql)
	}
	if len(stmts[0].Parameters) != 2 || stmts[0].Parameters[0] != 50 || stmts[0].Parameters[1] != 100 {
		t.Errorf("unexpected parameters: %v", stmts[0].Parameters)
	}
}

func TestTranslate_SkipWithoutTop(t *testing.T) {
	stmts, err := Translate(Query{Table: "t", Skip: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stmts[0].SQL, "LIMIT -1 OFFSET ?") {
		t.Errorf("unexpected SQL: %s", stmts[0].SQL)
	}
}

func TestTranslate_IncludeCount(t *testing.T) {
	stmts, err := Translate(Query{Table: "t", Filter: `"v" = ?`, FilterArgs: []any{1}, IncludeCount: true, Top: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	if !strings.Contains(stmts[1].SQL, "SELECT COUNT(*)") {
		t.Errorf("unexpected count SQL: %s", stmts[1].SQL)
	}
	if strings.Contains(stmts[1].SQL, "LIMIT") {
		t.Errorf("count statement should not be paged: %s", stmts[1].SQL)
	}
	if len(stmts[1].Parameters) != 1 || stmts[1].Parameters[0] != 1 {
		t.Errorf("unexpected count parameters: %v", stmts[1].Parameters)
	}
}

func TestTranslate_Projection(t *testing.T) {
	stmts, err := Translate(Query{Table: "t", Projection: []string{"id", "v"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stmts[0].SQL, `SELECT "id", "v" FROM "t"`) {
		t.Errorf("unexpected SQL: %s", stmts[0].SQL)
	}
}
