package store

import (
	"database/sql"
	"fmt"

	"github.com/offlinesync/tablesync/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies all pending goose migrations for tablesync's
// reserved system tables (op_log, sync_cursor, push_idempotency).
// User-defined tables are never goose-migrated; defineTable owns them.
func RunMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
