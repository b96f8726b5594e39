// Package migrations embeds the goose migration files for tablesync's
// reserved system tables (the operation log and the incremental-sync
// cursor store). User-defined tables are never migrated through goose:
// they are created and evolved additively at runtime by the schema
// registry (see internal/schema and internal/store).
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
