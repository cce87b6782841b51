// Package migrations embeds the SQL schema applied by `api-gateway migrate`.
package migrations

import "embed"

// FS holds the migration files in apply order by name.
//
//go:embed *.sql
var FS embed.FS

// Files lists the migrations in the order they must run.
var Files = []string{
	"001_create_users.sql",
	"002_create_tasks.sql",
}
