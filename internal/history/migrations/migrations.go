// Package migrations embeds the schema files applied by the migrate command
// and the integration test setup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_task_runs.sql",
	"002_create_executions.sql",
}
