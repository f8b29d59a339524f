// Package migrations embeds the goose SQL migration files applied by
// postgres.Migrate at startup.
package migrations

import "embed"

// FS holds every *.sql migration file, consumed by goose via goose.SetBaseFS.
//
//go:embed *.sql
var FS embed.FS
