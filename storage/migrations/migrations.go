// Package migrations embeds the goose migrations of the SQL stores. The
// statements are valid on both PostgreSQL and SQLite.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
