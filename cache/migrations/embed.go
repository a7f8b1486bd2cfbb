package migrations

import "embed"

// FS contains embedded SQLite migrations for partition storage.
//
//go:embed *.sql
var FS embed.FS
