package migrations

import "embed"

// FS contains embedded SQLite migrations for key-value storage.
//
//go:embed *.sql
var FS embed.FS
