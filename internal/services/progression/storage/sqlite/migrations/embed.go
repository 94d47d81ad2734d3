package migrations

import "embed"

// FS contains embedded SQLite migrations for progression storage.
//
//go:embed *.sql
var FS embed.FS
