package migrations

import "embed"

// FS holds the migrations of every schema, one directory per schema.
//
//go:embed */*.sql
var FS embed.FS
