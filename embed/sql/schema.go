package sql

import _ "embed"

// Schema creates the catalog and claim tables and their views. Every
// statement is idempotent.
//
//go:embed schema.sql
var Schema string
