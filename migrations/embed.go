// Package migrations embeds the PostgreSQL schema for the credential, OAuth
// state, and webhook delivery tables. The sqlite backend keeps its own
// schema; these files are Postgres dialect.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
