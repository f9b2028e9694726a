// Package migrations embeds the SQL schema migrations for the agent registry.
package migrations

import "embed"

// FS contains all SQL migration files, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
