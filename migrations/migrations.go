// Package migrations embeds the SQL schema of the billing store.
package migrations

import "embed"

// FS holds the numbered migration files, e.g. 001_billing.sql.
//
//go:embed *.sql
var FS embed.FS
