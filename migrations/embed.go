// Package migrations embeds SQL migrations for tables owned by the gateway.
// The admins and users tables belong to the application and are never migrated here.
package migrations

import "embed"

// FS holds the goose migration files.
//
//go:embed *.sql
var FS embed.FS
