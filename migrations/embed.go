// Package migrations embeds the Postgres schema applied by the migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
