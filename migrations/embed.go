// Package migrations holds the relaydb schema migration files, embedded so
// the migrator binary ships self-contained with no directory to mount.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
