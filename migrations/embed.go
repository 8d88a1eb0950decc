// Package migrations embeds the schema migrations for both supported
// backends so the binary can migrate without files on disk.
package migrations

import "embed"

//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
