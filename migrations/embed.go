// Package migrations embeds the SQL schema files so the binary can apply
// them without a deploy artifact.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
