// Package schema embeds the Postgres DDL applied by the schema subcommand.
package schema

import _ "embed"

//go:embed schema.sql
var DDL string
