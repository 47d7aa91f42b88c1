// Package migrations embeds the SQL schema for each database engine.
package migrations

import _ "embed"

//go:embed postgres.sql
var Postgres string

//go:embed sqlite.sql
var SQLite string
