// Package migrations embeds the SQL migration files the store applies at open.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
