// Package sqldocs exposes the dataset store DDL directly from the docs tree.
package sqldocs

import _ "embed"

// SQLite contains the SQLite DDL for the dataset store.
//
//go:embed sqlite.sql
var SQLite string

// Postgres contains the Postgres DDL for the dataset store.
//
//go:embed postgres.sql
var Postgres string
