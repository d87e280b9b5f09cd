// Package sqlbundle exposes the relational DDL bundles and the table naming
// shared by the SQL drivers.
package sqlbundle

import (
	"bufio"
	"strings"
	"unicode"

	sqldocs "spectroscopy/docs/schema/sql"
	"spectroscopy/pkg/domain"
)

// SQLite returns the SQLite DDL for the dataset store.
func SQLite() string {
	return sqldocs.SQLite
}

// Postgres returns the Postgres DDL for the dataset store.
func Postgres() string {
	return sqldocs.Postgres
}

// TableName maps an entity type to its table, e.g. RawDataType to raw_data_type.
func TableName(t domain.EntityType) string {
	var b strings.Builder
	for i, r := range string(t) {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SplitStatements splits a semicolon-terminated DDL script into executable statements.
// It drops blank lines and single-line comments that start with "--".
func SplitStatements(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var stmts []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}

	if tail := strings.TrimSpace(current.String()); tail != "" {
		stmts = append(stmts, tail)
	}

	return stmts
}
