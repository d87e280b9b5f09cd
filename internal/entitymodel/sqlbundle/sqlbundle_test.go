package sqlbundle

import (
	"strings"
	"testing"

	"spectroscopy/pkg/domain"
)

func TestSplitStatements(t *testing.T) {
	stmts := SplitStatements(SQLite())
	if len(stmts) == 0 {
		t.Fatal("expected sqlite DDL to produce statements")
	}
	for _, stmt := range stmts {
		if strings.HasPrefix(strings.TrimSpace(stmt), "--") {
			t.Fatalf("statement unexpectedly starts with comment: %q", stmt)
		}
		if !strings.HasSuffix(strings.TrimSpace(stmt), ";") {
			t.Fatalf("statement missing semicolon terminator: %q", stmt)
		}
	}
}

func TestSplitStatementsKeepsUnterminatedTail(t *testing.T) {
	stmts := SplitStatements("-- header\nCREATE TABLE a (x INT);\n\nSELECT 1")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[1] != "SELECT 1" {
		t.Fatalf("unexpected tail %q", stmts[1])
	}
}

func TestPostgresBundle(t *testing.T) {
	if !strings.Contains(Postgres(), "CREATE TABLE") {
		t.Fatal("expected postgres DDL to contain CREATE TABLE")
	}
	if !strings.Contains(Postgres(), "BIGSERIAL") {
		t.Fatal("expected postgres DDL to use BIGSERIAL sequences")
	}
}

func TestBundlesDeclareEveryEntityTable(t *testing.T) {
	for _, et := range domain.EntityTypes() {
		table := "CREATE TABLE IF NOT EXISTS " + TableName(et) + " ("
		if !strings.Contains(SQLite(), table) {
			t.Errorf("sqlite bundle missing %s", table)
		}
		if !strings.Contains(Postgres(), table) {
			t.Errorf("postgres bundle missing %s", table)
		}
	}
}

func TestTableName(t *testing.T) {
	cases := map[domain.EntityType]string{
		domain.EntityRawDataType:     "raw_data_type",
		domain.EntityGasFlux:         "gas_flux",
		domain.EntityPerson:          "person",
		domain.EntityDataQualityType: "data_quality_type",
	}
	for in, want := range cases {
		if got := TableName(in); got != want {
			t.Errorf("TableName(%s) = %q, want %q", in, got, want)
		}
	}
}
