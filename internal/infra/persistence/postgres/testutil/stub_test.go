package testutil

import (
	"context"
	"database/sql/driver"
	"testing"
)

func TestStubDBStoresAndQueriesRows(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	_, err := conn.ExecContext(ctx, "INSERT INTO metadata(key, payload) VALUES($1, $2) ON CONFLICT(key) DO UPDATE SET payload = excluded.payload", []driver.NamedValue{
		{Value: "store"},
		{Value: []byte("v1")},
	})
	if err != nil {
		t.Fatalf("ExecContext insert: %v", err)
	}
	_, err = conn.ExecContext(ctx, "INSERT INTO metadata(key, payload) VALUES($1, $2) ON CONFLICT(key) DO UPDATE SET payload = excluded.payload", []driver.NamedValue{
		{Value: "store"},
		{Value: []byte("v2")},
	})
	if err != nil {
		t.Fatalf("ExecContext upsert: %v", err)
	}
	if len(conn.Tables["metadata"]) != 1 {
		t.Fatalf("expected upsert to replace the row, got %v", conn.Tables["metadata"])
	}

	rows, err := conn.QueryContext(ctx, "SELECT payload FROM metadata WHERE key = $1", nil)
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	defer func() { _ = rows.Close() }()

	dest := make([]driver.Value, 1)
	if err := rows.Next(dest); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(dest[0].([]byte)) != "v2" {
		t.Fatalf("unexpected row values: %v", dest)
	}
	if len(conn.ExecLog()) != 2 || len(conn.QueryLog()) != 1 {
		t.Fatalf("unexpected logs: %v %v", conn.ExecLog(), conn.QueryLog())
	}
}

func TestStubScalarsAnswerFunctionQueries(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	conn.Scalars["pg_try_advisory_lock"] = true
	rows, err := conn.QueryContext(ctx, "SELECT pg_try_advisory_lock($1)", nil)
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	dest := make([]driver.Value, 1)
	if err := rows.Next(dest); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if dest[0] != true {
		t.Fatalf("expected scalar true, got %v", dest[0])
	}
}

func TestStubFailures(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	conn.FailPing = true
	if err := conn.Ping(ctx); err == nil {
		t.Fatal("expected ping failure")
	}
	conn.FailTables = map[string]bool{"edges": true}
	if _, err := conn.ExecContext(ctx, "INSERT INTO edges(a) VALUES($1)", []driver.NamedValue{{Value: 1}}); err == nil {
		t.Fatal("expected table failure")
	}
	conn.FailBegin = true
	if _, err := conn.Begin(); err == nil {
		t.Fatal("expected begin failure")
	}
}
