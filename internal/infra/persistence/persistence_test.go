package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"spectroscopy/pkg/domain"
)

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.WithDefaults()
	if o.Mode != domain.ModeRead || o.Schema == nil || o.LockTimeout != DefaultLockTimeout {
		t.Fatalf("unexpected defaults %+v", o)
	}
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := Acquire(ctx, time.Second, func() (bool, error) {
		calls++
		if calls < 3 {
			return true, errors.New("busy")
		}
		return false, nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success after retries, got %v after %d calls", err, calls)
	}
	fatal := errors.New("broken")
	if err := Acquire(ctx, time.Second, func() (bool, error) { return false, fatal }); !errors.Is(err, fatal) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
	err = Acquire(ctx, 20*time.Millisecond, func() (bool, error) { return true, errors.New("busy") })
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := Acquire(cancelled, time.Second, func() (bool, error) { return true, errors.New("busy") }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestLockFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.xml")
	release, err := LockFile(ctx, path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := LockFile(ctx, path, 20*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected contention, got %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := LockFile(ctx, path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	_ = again()
}

func TestStageBatch(t *testing.T) {
	schema := domain.DefaultSchema()
	stored := map[string]domain.EntityType{"raw-1": domain.EntityRawData, "m-1": domain.EntityMethod}
	lookup := func(id string) (domain.EntityType, bool, error) {
		t, ok := stored[id]
		return t, ok, nil
	}
	b := domain.Batch{
		Entities: []domain.Entity{{Type: domain.EntityConcentration}},
		Edges:    []domain.Edge{{Source: "", Type: domain.EdgeDerivedFrom, Target: "raw-1"}},
	}
	if err := StageBatch(schema, &b, lookup); !errors.Is(err, domain.ErrDanglingReference) {
		t.Fatalf("expected dangling reference for empty source, got %v", err)
	}
	if b.Entities[0].ID == "" {
		t.Fatal("expected id assignment")
	}
	b.Edges[0].Source = b.Entities[0].ID
	if err := StageBatch(schema, &b, lookup); err != nil {
		t.Fatalf("stage: %v", err)
	}
	dup := domain.Batch{Entities: []domain.Entity{{ID: "x", Type: domain.EntityPerson}, {ID: "x", Type: domain.EntityPerson}}}
	if err := StageBatch(schema, &dup, lookup); err == nil {
		t.Fatal("expected duplicate id failure")
	}
	rewrite := domain.Batch{Entities: []domain.Entity{{ID: "raw-1", Type: domain.EntityRawData}}}
	if err := StageBatch(schema, &rewrite, lookup); !errors.Is(err, domain.ErrImmutable) {
		t.Fatalf("expected immutable, got %v", err)
	}
	if err := CheckEdgeEndpoints(domain.Edge{Source: "m-1", Type: domain.EdgeMethod, Target: "gone"}, lookup); !errors.Is(err, domain.ErrDanglingReference) {
		t.Fatalf("expected dangling reference, got %v", err)
	}
	edgeOnly := domain.Batch{Edges: []domain.Edge{{Source: "raw-1", Type: domain.EdgeMethod, Target: "gone"}}}
	var dangling *domain.DanglingReferenceError
	if err := StageBatch(schema, &edgeOnly, lookup); !errors.As(err, &dangling) || dangling.ID != "gone" {
		t.Fatalf("expected dangling target in edge-only batch, got %v", err)
	}
}

func TestPaginate(t *testing.T) {
	pages := map[string][]domain.Entity{
		"":   {{ID: "a"}, {ID: "b"}},
		"p2": {{ID: "c"}},
	}
	next := map[string]string{"": "p2", "p2": ""}
	seq := Paginate(context.Background(), func(cursor string) ([]domain.Entity, string, error) {
		return pages[cursor], next[cursor], nil
	})
	var ids []string
	for e, err := range seq {
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		ids = append(ids, e.ID)
	}
	if len(ids) != 3 || ids[2] != "c" {
		t.Fatalf("unexpected ids %v", ids)
	}
	boom := errors.New("boom")
	for _, err := range Paginate(context.Background(), func(string) ([]domain.Entity, string, error) { return nil, "", boom }) {
		if !errors.Is(err, boom) {
			t.Fatalf("expected load error, got %v", err)
		}
	}
}
