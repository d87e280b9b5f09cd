// Package drivertest holds the behaviour every storage driver must share.
// Driver packages call Run from their own tests.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"spectroscopy/pkg/domain"
)

// Factory opens driver handles for the suite.
type Factory struct {
	// NewPath returns a fresh store location.
	NewPath func(t *testing.T) string
	// Open opens a handle at path in the given mode.
	Open func(t *testing.T, path string, mode domain.Mode) (domain.Driver, error)
}

func (f Factory) mustOpen(t *testing.T, path string, mode domain.Mode) domain.Driver {
	t.Helper()
	d, err := f.Open(t, path, mode)
	if err != nil {
		t.Fatalf("open %s (%s): %v", path, mode, err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

var epoch = time.Date(2009, 1, 16, 12, 0, 0, 0, time.UTC)

// Entity builds a schema-normalised entity for the suite.
func Entity(t *testing.T, et domain.EntityType, fields domain.Fields) domain.Entity {
	t.Helper()
	norm, err := domain.DefaultSchema().Validate(et, fields)
	if err != nil {
		t.Fatalf("validate %s: %v", et, err)
	}
	return domain.Entity{
		Type:      et,
		Fields:    norm,
		Hash:      domain.ContentHash(et, norm),
		CreatedAt: epoch,
	}
}

func rawData(t *testing.T, values ...float64) domain.Entity {
	return Entity(t, domain.EntityRawData, domain.Fields{
		"d_var":     values,
		"inc_angle": []float64{10, 20, 30}[:len(values)],
		"position":  [][]float64{{15.0, 37.7, 2900}},
		"datetime":  []time.Time{epoch},
		"unit":      "ppm m",
	})
}

// Run executes the shared driver suite.
func Run(t *testing.T, f Factory) {
	t.Run("metadata", func(t *testing.T) { testMetadata(t, f) })
	t.Run("entity round trip", func(t *testing.T) { testRoundTrip(t, f) })
	t.Run("write once", func(t *testing.T) { testWriteOnce(t, f) })
	t.Run("upsert extendable", func(t *testing.T) { testUpsert(t, f) })
	t.Run("edges", func(t *testing.T) { testEdges(t, f) })
	t.Run("batch atomic", func(t *testing.T) { testBatchAtomic(t, f) })
	t.Run("query order", func(t *testing.T) { testQueryOrder(t, f) })
	t.Run("query paging", func(t *testing.T) { testQueryPaging(t, f) })
	t.Run("read only", func(t *testing.T) { testReadOnly(t, f) })
	t.Run("single writer", func(t *testing.T) { testSingleWriter(t, f) })
	t.Run("missing store", func(t *testing.T) { testMissingStore(t, f) })
}

func testMetadata(t *testing.T, f Factory) {
	ctx := context.Background()
	d := f.mustOpen(t, f.NewPath(t), domain.ModeWrite)
	if _, err := d.Metadata(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found before metadata is written, got %v", err)
	}
	meta := domain.StoreMetadata{
		SchemaVersion: domain.SchemaVersion,
		CreatedBy:     "tester",
		CreatedAt:     epoch,
		ModifiedAt:    epoch.Add(time.Hour),
		Tool:          "spectroscopy",
		Driver:        d.Name(),
		Tags:          []string{"etna"},
	}
	if err := d.WriteMetadata(ctx, meta); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	got, err := d.Metadata(ctx)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if !reflect.DeepEqual(got, meta) {
		t.Fatalf("metadata mismatch:\nwant %+v\ngot  %+v", meta, got)
	}
}

func testRoundTrip(t *testing.T, f Factory) {
	ctx := context.Background()
	path := f.NewPath(t)
	d := f.mustOpen(t, path, domain.ModeWrite)
	in := rawData(t, 1.5, math.NaN(), 3)
	in.Tags = []string{"scan"}
	id, err := d.WriteEntity(ctx, in)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if id == "" {
		t.Fatal("expected an assigned id")
	}
	check := func(d domain.Driver) {
		t.Helper()
		got, err := d.ReadEntity(ctx, id)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Type != domain.EntityRawData || got.Hash != in.Hash || !got.CreatedAt.Equal(epoch) {
			t.Fatalf("unexpected envelope %+v", got)
		}
		if !reflect.DeepEqual(got.Tags, in.Tags) {
			t.Fatalf("tags: want %v got %v", in.Tags, got.Tags)
		}
		vals, ok := got.Fields["d_var"].([]float64)
		if !ok || len(vals) != 3 || vals[0] != 1.5 || !math.IsNaN(vals[1]) {
			t.Fatalf("d_var not preserved: %#v", got.Fields["d_var"])
		}
		if !reflect.DeepEqual(got.Fields["position"], in.Fields["position"]) {
			t.Fatalf("position: want %v got %v", in.Fields["position"], got.Fields["position"])
		}
		times, ok := got.Fields["datetime"].([]time.Time)
		if !ok || len(times) != 1 || !times[0].Equal(epoch) {
			t.Fatalf("datetime not preserved: %#v", got.Fields["datetime"])
		}
		if got.Fields["unit"] != "ppm m" {
			t.Fatalf("unit not preserved: %#v", got.Fields["unit"])
		}
	}
	check(d)
	if _, err := d.ReadEntity(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	check(f.mustOpen(t, path, domain.ModeRead))
}

func testWriteOnce(t *testing.T, f Factory) {
	ctx := context.Background()
	d := f.mustOpen(t, f.NewPath(t), domain.ModeWrite)
	raw := rawData(t, 1, 2)
	id, err := d.WriteEntity(ctx, raw)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	raw.ID = id
	raw.Fields["d_var"] = []float64{9, 9}
	if _, err := d.WriteEntity(ctx, raw); !errors.Is(err, domain.ErrImmutable) {
		t.Fatalf("expected immutable, got %v", err)
	}
	got, err := d.ReadEntity(ctx, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if vals := got.Fields["d_var"].([]float64); vals[0] != 1 {
		t.Fatalf("raw data changed to %v", vals)
	}
	clash := Entity(t, domain.EntityMethod, domain.Fields{"name": "WS2PV"})
	clash.ID = id
	if _, err := d.WriteEntity(ctx, clash); !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("expected schema violation for type clash, got %v", err)
	}
}

func testUpsert(t *testing.T, f Factory) {
	ctx := context.Background()
	d := f.mustOpen(t, f.NewPath(t), domain.ModeWrite)
	flow := Entity(t, domain.EntityGasFlow, domain.Fields{"vx": []float64{1}, "unit": "m/s"})
	id, err := d.WriteEntity(ctx, flow)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	flow.ID = id
	flow.Fields["vx"] = []float64{1, 2}
	flow.ModifiedAt = epoch.Add(time.Minute)
	if _, err := d.WriteEntity(ctx, flow); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got, err := d.ReadEntity(ctx, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got.Fields["vx"], []float64{1, 2}) || !got.ModifiedAt.Equal(flow.ModifiedAt) {
		t.Fatalf("upsert not applied: %+v", got)
	}
	if n, err := d.Count(ctx, domain.EntityGasFlow); err != nil || n != 1 {
		t.Fatalf("expected one gas flow, got %d (%v)", n, err)
	}
}

func testEdges(t *testing.T, f Factory) {
	ctx := context.Background()
	d := f.mustOpen(t, f.NewPath(t), domain.ModeWrite)
	rawID, err := d.WriteEntity(ctx, rawData(t, 1))
	if err != nil {
		t.Fatalf("write raw: %v", err)
	}
	instID, err := d.WriteEntity(ctx, Entity(t, domain.EntityInstrument, domain.Fields{"sensor_id": "FLYSPEC-1"}))
	if err != nil {
		t.Fatalf("write instrument: %v", err)
	}
	edge := domain.Edge{Source: rawID, Type: domain.EdgeInstrument, Target: instID, CreatedAt: epoch}
	if err := d.WriteEdge(ctx, edge); err != nil {
		t.Fatalf("write edge: %v", err)
	}
	if err := d.WriteEdge(ctx, edge); err != nil {
		t.Fatalf("duplicate edge: %v", err)
	}
	out, err := d.ReadEdges(ctx, rawID)
	if err != nil {
		t.Fatalf("read edges: %v", err)
	}
	if len(out) != 1 || !out[0].Same(edge) || !out[0].CreatedAt.Equal(epoch) {
		t.Fatalf("unexpected outgoing edges %+v", out)
	}
	in, err := d.ReadIncoming(ctx, instID)
	if err != nil {
		t.Fatalf("read incoming: %v", err)
	}
	if len(in) != 1 || in[0].Source != rawID {
		t.Fatalf("unexpected incoming edges %+v", in)
	}
	if none, err := d.ReadEdges(ctx, instID); err != nil || len(none) != 0 {
		t.Fatalf("expected no outgoing edges on instrument, got %v (%v)", none, err)
	}
	dangling := domain.Edge{Source: rawID, Type: domain.EdgeTarget, Target: "nowhere"}
	if err := d.WriteEdge(ctx, dangling); !errors.Is(err, domain.ErrDanglingReference) {
		t.Fatalf("expected dangling reference, got %v", err)
	}
	if _, err := d.ReadEdges(ctx, "nowhere"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown source, got %v", err)
	}
}

func testBatchAtomic(t *testing.T, f Factory) {
	ctx := context.Background()
	d := f.mustOpen(t, f.NewPath(t), domain.ModeWrite)
	target := Entity(t, domain.EntityTarget, domain.Fields{"name": "Etna"})
	target.ID = "target-1"
	raw := rawData(t, 1)
	raw.ID = "raw-1"
	bad := domain.Batch{
		Entities: []domain.Entity{target, raw},
		Edges: []domain.Edge{
			{Source: "raw-1", Type: domain.EdgeTarget, Target: "target-1"},
			{Source: "raw-1", Type: domain.EdgeInstrument, Target: "missing"},
		},
	}
	if err := d.WriteBatch(ctx, bad); !errors.Is(err, domain.ErrDanglingReference) {
		t.Fatalf("expected dangling reference, got %v", err)
	}
	for _, et := range []domain.EntityType{domain.EntityTarget, domain.EntityRawData} {
		if n, err := d.Count(ctx, et); err != nil || n != 0 {
			t.Fatalf("expected no %s after failed batch, got %d (%v)", et, n, err)
		}
	}
	bad.Edges = bad.Edges[:1]
	if err := d.WriteBatch(ctx, bad); err != nil {
		t.Fatalf("batch: %v", err)
	}
	edges, err := d.ReadEdges(ctx, "raw-1")
	if err != nil || len(edges) != 1 {
		t.Fatalf("expected one edge, got %v (%v)", edges, err)
	}
}

func testQueryOrder(t *testing.T, f Factory) {
	ctx := context.Background()
	d := f.mustOpen(t, f.NewPath(t), domain.ModeWrite)
	var want []string
	for i := range 5 {
		id, err := d.WriteEntity(ctx, Entity(t, domain.EntityMethod, domain.Fields{"name": fmt.Sprintf("m%d", i)}))
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		want = append(want, id)
	}
	if _, err := d.WriteEntity(ctx, Entity(t, domain.EntityPerson, domain.Fields{"name": "Ada"})); err != nil {
		t.Fatalf("write person: %v", err)
	}
	collect := func(p domain.Predicate) []string {
		var ids []string
		for e, err := range d.Query(ctx, domain.EntityMethod, p) {
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			ids = append(ids, e.ID)
		}
		return ids
	}
	if got := collect(nil); !reflect.DeepEqual(got, want) {
		t.Fatalf("creation order: want %v got %v", want, got)
	}
	if got := collect(nil); !reflect.DeepEqual(got, want) {
		t.Fatal("query is not restartable")
	}
	odd := func(e domain.Entity) bool {
		name, _ := e.String("name")
		return name == "m1" || name == "m3"
	}
	if got := collect(odd); !reflect.DeepEqual(got, []string{want[1], want[3]}) {
		t.Fatalf("predicate: got %v", got)
	}
	for e, err := range d.Query(ctx, domain.EntityMethod, nil) {
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		name, _ := e.String("name")
		if _, err := d.WriteEntity(ctx, Entity(t, domain.EntityPerson, domain.Fields{"name": name})); err != nil {
			t.Fatalf("write during iteration: %v", err)
		}
		break
	}
	if n, err := d.Count(ctx, domain.EntityMethod); err != nil || n != 5 {
		t.Fatalf("count: %d (%v)", n, err)
	}
}

func testQueryPaging(t *testing.T, f Factory) {
	ctx := context.Background()
	d := f.mustOpen(t, f.NewPath(t), domain.ModeWrite)
	const total = 600
	b := domain.Batch{}
	for i := range total {
		e := Entity(t, domain.EntityDataQualityType, domain.Fields{"name": fmt.Sprintf("q%04d", i)})
		e.ID = fmt.Sprintf("dq-%04d", i)
		b.Entities = append(b.Entities, e)
	}
	if err := d.WriteBatch(ctx, b); err != nil {
		t.Fatalf("batch: %v", err)
	}
	i := 0
	for e, err := range d.Query(ctx, domain.EntityDataQualityType, nil) {
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if want := fmt.Sprintf("dq-%04d", i); e.ID != want {
			t.Fatalf("position %d: want %s got %s", i, want, e.ID)
		}
		i++
	}
	if i != total {
		t.Fatalf("expected %d entities, got %d", total, i)
	}
}

func testReadOnly(t *testing.T, f Factory) {
	ctx := context.Background()
	path := f.NewPath(t)
	w := f.mustOpen(t, path, domain.ModeWrite)
	if _, err := w.WriteEntity(ctx, Entity(t, domain.EntityPerson, domain.Fields{"name": "Ada"})); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	r := f.mustOpen(t, path, domain.ModeRead)
	if r.Mode() != domain.ModeRead {
		t.Fatalf("unexpected mode %s", r.Mode())
	}
	if _, err := r.WriteEntity(ctx, Entity(t, domain.EntityPerson, domain.Fields{"name": "Bob"})); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := r.WriteMetadata(ctx, domain.StoreMetadata{}); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for metadata, got %v", err)
	}
	if n, err := r.Count(ctx, domain.EntityPerson); err != nil || n != 1 {
		t.Fatalf("count: %d (%v)", n, err)
	}
	second := f.mustOpen(t, path, domain.ModeRead)
	if n, err := second.Count(ctx, domain.EntityPerson); err != nil || n != 1 {
		t.Fatalf("concurrent reader count: %d (%v)", n, err)
	}
}

func testSingleWriter(t *testing.T, f Factory) {
	path := f.NewPath(t)
	first := f.mustOpen(t, path, domain.ModeWrite)
	if _, err := f.Open(t, path, domain.ModeReadWrite); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected second writer to be refused, got %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	f.mustOpen(t, path, domain.ModeReadWrite)
}

func testMissingStore(t *testing.T, f Factory) {
	path := f.NewPath(t)
	for _, mode := range []domain.Mode{domain.ModeRead, domain.ModeReadWrite} {
		if _, err := f.Open(t, path, mode); !errors.Is(err, domain.ErrStorageUnavailable) {
			t.Fatalf("%s on missing store: expected storage unavailable, got %v", mode, err)
		}
	}
}
