package dataset

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"spectroscopy/internal/blob"
	blobmemory "spectroscopy/internal/infra/blob/memory"
	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
	"spectroscopy/plugins/flyspec"
)

// preferredFixture holds a target and a selectable flux for PreferredFlux
// tests.
type preferredFixture struct {
	target string
	flux   string
}

func newPreferredFixture(t *testing.T, d *Dataset, name string) preferredFixture {
	t.Helper()
	raw := importFlyspec(t, d, 1, 2, 3)
	return preferredFixture{
		target: mustNew(t, d, domain.EntityTarget, domain.Fields{"name": name}),
		flux:   mustNew(t, d, domain.EntityGasFlux, domain.Fields{"value": 4.2, "unit": "kg/s", "derivedFrom": raw[0]}),
	}
}

// fields returns PreferredFlux fields for window [start, start+1h).
func (f preferredFixture) fields(start time.Time, extra domain.Fields) domain.Fields {
	out := domain.Fields{"window_start": start, "window_end": start.Add(time.Hour), "selects": f.flux}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func assertActive(t *testing.T, d *Dataset, id string, want bool) {
	t.Helper()
	got, err := d.Active(context.Background(), id)
	if err != nil {
		t.Fatalf("active %s: %v", id, err)
	}
	if got != want {
		t.Fatalf("active(%s) = %v, want %v", id, got, want)
	}
}

func assertNoBlocking(t *testing.T, d *Dataset) {
	t.Helper()
	res, err := d.Verify(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.HasBlocking() {
		t.Fatalf("blocking violations: %+v", res.Violations)
	}
}

func TestLinkingTargetSupersedesSlotWinner(t *testing.T) {
	ctx := context.Background()
	d := openDataset(t, memoryPath(t), domain.ModeWrite)
	defer func() { _ = d.Close() }()
	f := newPreferredFixture(t, d, "Te Maari")

	p1 := mustNew(t, d, domain.EntityPreferredFlux, f.fields(epoch, domain.Fields{"target": f.target}))
	p2 := mustNew(t, d, domain.EntityPreferredFlux, f.fields(epoch, nil))
	assertActive(t, d, p1, true)
	assertActive(t, d, p2, true)

	if err := d.Link(ctx, p2, domain.EdgeTarget, f.target); err != nil {
		t.Fatalf("link target: %v", err)
	}
	assertActive(t, d, p1, false)
	assertActive(t, d, p2, true)
	got, err := d.Get(ctx, p2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !hasEdge(got.Edges, domain.EdgeSupersedes, p1) || !hasEdge(got.Edges, domain.EdgeTarget, f.target) {
		t.Fatalf("edges %+v", got.Edges)
	}
	winner, err := d.Preferred(ctx, f.target, epoch, epoch.Add(time.Hour))
	if err != nil || winner.ID != p2 {
		t.Fatalf("preferred %q %v", winner.ID, err)
	}
	assertNoBlocking(t, d)
}

func TestExplicitSupersedesMustNameSlotWinner(t *testing.T) {
	ctx := context.Background()
	d := openDataset(t, memoryPath(t), domain.ModeWrite)
	defer func() { _ = d.Close() }()
	f := newPreferredFixture(t, d, "Ruapehu")
	later := epoch.Add(24 * time.Hour)

	p1 := mustNew(t, d, domain.EntityPreferredFlux, f.fields(epoch, domain.Fields{"target": f.target}))
	unrelated := mustNew(t, d, domain.EntityPreferredFlux, f.fields(later, domain.Fields{"target": f.target}))

	_, err := d.NewElement(ctx, domain.EntityPreferredFlux, f.fields(epoch, domain.Fields{"target": f.target, "supersedes": unrelated}))
	if !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("superseding outside the slot: %v", err)
	}
	if n, _ := d.Count(ctx, domain.EntityPreferredFlux); n != 2 {
		t.Fatalf("rejected flux was stored: %d", n)
	}
	assertActive(t, d, p1, true)
	assertActive(t, d, unrelated, true)

	p2 := mustNew(t, d, domain.EntityPreferredFlux, f.fields(epoch, domain.Fields{"target": f.target, "supersedes": p1}))
	assertActive(t, d, p1, false)
	assertActive(t, d, p2, true)

	// A flux without a target holds no slot until it gets one.
	p3 := mustNew(t, d, domain.EntityPreferredFlux, f.fields(epoch, nil))
	if err := d.Supersede(ctx, p3, unrelated); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if err := d.Link(ctx, p3, domain.EdgeTarget, f.target); !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("target link while superseding another slot: %v", err)
	}
	edges, err := d.Edges(ctx, p3)
	if err != nil || hasEdge(edges, domain.EdgeTarget, f.target) {
		t.Fatalf("target edge written: %+v %v", edges, err)
	}
	assertActive(t, d, p2, true)

	// A flux that took over a slot already supersedes its winner.
	other := mustNew(t, d, domain.EntityPreferredFlux, f.fields(later.Add(24*time.Hour), domain.Fields{"target": f.target}))
	p4 := mustNew(t, d, domain.EntityPreferredFlux, f.fields(epoch, nil))
	if err := d.Link(ctx, p4, domain.EdgeTarget, f.target); err != nil {
		t.Fatalf("link: %v", err)
	}
	assertActive(t, d, p2, false)
	if err := d.Supersede(ctx, p4, other); !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("second supersedes from a slot holder: %v", err)
	}
	assertActive(t, d, other, true)
	assertNoBlocking(t, d)
}

func TestSupersedeRejectsCycles(t *testing.T) {
	ctx := context.Background()
	d := openDataset(t, memoryPath(t), domain.ModeWrite)
	defer func() { _ = d.Close() }()
	raw := importFlyspec(t, d, 1, 2, 3)
	flux := func(v float64) string {
		return mustNew(t, d, domain.EntityGasFlux, domain.Fields{"value": v, "unit": "t/day", "derivedFrom": raw[0]})
	}
	a, b, c := flux(1), flux(2), flux(3)
	if err := d.Supersede(ctx, b, a); err != nil {
		t.Fatalf("b supersedes a: %v", err)
	}
	if err := d.Supersede(ctx, a, b); !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("direct cycle: %v", err)
	}
	if err := d.Supersede(ctx, c, b); err != nil {
		t.Fatalf("c supersedes b: %v", err)
	}
	if err := d.Link(ctx, a, domain.EdgeSupersedes, c); !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("cycle through chain: %v", err)
	}
	lone := flux(4)
	if err := d.Link(ctx, lone, domain.EdgeSupersedes, lone); !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("self link: %v", err)
	}
	assertActive(t, d, a, false)
	assertActive(t, d, b, false)
	assertActive(t, d, c, true)
	assertActive(t, d, lone, true)
}

func TestMergeKeepsOneActivePreferredPerSlot(t *testing.T) {
	ctx := context.Background()
	src := openDataset(t, "memory:src-"+t.Name(), domain.ModeWrite)
	defer func() { _ = src.Close() }()
	fs := newPreferredFixture(t, src, "Whakaari")
	p1 := mustNew(t, src, domain.EntityPreferredFlux, fs.fields(epoch, domain.Fields{"target": fs.target}))
	p2 := mustNew(t, src, domain.EntityPreferredFlux, fs.fields(epoch, domain.Fields{"target": fs.target}))

	dst := openDataset(t, "memory:dst-"+t.Name(), domain.ModeWrite)
	defer func() { _ = dst.Close() }()
	fd := newPreferredFixture(t, dst, "Whakaari")
	own := mustNew(t, dst, domain.EntityPreferredFlux, fd.fields(epoch, domain.Fields{"target": fd.target}))

	mapping, err := dst.Merge(ctx, src)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	assertActive(t, dst, mapping[p1], false)
	assertActive(t, dst, mapping[p2], true)
	assertActive(t, dst, own, true)
	assertNoBlocking(t, dst)

	// A source holding two active fluxes in one slot cannot be merged.
	bad := openDataset(t, "memory:bad-"+t.Name(), domain.ModeWrite)
	defer func() { _ = bad.Close() }()
	fb := newPreferredFixture(t, bad, "Ngauruhoe")
	var batch domain.Batch
	for range 2 {
		e, err := bad.build(domain.EntityPreferredFlux, domain.Fields{"window_start": epoch, "window_end": epoch.Add(time.Hour)})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		batch.Entities = append(batch.Entities, e)
		batch.Edges = append(batch.Edges,
			domain.Edge{Source: e.ID, Type: domain.EdgeTarget, Target: fb.target, CreatedAt: e.CreatedAt},
			domain.Edge{Source: e.ID, Type: domain.EdgeSelects, Target: fb.flux, CreatedAt: e.CreatedAt},
		)
	}
	if err := bad.driver.WriteBatch(ctx, batch); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before, _ := dst.Count(ctx, domain.EntityPreferredFlux)
	if _, err := dst.Merge(ctx, bad); !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("merge of clashing slot: %v", err)
	}
	if after, _ := dst.Count(ctx, domain.EntityPreferredFlux); after != before {
		t.Fatalf("failed merge stored fluxes: %d -> %d", before, after)
	}
}

func TestFailedImportArchivesNothing(t *testing.T) {
	ctx := context.Background()
	reg, err := formats.NewRegistry(badLinkPlugin{}, flyspec.New())
	if err != nil {
		t.Fatal(err)
	}
	archive := blob.NewArchive(blobmemory.New())
	d := openDataset(t, memoryPath(t), domain.ModeWrite, WithFormats(reg), WithArchive(archive))
	defer func() { _ = d.Close() }()
	if _, err := d.ReadSource(ctx, formats.Source{Path: "bad.txt", Data: []byte("x")}, "badlink", nil); !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
	sources, err := archive.Sources(ctx)
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	if len(sources) != 0 {
		t.Fatalf("failed import archived %d sources", len(sources))
	}
	importFlyspec(t, d, 1, 2, 3)
	if sources, _ = archive.Sources(ctx); len(sources) != 1 {
		t.Fatalf("archived %d sources after import", len(sources))
	}
}

func TestPedanticRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	d := openDataset(t, memoryPath(t), domain.ModeWrite, WithPedantic())
	defer func() { _ = d.Close() }()
	mustNew(t, d, domain.EntityTarget, domain.Fields{"name": "Tongariro"})
	if _, err := d.NewElement(ctx, domain.EntityTarget, domain.Fields{"name": "Tongariro"}); !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("duplicate target: %v", err)
	}
	mustNew(t, d, domain.EntityTarget, domain.Fields{"name": "Ruapehu"})
	if _, err := d.NewElement(ctx, domain.EntityTarget, domain.Fields{}); !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("empty target: %v", err)
	}
	if n, _ := d.Count(ctx, domain.EntityTarget); n != 2 {
		t.Fatalf("targets stored: %d", n)
	}

	first := importFlyspec(t, d, 1, 2, 3)
	_, err := d.ReadSource(ctx, formats.Source{Path: "again.txt", Data: flyspecFixture(1, 2, 3)}, "FLYSPEC", nil)
	if !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("duplicate import: %v", err)
	}
	if n, _ := d.Count(ctx, domain.EntityRawData); n != len(first) {
		t.Fatalf("raw data stored: %d, want %d", n, len(first))
	}

	lenient := openDataset(t, "memory:lenient-"+t.Name(), domain.ModeWrite)
	defer func() { _ = lenient.Close() }()
	mustNew(t, lenient, domain.EntityTarget, domain.Fields{"name": "Tongariro"})
	mustNew(t, lenient, domain.EntityTarget, domain.Fields{"name": "Tongariro"})
}

func TestRemoveTags(t *testing.T) {
	ctx := context.Background()
	d := openDataset(t, memoryPath(t), domain.ModeWrite, WithTags("2017", "campaign"))
	defer func() { _ = d.Close() }()
	raw := importFlyspec(t, d, 1, 2, 3)
	method := mustNew(t, d, domain.EntityMethod, domain.Fields{"name": "DOAS"})

	if err := d.RemoveTags(ctx, "campaign", "unknown"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	tags, err := d.Tags(ctx)
	if err != nil || !slices.Equal(tags, []string{"2017"}) {
		t.Fatalf("tags %v %v", tags, err)
	}
	m, err := d.Get(ctx, method)
	if err != nil || !slices.Equal(m.Tags, []string{"2017"}) {
		t.Fatalf("method tags %v %v", m.Tags, err)
	}
	r, err := d.Get(ctx, raw[0])
	if err != nil || !slices.Contains(r.Tags, "campaign") {
		t.Fatalf("write-once raw data lost its tags: %v %v", r.Tags, err)
	}
	later := mustNew(t, d, domain.EntityMethod, domain.Fields{"name": "PCA"})
	if e, _ := d.Get(ctx, later); slices.Contains(e.Tags, "campaign") {
		t.Fatalf("removed tag still applied: %v", e.Tags)
	}

	closed := openDataset(t, memoryPath(t)+"-closed", domain.ModeWrite)
	if err := closed.Close(); err != nil {
		t.Fatal(err)
	}
	if err := closed.RemoveTags(ctx, "2017"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("remove on closed: %v", err)
	}
}
