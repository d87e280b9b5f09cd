package dataset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"spectroscopy/internal/core"
	"spectroscopy/pkg/domain"
)

// linker resolves references into schema-checked edges. pending holds the
// entities staged in the same batch so they can be linked before they exist
// in the store.
type linker struct {
	d       *Dataset
	pending map[string]domain.EntityType
	staged  map[string]int
}

func (d *Dataset) newLinker() *linker {
	return &linker{d: d, pending: map[string]domain.EntityType{}, staged: map[string]int{}}
}

func (l *linker) stage(e domain.Entity) { l.pending[e.ID] = e.Type }

func (l *linker) typeOf(ctx context.Context, edge domain.EdgeType, id string) (domain.EntityType, error) {
	if t, ok := l.pending[id]; ok {
		return t, nil
	}
	e, err := l.d.driver.ReadEntity(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return "", &domain.DanglingReferenceError{Edge: edge, ID: id}
	}
	return e.Type, err
}

func (l *linker) incoming(ctx context.Context, edge domain.EdgeType, target string) (int, error) {
	rule, _ := l.d.schema.Edge(edge)
	if rule.MaxIn == 0 {
		return 0, nil
	}
	n := l.staged[string(edge)+"|"+target]
	if _, ok := l.pending[target]; ok {
		return n, nil
	}
	in, err := l.d.driver.ReadIncoming(ctx, target)
	if err != nil {
		return 0, err
	}
	for _, e := range in {
		if e.Type == edge {
			n++
		}
	}
	return n, nil
}

// edges validates links from src and returns them in a stable order.
// existing counts edges src already has, keyed by edge type.
func (l *linker) edges(ctx context.Context, src domain.Entity, links map[domain.EdgeType][]string, existing map[domain.EdgeType]int) ([]domain.Edge, error) {
	types := make([]domain.EdgeType, 0, len(links))
	for t := range links {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	var out []domain.Edge
	for _, edge := range types {
		for _, target := range dedupe(links[edge]) {
			dt, err := l.typeOf(ctx, edge, target)
			if err != nil {
				return nil, err
			}
			if err := l.d.schema.ValidateEdge(src.Type, edge, dt); err != nil {
				return nil, err
			}
			in, err := l.incoming(ctx, edge, target)
			if err != nil {
				return nil, err
			}
			if err := l.d.schema.CheckCardinality(src.Type, edge, existing[edge], in); err != nil {
				return nil, err
			}
			existing[edge]++
			l.staged[string(edge)+"|"+target]++
			out = append(out, domain.Edge{Source: src.ID, Type: edge, Target: target, CreatedAt: src.CreatedAt})
		}
	}
	return out, nil
}

// splitReferences separates reference fields (keyed by edge type) from
// plain attribute fields.
func splitReferences(schema *domain.Schema, t domain.EntityType, fields domain.Fields) (domain.Fields, map[domain.EdgeType][]string, error) {
	plain := make(domain.Fields, len(fields))
	links := map[domain.EdgeType][]string{}
	for name, v := range fields {
		if !schema.IsEdge(name) {
			plain[name] = v
			continue
		}
		ids, err := referenceIDs(v)
		if err != nil {
			return nil, nil, &domain.SchemaViolationError{Entity: t, Edge: domain.EdgeType(name), Reason: err.Error()}
		}
		links[domain.EdgeType(name)] = append(links[domain.EdgeType(name)], ids...)
	}
	return plain, links, nil
}

func referenceIDs(v any) ([]string, error) {
	var ids []string
	switch r := v.(type) {
	case string:
		ids = []string{r}
	case []string:
		ids = slices.Clone(r)
	case domain.Entity:
		ids = []string{r.ID}
	case []domain.Entity:
		for _, e := range r {
			ids = append(ids, e.ID)
		}
	case []any:
		for _, item := range r {
			sub, err := referenceIDs(item)
			if err != nil {
				return nil, err
			}
			ids = append(ids, sub...)
		}
	default:
		return nil, fmt.Errorf("reference must be an id or list of ids, got %T", v)
	}
	if slices.Contains(ids, "") {
		return nil, fmt.Errorf("empty reference id")
	}
	return ids, nil
}

// activePreferred finds the active PreferredFlux occupying key, ignoring
// the entities listed in except.
func (d *Dataset) activePreferred(ctx context.Context, key core.WindowKey, except ...string) (domain.Entity, bool, error) {
	for e, err := range d.driver.Query(ctx, domain.EntityPreferredFlux, nil) {
		if err != nil {
			return domain.Entity{}, false, err
		}
		if slices.Contains(except, e.ID) {
			continue
		}
		active, err := core.Active(ctx, d.driver, e.ID)
		if err != nil {
			return domain.Entity{}, false, err
		}
		if !active {
			continue
		}
		edges, err := d.driver.ReadEdges(ctx, e.ID)
		if err != nil {
			return domain.Entity{}, false, err
		}
		if core.PreferredWindow(e, edges).Same(key) {
			e.Edges = edges
			return e, true, nil
		}
	}
	return domain.Entity{}, false, nil
}

// claimSlot returns the supersedes edge e needs to take over the slot given
// by its window and the target among edges. An e that already supersedes
// something other than the slot's active winner is rejected, since a
// PreferredFlux supersedes at most one other.
func (d *Dataset) claimSlot(ctx context.Context, e domain.Entity, edges []domain.Edge) ([]domain.Edge, error) {
	key := core.PreferredWindow(e, edges)
	if key.Target == "" {
		return nil, nil
	}
	prior, found, err := d.activePreferred(ctx, key, e.ID)
	if err != nil || !found {
		return nil, err
	}
	var supersedes []string
	for _, ed := range edges {
		if ed.Type == domain.EdgeSupersedes {
			supersedes = append(supersedes, ed.Target)
		}
	}
	if slices.Contains(supersedes, prior.ID) {
		return nil, nil
	}
	if len(supersedes) > 0 {
		return nil, &domain.SchemaViolationError{
			Entity: domain.EntityPreferredFlux,
			Edge:   domain.EdgeSupersedes,
			Reason: fmt.Sprintf("%s is the active preferred flux for %s; supersede it instead", prior.ID, key),
		}
	}
	d.obs.Logger.Info("preferred flux superseded", "new", e.ID, "old", prior.ID)
	return []domain.Edge{{Source: e.ID, Type: domain.EdgeSupersedes, Target: prior.ID, CreatedAt: e.CreatedAt}}, nil
}

// checkBatchSlots fails when a batch would leave two active PreferredFlux
// entities in one slot.
func checkBatchSlots(b domain.Batch) error {
	superseded := map[string]bool{}
	out := map[string][]domain.Edge{}
	for _, ed := range b.Edges {
		if ed.Type == domain.EdgeSupersedes {
			superseded[ed.Target] = true
		}
		out[ed.Source] = append(out[ed.Source], ed)
	}
	winners := map[string]string{}
	for _, e := range b.Entities {
		if e.Type != domain.EntityPreferredFlux || superseded[e.ID] {
			continue
		}
		key := core.PreferredWindow(e, out[e.ID])
		if key.Target == "" {
			continue
		}
		slot := fmt.Sprintf("%s|%d|%d", key.Target, key.Start.UnixNano(), key.End.UnixNano())
		if prior, ok := winners[slot]; ok {
			return &domain.SchemaViolationError{
				Entity: domain.EntityPreferredFlux,
				Reason: fmt.Sprintf("%s and %s are both active for %s", prior, e.ID, key),
			}
		}
		winners[slot] = e.ID
	}
	return nil
}

// checkDuplicate fails when an entity of the same type with the same
// content hash is already stored.
func (d *Dataset) checkDuplicate(ctx context.Context, e domain.Entity) error {
	if e.Hash == "" {
		return nil
	}
	for stored, err := range d.driver.Query(ctx, e.Type, func(s domain.Entity) bool { return s.Hash == e.Hash }) {
		if err != nil {
			return err
		}
		return &domain.SchemaViolationError{
			Entity: e.Type,
			Reason: fmt.Sprintf("content already stored as %s", stored.ID),
		}
	}
	return nil
}
