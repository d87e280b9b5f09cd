package dataset

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"spectroscopy/internal/core"
	"spectroscopy/internal/infra/persistence"
	"spectroscopy/pkg/domain"
)

// NewElement validates fields and stores a new entity of type t. Fields keyed
// by an edge type (for example "derivedFrom" or "method") hold target ids and
// are stored as edges in the same write. A PreferredFlux that occupies the
// target and window of an active one supersedes it.
func (d *Dataset) NewElement(ctx context.Context, t domain.EntityType, fields domain.Fields) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var id string
	err := d.observe(ctx, "new_element", t, func(ctx context.Context) (string, error) {
		if err := d.check("new_element", true); err != nil {
			return "", err
		}
		resolved, ok := domain.ParseEntityType(string(t))
		if !ok {
			return "", unknownType(string(t))
		}
		t = resolved
		var err error
		id, err = d.create(ctx, resolved, fields)
		return id, err
	})
	return id, err
}

// NewRawData stores a write-once RawData buffer.
func (d *Dataset) NewRawData(ctx context.Context, fields domain.Fields) (string, error) {
	return d.NewElement(ctx, domain.EntityRawData, fields)
}

func (d *Dataset) create(ctx context.Context, t domain.EntityType, fields domain.Fields) (string, error) {
	plain, links, err := splitReferences(d.schema, t, fields)
	if err != nil {
		return "", err
	}
	if d.pedantic && len(plain) == 0 && len(links) == 0 {
		return "", &domain.SchemaViolationError{Entity: t, Reason: "empty entities are rejected in pedantic mode"}
	}
	e, err := d.build(t, plain)
	if err != nil {
		return "", err
	}
	l := d.newLinker()
	edges, err := l.edges(ctx, e, links, map[domain.EdgeType]int{})
	if err != nil {
		return "", err
	}
	if t == domain.EntityPreferredFlux {
		claim, err := d.claimSlot(ctx, e, edges)
		if err != nil {
			return "", err
		}
		edges = append(edges, claim...)
	}
	if d.pedantic {
		if err := d.checkDuplicate(ctx, e); err != nil {
			return "", err
		}
	}
	if err := d.driver.WriteBatch(ctx, domain.Batch{Entities: []domain.Entity{e}, Edges: edges}); err != nil {
		return "", err
	}
	d.dirty = true
	return e.ID, nil
}

// build validates fields and assembles a new entity.
func (d *Dataset) build(t domain.EntityType, fields domain.Fields) (domain.Entity, error) {
	normalized, err := d.schema.Validate(t, fields)
	if err != nil {
		return domain.Entity{}, err
	}
	return domain.Entity{
		ID:        persistence.NewID(),
		Type:      t,
		Fields:    normalized,
		Tags:      slices.Clone(d.tags),
		Hash:      domain.ContentHash(t, normalized),
		CreatedAt: d.now(),
	}, nil
}

// Append extends the series fields of an extendable entity. Fields missing
// on the entity are set; RawData is write-once and always refuses.
func (d *Dataset) Append(ctx context.Context, id string, fields domain.Fields) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observe(ctx, "append", "", func(ctx context.Context) (string, error) {
		if err := d.check("append", true); err != nil {
			return id, err
		}
		e, err := d.driver.ReadEntity(ctx, id)
		if err != nil {
			return id, err
		}
		spec, ok := d.schema.Type(e.Type)
		switch {
		case !ok:
			return id, unknownType(string(e.Type))
		case spec.WriteOnce:
			return id, &domain.ImmutableError{Entity: e.Type, ID: id}
		case !spec.Extendable:
			return id, &domain.SchemaViolationError{Entity: e.Type, Reason: "entity is not extendable"}
		}
		merged := e.Fields.Clone()
		if merged == nil {
			merged = domain.Fields{}
		}
		for name, extra := range fields {
			fs, ok := spec.Fields[name]
			if !ok {
				return id, &domain.SchemaViolationError{Entity: e.Type, Field: name, Reason: "unknown field"}
			}
			value, err := fs.Kind.Coerce(extra)
			if err != nil {
				return id, &domain.SchemaViolationError{Entity: e.Type, Field: name, Reason: err.Error()}
			}
			if existing, ok := merged[name]; ok {
				if value, err = fs.Kind.Append(existing, value); err != nil {
					return id, &domain.SchemaViolationError{Entity: e.Type, Field: name, Reason: err.Error()}
				}
			}
			merged[name] = value
		}
		normalized, err := d.schema.Validate(e.Type, merged)
		if err != nil {
			return id, err
		}
		e.Fields = normalized
		e.Hash = domain.ContentHash(e.Type, normalized)
		e.ModifiedAt = d.now()
		if _, err := d.driver.WriteEntity(ctx, e); err != nil {
			return id, err
		}
		d.dirty = true
		return id, nil
	})
}

// Link records source -edge-> target. Both entities must exist and the edge
// must be permitted by the schema. Linking an existing triple again is a
// no-op.
func (d *Dataset) Link(ctx context.Context, source string, edge domain.EdgeType, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observe(ctx, "link", "", func(ctx context.Context) (string, error) {
		if err := d.check("link", true); err != nil {
			return source, err
		}
		return source, d.link(ctx, source, edge, target)
	})
}

func (d *Dataset) link(ctx context.Context, source string, edge domain.EdgeType, target string) error {
	src, err := d.driver.ReadEntity(ctx, source)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.DanglingReferenceError{Edge: edge, ID: source}
		}
		return err
	}
	out, err := d.driver.ReadEdges(ctx, source)
	if err != nil {
		return err
	}
	counts := map[domain.EdgeType]int{}
	for _, e := range out {
		if e.Type == edge && e.Target == target {
			return nil
		}
		counts[e.Type]++
	}
	src.CreatedAt = d.now()
	edges, err := d.newLinker().edges(ctx, src, map[domain.EdgeType][]string{edge: {target}}, counts)
	if err != nil {
		return err
	}
	if edge == domain.EdgeSupersedes {
		if err := d.checkSupersedeCycle(ctx, source, target); err != nil {
			return err
		}
	}
	if src.Type == domain.EntityPreferredFlux && (edge == domain.EdgeTarget || edge == domain.EdgeSupersedes) {
		active, err := core.Active(ctx, d.driver, source)
		if err != nil {
			return err
		}
		if active {
			claim, err := d.claimSlot(ctx, src, append(out, edges...))
			if err != nil {
				return err
			}
			edges = append(edges, claim...)
		}
	}
	if len(edges) == 1 {
		err = d.driver.WriteEdge(ctx, edges[0])
	} else {
		err = d.driver.WriteBatch(ctx, domain.Batch{Edges: edges})
	}
	if err != nil {
		return err
	}
	d.dirty = true
	return nil
}

// checkSupersedeCycle fails when oldID already supersedes newID, directly
// or through a chain of supersedes edges.
func (d *Dataset) checkSupersedeCycle(ctx context.Context, newID, oldID string) error {
	if newID == oldID {
		return &domain.SchemaViolationError{Edge: domain.EdgeSupersedes, Reason: "an entity cannot supersede itself"}
	}
	seen := map[string]bool{}
	for id := oldID; id != "" && !seen[id]; {
		seen[id] = true
		out, err := d.driver.ReadEdges(ctx, id)
		if err != nil {
			return err
		}
		next := ""
		for _, e := range out {
			if e.Type != domain.EdgeSupersedes {
				continue
			}
			if e.Target == newID {
				return &domain.SchemaViolationError{Edge: domain.EdgeSupersedes, Reason: fmt.Sprintf("%s already supersedes %s", oldID, newID)}
			}
			next = e.Target
		}
		id = next
	}
	return nil
}

// Supersede marks oldID as replaced by newID. Both must share a type,
// oldID may be superseded only once and never by something it already
// supersedes.
func (d *Dataset) Supersede(ctx context.Context, newID, oldID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observe(ctx, "supersede", "", func(ctx context.Context) (string, error) {
		if err := d.check("supersede", true); err != nil {
			return newID, err
		}
		if newID == oldID {
			return newID, &domain.SchemaViolationError{Edge: domain.EdgeSupersedes, Reason: "an entity cannot supersede itself"}
		}
		return newID, d.link(ctx, newID, domain.EdgeSupersedes, oldID)
	})
}

// RegisterTags adds tags to the store metadata.
func (d *Dataset) RegisterTags(ctx context.Context, tags ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observe(ctx, "register_tags", "", func(ctx context.Context) (string, error) {
		if err := d.check("register_tags", true); err != nil {
			return "", err
		}
		meta, err := d.driver.Metadata(ctx)
		if err != nil {
			return "", err
		}
		for _, tag := range dedupe(tags) {
			if !slices.Contains(meta.Tags, tag) {
				meta.Tags = append(meta.Tags, tag)
			}
		}
		return "", d.driver.WriteMetadata(ctx, meta)
	})
}

// RemoveTags drops tags from the store metadata and from every mutable
// entity carrying them. Write-once entities keep the tags they were stored
// with. Unknown tags are logged and skipped.
func (d *Dataset) RemoveTags(ctx context.Context, tags ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observe(ctx, "remove_tags", "", func(ctx context.Context) (string, error) {
		if err := d.check("remove_tags", true); err != nil {
			return "", err
		}
		meta, err := d.driver.Metadata(ctx)
		if err != nil {
			return "", err
		}
		var drop []string
		for _, tag := range dedupe(tags) {
			if !slices.Contains(meta.Tags, tag) {
				d.obs.Logger.Warn("tag not registered", "tag", tag)
				continue
			}
			drop = append(drop, tag)
		}
		if len(drop) == 0 {
			return "", nil
		}
		meta.Tags = slices.DeleteFunc(meta.Tags, func(tag string) bool { return slices.Contains(drop, tag) })
		var batch domain.Batch
		for _, t := range d.schema.Types() {
			if spec, ok := d.schema.Type(t); !ok || spec.WriteOnce {
				continue
			}
			for e, err := range d.driver.Query(ctx, t, nil) {
				if err != nil {
					return "", err
				}
				kept := slices.DeleteFunc(slices.Clone(e.Tags), func(tag string) bool { return slices.Contains(drop, tag) })
				if len(kept) == len(e.Tags) {
					continue
				}
				e.Tags = kept
				e.Edges = nil
				e.ModifiedAt = d.now()
				batch.Entities = append(batch.Entities, e)
			}
		}
		if !batch.Empty() {
			if err := d.driver.WriteBatch(ctx, batch); err != nil {
				return "", err
			}
			d.dirty = true
		}
		d.tags = slices.DeleteFunc(d.tags, func(tag string) bool { return slices.Contains(drop, tag) })
		return "", d.driver.WriteMetadata(ctx, meta)
	})
}

// Tags returns the tags registered in the store metadata.
func (d *Dataset) Tags(ctx context.Context) ([]string, error) {
	meta, err := d.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	return meta.Tags, nil
}

// Merge copies every entity and edge of other into d under fresh ids and
// returns the mapping from other's ids to the new ones. The copy is a
// single atomic write.
func (d *Dataset) Merge(ctx context.Context, other *Dataset) (map[string]string, error) {
	if other == d {
		return nil, fmt.Errorf("merge: a dataset cannot be merged into itself")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()
	mapping := map[string]string{}
	err := d.observe(ctx, "merge", "", func(ctx context.Context) (string, error) {
		if err := d.check("merge", true); err != nil {
			return "", err
		}
		if err := other.check("merge", false); err != nil {
			return "", err
		}
		var batch domain.Batch
		var sources []string
		for _, t := range other.schema.Types() {
			for e, err := range other.driver.Query(ctx, t, nil) {
				if err != nil {
					return "", err
				}
				mapping[e.ID] = persistence.NewID()
				sources = append(sources, e.ID)
				e.ID = mapping[e.ID]
				e.Edges = nil
				e.Tags = dedupe(append(e.Tags, d.tags...))
				batch.Entities = append(batch.Entities, e)
			}
		}
		for _, id := range sources {
			edges, err := other.driver.ReadEdges(ctx, id)
			if err != nil {
				return "", err
			}
			for _, e := range edges {
				target, ok := mapping[e.Target]
				if !ok {
					return "", &domain.DanglingReferenceError{Edge: e.Type, ID: e.Target}
				}
				e.Source, e.Target = mapping[e.Source], target
				batch.Edges = append(batch.Edges, e)
			}
		}
		if batch.Empty() {
			return "", nil
		}
		if err := checkBatchSlots(batch); err != nil {
			return "", err
		}
		if err := d.driver.WriteBatch(ctx, batch); err != nil {
			return "", err
		}
		d.dirty = true
		return "", nil
	})
	if err != nil {
		return nil, err
	}
	return mapping, nil
}
