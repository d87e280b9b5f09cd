package dataset

import (
	"context"
	"iter"
	"slices"
	"time"

	"spectroscopy/internal/core"
	"spectroscopy/pkg/domain"
)

// Get returns the entity with its outgoing edges.
func (d *Dataset) Get(ctx context.Context, id string) (domain.Entity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out domain.Entity
	err := d.observe(ctx, "get", "", func(ctx context.Context) (string, error) {
		if err := d.check("get", false); err != nil {
			return id, err
		}
		var err error
		out, err = d.get(ctx, id)
		return id, err
	})
	return out, err
}

func (d *Dataset) get(ctx context.Context, id string) (domain.Entity, error) {
	e, err := d.driver.ReadEntity(ctx, id)
	if err != nil {
		return domain.Entity{}, err
	}
	if e.Edges, err = d.driver.ReadEdges(ctx, id); err != nil {
		return domain.Entity{}, err
	}
	return e, nil
}

// Edges returns the outgoing edges of id.
func (d *Dataset) Edges(ctx context.Context, id string) ([]domain.Edge, error) {
	return d.edgeRead(ctx, "edges", id, d.readEdges)
}

// Incoming returns the edges pointing at id.
func (d *Dataset) Incoming(ctx context.Context, id string) ([]domain.Edge, error) {
	return d.edgeRead(ctx, "incoming", id, d.readIncoming)
}

func (d *Dataset) readEdges(ctx context.Context, id string) ([]domain.Edge, error) {
	return d.driver.ReadEdges(ctx, id)
}

func (d *Dataset) readIncoming(ctx context.Context, id string) ([]domain.Edge, error) {
	return d.driver.ReadIncoming(ctx, id)
}

func (d *Dataset) edgeRead(ctx context.Context, op, id string, read func(context.Context, string) ([]domain.Edge, error)) ([]domain.Edge, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.Edge
	err := d.observe(ctx, op, "", func(ctx context.Context) (string, error) {
		if err := d.check(op, false); err != nil {
			return id, err
		}
		var err error
		out, err = read(ctx, id)
		return id, err
	})
	return out, err
}

// Query lazily yields the entities of type t matching p in creation order.
// The sequence may be ranged over more than once; each pass reads the store
// afresh.
func (d *Dataset) Query(ctx context.Context, t domain.EntityType, p domain.Predicate) iter.Seq2[domain.Entity, error] {
	return func(yield func(domain.Entity, error) bool) {
		d.mu.Lock()
		err := d.check("query", false)
		driver := d.driver
		d.mu.Unlock()
		if err != nil {
			yield(domain.Entity{}, err)
			return
		}
		resolved, ok := domain.ParseEntityType(string(t))
		if !ok {
			yield(domain.Entity{}, unknownType(string(t)))
			return
		}
		_ = d.observe(ctx, "query", resolved, func(ctx context.Context) (string, error) {
			for e, err := range driver.Query(ctx, resolved, p) {
				if !yield(e, err) || err != nil {
					return "", err
				}
			}
			return "", nil
		})
	}
}

// Count returns the number of stored entities of type t.
func (d *Dataset) Count(ctx context.Context, t domain.EntityType) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int
	err := d.observe(ctx, "count", t, func(ctx context.Context) (string, error) {
		if err := d.check("count", false); err != nil {
			return "", err
		}
		var err error
		n, err = d.driver.Count(ctx, t)
		return "", err
	})
	return n, err
}

// provenanceEdges are followed upstream by Provenance.
var provenanceEdges = []domain.EdgeType{domain.EdgeDerivedFrom, domain.EdgeSelects, domain.EdgeMethod}

// Provenance returns every entity id was derived from, nearest first. Each
// entity is visited once.
func (d *Dataset) Provenance(ctx context.Context, id string) ([]domain.Entity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.Entity
	err := d.observe(ctx, "provenance", "", func(ctx context.Context) (string, error) {
		if err := d.check("provenance", false); err != nil {
			return id, err
		}
		seen := map[string]bool{id: true}
		queue := []string{id}
		for len(queue) > 0 {
			edges, err := d.driver.ReadEdges(ctx, queue[0])
			if err != nil {
				return id, err
			}
			queue = queue[1:]
			for _, ed := range edges {
				if seen[ed.Target] || !slices.Contains(provenanceEdges, ed.Type) {
					continue
				}
				seen[ed.Target] = true
				e, err := d.get(ctx, ed.Target)
				if err != nil {
					return id, err
				}
				out = append(out, e)
				queue = append(queue, ed.Target)
			}
		}
		return id, nil
	})
	return out, err
}

// Preferred returns the active PreferredFlux for target over [start, end].
func (d *Dataset) Preferred(ctx context.Context, targetID string, start, end time.Time) (domain.Entity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out domain.Entity
	err := d.observe(ctx, "preferred", domain.EntityPreferredFlux, func(ctx context.Context) (string, error) {
		if err := d.check("preferred", false); err != nil {
			return "", err
		}
		key := core.WindowKey{Target: targetID, Start: start, End: end}
		e, found, err := d.activePreferred(ctx, key)
		if err != nil {
			return "", err
		}
		if !found {
			return "", &domain.NotFoundError{Entity: domain.EntityPreferredFlux, ID: key.String()}
		}
		out = e
		return e.ID, nil
	})
	return out, err
}

// Active reports whether id has not been superseded.
func (d *Dataset) Active(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var active bool
	err := d.observe(ctx, "active", "", func(ctx context.Context) (string, error) {
		if err := d.check("active", false); err != nil {
			return id, err
		}
		var err error
		active, err = core.Active(ctx, d.driver, id)
		return id, err
	})
	return active, err
}

// Verify evaluates the rules engine over the whole store.
func (d *Dataset) Verify(ctx context.Context) (domain.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var res domain.Result
	err := d.observe(ctx, "verify", "", func(ctx context.Context) (string, error) {
		if err := d.check("verify", false); err != nil {
			return "", err
		}
		var err error
		res, err = d.verify(ctx)
		return "", err
	})
	return res, err
}

func (d *Dataset) verify(ctx context.Context) (domain.Result, error) {
	res, err := d.engine.Evaluate(ctx, d.driver, d.schema)
	if err != nil {
		return domain.Result{}, err
	}
	for _, v := range res.Violations {
		switch v.Severity {
		case domain.SeverityBlock:
			d.obs.Logger.Warn("blocking violation", "rule", v.Rule, "entity", string(v.Entity), "id", v.EntityID, "message", v.Message)
		case domain.SeverityWarn:
			d.obs.Logger.Warn("rule warning", "rule", v.Rule, "id", v.EntityID, "message", v.Message)
		default:
			d.obs.Logger.Debug("rule note", "rule", v.Rule, "id", v.EntityID, "message", v.Message)
		}
	}
	return res, nil
}
