package core

import (
	"context"
	"errors"
	"fmt"

	"spectroscopy/pkg/domain"
)

// EdgeIntegrityRule re-checks every stored edge against the schema: the
// target must exist, the endpoint types must be permitted and the
// cardinality bounds must hold.
func EdgeIntegrityRule() domain.Rule {
	return edgeIntegrityRule{}
}

type edgeIntegrityRule struct{}

func (edgeIntegrityRule) Name() string { return "edge_integrity" }

func (edgeIntegrityRule) Evaluate(ctx context.Context, view domain.EntityView, schema *domain.Schema) (domain.Result, error) {
	res := domain.Result{}
	types := make(map[string]domain.EntityType)
	resolve := func(id string) (domain.EntityType, bool, error) {
		if t, ok := types[id]; ok {
			return t, true, nil
		}
		e, err := view.ReadEntity(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		types[id] = e.Type
		return e.Type, true, nil
	}
	incoming := make(map[string]int)
	err := eachEntity(ctx, view, schema.Types(), func(e domain.Entity) error {
		types[e.ID] = e.Type
		edges, err := view.ReadEdges(ctx, e.ID)
		if err != nil {
			return err
		}
		out := make(map[domain.EdgeType]int)
		for _, ed := range edges {
			dst, ok, err := resolve(ed.Target)
			if err != nil {
				return err
			}
			if !ok {
				res.Violations = append(res.Violations, edgeViolation(e, fmt.Sprintf("%s edge of %s %s references missing entity %s", ed.Type, e.Type, e.ID, ed.Target)))
				continue
			}
			if err := schema.ValidateEdge(e.Type, ed.Type, dst); err != nil {
				res.Violations = append(res.Violations, edgeViolation(e, err.Error()))
				continue
			}
			if err := schema.CheckCardinality(e.Type, ed.Type, out[ed.Type], 0); err != nil {
				res.Violations = append(res.Violations, edgeViolation(e, err.Error()))
			}
			out[ed.Type]++
			if rule, _ := schema.Edge(ed.Type); rule.MaxIn > 0 {
				key := string(ed.Type) + "\x00" + ed.Target
				if incoming[key] >= rule.MaxIn {
					res.Violations = append(res.Violations, edgeViolation(e, fmt.Sprintf("%s %s has more than %d incoming %s edge(s)", dst, ed.Target, rule.MaxIn, ed.Type)))
				}
				incoming[key]++
			}
		}
		return nil
	})
	return res, err
}

func edgeViolation(e domain.Entity, message string) domain.Violation {
	return domain.Violation{
		Rule:     "edge_integrity",
		Severity: domain.SeverityBlock,
		Message:  message,
		Entity:   e.Type,
		EntityID: e.ID,
	}
}
