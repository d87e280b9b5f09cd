package core

import (
	"context"
	"fmt"

	"spectroscopy/pkg/domain"
)

// ProvenanceRule requires derived results to point at their inputs:
// Concentration and GasFlux need a derivedFrom edge, PreferredFlux a selects
// edge.
func ProvenanceRule() domain.Rule {
	return provenanceRule{}
}

type provenanceRule struct{}

func (provenanceRule) Name() string { return "provenance" }

var provenanceEdges = map[domain.EntityType]domain.EdgeType{
	domain.EntityConcentration: domain.EdgeDerivedFrom,
	domain.EntityGasFlux:       domain.EdgeDerivedFrom,
	domain.EntityPreferredFlux: domain.EdgeSelects,
}

func (provenanceRule) Evaluate(ctx context.Context, view domain.EntityView, schema *domain.Schema) (domain.Result, error) {
	res := domain.Result{}
	var types []domain.EntityType
	for _, t := range schema.Types() {
		if spec, _ := schema.Type(t); spec.Derived {
			if _, ok := provenanceEdges[t]; ok {
				types = append(types, t)
			}
		}
	}
	err := eachEntity(ctx, view, types, func(e domain.Entity) error {
		want := provenanceEdges[e.Type]
		edges, err := view.ReadEdges(ctx, e.ID)
		if err != nil {
			return err
		}
		for _, ed := range edges {
			if ed.Type == want {
				return nil
			}
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "provenance",
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("%s %s has no %s edge", e.Type, e.ID, want),
			Entity:   e.Type,
			EntityID: e.ID,
		})
		return nil
	})
	return res, err
}
