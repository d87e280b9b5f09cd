package core

import (
	"context"

	"spectroscopy/pkg/domain"
)

type (
	Rule        = domain.Rule
	RulesEngine = domain.RulesEngine
	Result      = domain.Result
	Violation   = domain.Violation
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds an engine with the built-in graph policies.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(ProvenanceRule())
	engine.Register(EdgeIntegrityRule())
	engine.Register(PreferredUniquenessRule())
	engine.Register(SeriesShapeRule())
	return engine
}

// eachEntity walks every stored entity of the schema's types.
func eachEntity(ctx context.Context, view domain.EntityView, types []domain.EntityType, fn func(domain.Entity) error) error {
	for _, t := range types {
		for e, err := range view.Query(ctx, t, nil) {
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Active reports whether no entity supersedes id.
func Active(ctx context.Context, view domain.EntityView, id string) (bool, error) {
	in, err := view.ReadIncoming(ctx, id)
	if err != nil {
		return false, err
	}
	for _, e := range in {
		if e.Type == domain.EdgeSupersedes {
			return false, nil
		}
	}
	return true, nil
}
