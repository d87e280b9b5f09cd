package core

import (
	"context"
	"fmt"
	"time"

	"spectroscopy/pkg/domain"
)

// PreferredUniquenessRule allows at most one active PreferredFlux per target
// and time window.
func PreferredUniquenessRule() domain.Rule {
	return preferredUniquenessRule{}
}

type preferredUniquenessRule struct{}

func (preferredUniquenessRule) Name() string { return "preferred_uniqueness" }

// WindowKey identifies the selection slot of a PreferredFlux.
type WindowKey struct {
	Target string
	Start  time.Time
	End    time.Time
}

// Same reports whether two keys address the same slot.
func (k WindowKey) Same(other WindowKey) bool {
	return k.Target == other.Target && k.Start.Equal(other.Start) && k.End.Equal(other.End)
}

func (k WindowKey) slot() string {
	return fmt.Sprintf("%s|%d|%d", k.Target, k.Start.UnixNano(), k.End.UnixNano())
}

func (k WindowKey) String() string {
	return fmt.Sprintf("%s [%s, %s]", k.Target, k.Start.Format(time.RFC3339), k.End.Format(time.RFC3339))
}

// PreferredWindow derives the slot of a PreferredFlux from its window fields
// and target edge.
func PreferredWindow(e domain.Entity, edges []domain.Edge) WindowKey {
	key := WindowKey{}
	key.Start, _ = e.Time("window_start")
	key.End, _ = e.Time("window_end")
	for _, ed := range edges {
		if ed.Type == domain.EdgeTarget {
			key.Target = ed.Target
			break
		}
	}
	return key
}

func (preferredUniquenessRule) Evaluate(ctx context.Context, view domain.EntityView, _ *domain.Schema) (domain.Result, error) {
	res := domain.Result{}
	winners := make(map[string]string)
	err := eachEntity(ctx, view, []domain.EntityType{domain.EntityPreferredFlux}, func(e domain.Entity) error {
		active, err := Active(ctx, view, e.ID)
		if err != nil || !active {
			return err
		}
		edges, err := view.ReadEdges(ctx, e.ID)
		if err != nil {
			return err
		}
		key := PreferredWindow(e, edges)
		if prior, dup := winners[key.slot()]; dup {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "preferred_uniqueness",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("preferred fluxes %s and %s are both active for %s", prior, e.ID, key),
				Entity:   domain.EntityPreferredFlux,
				EntityID: e.ID,
			})
			return nil
		}
		winners[key.slot()] = e.ID
		return nil
	})
	return res, err
}
