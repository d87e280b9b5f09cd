package core

import (
	"context"
	"fmt"
	"time"

	"spectroscopy/pkg/domain"
)

// SeriesShapeRule warns when per-sample series disagree in length with the
// primary series of an entity.
func SeriesShapeRule() domain.Rule {
	return seriesShapeRule{}
}

type seriesShapeRule struct{}

func (seriesShapeRule) Name() string { return "series_shape" }

var seriesShapes = map[domain.EntityType]struct {
	primary string
	aligned []string
}{
	domain.EntityRawData: {"d_var", []string{
		"datetime", "inc_angle", "inc_angle_error", "bearing", "bearing_error", "position",
		"path_length", "integration_time", "no_averages", "temperature", "data_quality",
	}},
	domain.EntityConcentration: {"value", []string{"value_error", "datetime", "rawdata_indices"}},
	domain.EntityGasFlux:       {"value", []string{"value_error", "datetime", "concentration_indices"}},
	domain.EntityGasFlow:       {"vx", []string{"vy", "vz", "vx_error", "vy_error", "vz_error", "datetime", "position"}},
}

// seriesLen reports the sample count of a field value; scalars have none.
func seriesLen(v any) (int, bool) {
	switch s := v.(type) {
	case []float64:
		return len(s), true
	case [][]float64:
		return len(s), true
	case []int64:
		return len(s), true
	case []string:
		return len(s), true
	case []time.Time:
		return len(s), true
	}
	return 0, false
}

func (seriesShapeRule) Evaluate(ctx context.Context, view domain.EntityView, _ *domain.Schema) (domain.Result, error) {
	res := domain.Result{}
	types := make([]domain.EntityType, 0, len(seriesShapes))
	for _, t := range domain.EntityTypes() {
		if _, ok := seriesShapes[t]; ok {
			types = append(types, t)
		}
	}
	err := eachEntity(ctx, view, types, func(e domain.Entity) error {
		shape := seriesShapes[e.Type]
		n, ok := seriesLen(e.Fields[shape.primary])
		if !ok {
			return nil
		}
		for _, name := range shape.aligned {
			v, present := e.Fields[name]
			if !present {
				continue
			}
			m, ok := seriesLen(v)
			if !ok || m == n {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "series_shape",
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("%s %s: %s has %d samples but %s has %d", e.Type, e.ID, name, m, shape.primary, n),
				Entity:   e.Type,
				EntityID: e.ID,
			})
		}
		return nil
	})
	return res, err
}
