// Package domain defines the typed measurement graph shared by the dataset
// façade, the storage drivers and the format plugins.
package domain

import (
	"slices"
	"strings"
	"time"
)

// EntityType enumerates the node types of the measurement graph.
type EntityType string

// Entity type identifiers persisted as table, bucket and element names.
const (
	EntityInstrument      EntityType = "Instrument"
	EntityTarget          EntityType = "Target"
	EntityRawDataType     EntityType = "RawDataType"
	EntityRawData         EntityType = "RawData"
	EntityGasFlow         EntityType = "GasFlow"
	EntityMethod          EntityType = "Method"
	EntityConcentration   EntityType = "Concentration"
	EntityGasFlux         EntityType = "GasFlux"
	EntityPreferredFlux   EntityType = "PreferredFlux"
	EntityDataQualityType EntityType = "DataQualityType"
	EntityPerson          EntityType = "Person"
)

var entityTypes = []EntityType{
	EntityInstrument,
	EntityTarget,
	EntityRawDataType,
	EntityRawData,
	EntityGasFlow,
	EntityMethod,
	EntityConcentration,
	EntityGasFlux,
	EntityPreferredFlux,
	EntityDataQualityType,
	EntityPerson,
}

// EntityTypes returns every known entity type in storage order.
func EntityTypes() []EntityType {
	return slices.Clone(entityTypes)
}

// ParseEntityType resolves a type name case-insensitively. The staging suffix
// "Buffer" is accepted so RawDataBuffer resolves to RawData.
func ParseEntityType(name string) (EntityType, bool) {
	name = strings.TrimSpace(name)
	if len(name) > len("Buffer") && strings.EqualFold(name[len(name)-len("Buffer"):], "Buffer") {
		name = name[:len(name)-len("Buffer")]
	}
	for _, t := range entityTypes {
		if strings.EqualFold(string(t), name) {
			return t, true
		}
	}
	return "", false
}

// Fields holds the attribute values of an entity keyed by field name.
type Fields map[string]any

// Clone returns a copy whose slices do not alias the receiver.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Entity is a typed node of the measurement graph.
type Entity struct {
	ID         string     `json:"id"`
	Type       EntityType `json:"type"`
	Fields     Fields     `json:"fields"`
	Tags       []string   `json:"tags,omitempty"`
	Hash       string     `json:"hash,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ModifiedAt time.Time  `json:"modified_at,omitzero"`
	// Edges is populated by reads that resolve the outgoing edge set.
	Edges []Edge `json:"edges,omitempty"`
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	out := e
	out.Fields = e.Fields.Clone()
	out.Tags = slices.Clone(e.Tags)
	out.Edges = slices.Clone(e.Edges)
	return out
}

// Float returns a scalar float field.
func (e Entity) Float(name string) (float64, bool) {
	v, ok := e.Fields[name].(float64)
	return v, ok
}

// Floats returns a series field. Scalars are returned as a single element series.
func (e Entity) Floats(name string) ([]float64, bool) {
	switch v := e.Fields[name].(type) {
	case []float64:
		return v, true
	case float64:
		return []float64{v}, true
	}
	return nil, false
}

// String returns a string field.
func (e Entity) String(name string) (string, bool) {
	v, ok := e.Fields[name].(string)
	return v, ok
}

// Time returns a time field.
func (e Entity) Time(name string) (time.Time, bool) {
	v, ok := e.Fields[name].(time.Time)
	return v, ok
}

// Targets returns the target ids of outgoing edges with the given type.
func (e Entity) Targets(edge EdgeType) []string {
	var out []string
	for _, ed := range e.Edges {
		if ed.Type == edge {
			out = append(out, ed.Target)
		}
	}
	return out
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine whether a dataset may be closed cleanly.
const (
	// SeverityBlock fails verification.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but passes verification.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Violation reports a single rule finding.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking indicates whether any violation blocks the dataset.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "dataset blocked by rules: " + v.Message
		}
	}
	return "dataset blocked by rules"
}
