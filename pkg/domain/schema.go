package domain

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// SchemaVersion is the version recorded in every store created by this package.
const SchemaVersion = "1.2.0"

// FieldSpec declares the value kind of a field and its constraints.
type FieldSpec struct {
	Kind     Kind
	Required bool
	// Units lists the accepted spellings for unit-bearing string fields.
	Units []string
}

// TypeSpec declares the fields and lifecycle of an entity type.
type TypeSpec struct {
	Type   EntityType
	Fields map[string]FieldSpec
	// WriteOnce types reject any second write of the same id.
	WriteOnce bool
	// Extendable types accept appended series values after creation.
	Extendable bool
	// Derived types need at least one provenance edge.
	Derived bool
	// Auxiliary types may not carry attribution edges.
	Auxiliary bool
}

// EdgeRule lists the permitted endpoints and cardinality of an edge type.
type EdgeRule struct {
	Edge    EdgeType
	Sources []EntityType
	Targets []EntityType
	// SameType requires source and target to share a type.
	SameType bool
	// MaxOut bounds edges of this type per source; zero means unbounded.
	MaxOut int
	// MaxIn bounds edges of this type per target; zero means unbounded.
	MaxIn int
}

func (r EdgeRule) allows(src, dst EntityType) bool {
	if r.SameType && src != dst {
		return false
	}
	return (len(r.Sources) == 0 || slices.Contains(r.Sources, src)) &&
		(len(r.Targets) == 0 || slices.Contains(r.Targets, dst))
}

// Schema validates entities and edges against the declared types.
type Schema struct {
	Version string
	types   map[EntityType]TypeSpec
	edges   map[EdgeType]EdgeRule
}

// NewSchema constructs a schema from type and edge declarations.
func NewSchema(version string, types []TypeSpec, edges []EdgeRule) *Schema {
	s := &Schema{
		Version: version,
		types:   make(map[EntityType]TypeSpec, len(types)),
		edges:   make(map[EdgeType]EdgeRule, len(edges)),
	}
	for _, t := range types {
		s.types[t.Type] = t
	}
	for _, e := range edges {
		s.edges[e.Edge] = e
	}
	return s
}

// Type returns the declaration of an entity type.
func (s *Schema) Type(t EntityType) (TypeSpec, bool) {
	spec, ok := s.types[t]
	return spec, ok
}

// Types returns the declared entity types in storage order.
func (s *Schema) Types() []EntityType {
	out := make([]EntityType, 0, len(s.types))
	for _, t := range entityTypes {
		if _, ok := s.types[t]; ok {
			out = append(out, t)
		}
	}
	for t := range s.types {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// Edge returns the rule for an edge type.
func (s *Schema) Edge(edge EdgeType) (EdgeRule, bool) {
	r, ok := s.edges[edge]
	return r, ok
}

// IsEdge reports whether name is a declared edge type.
func (s *Schema) IsEdge(name string) bool {
	_, ok := s.edges[EdgeType(name)]
	return ok
}

// Validate checks fields against the type declaration and returns the
// normalised field map.
func (s *Schema) Validate(t EntityType, fields Fields) (Fields, error) {
	spec, ok := s.types[t]
	if !ok {
		return nil, &SchemaViolationError{Entity: t, Reason: "unknown entity type"}
	}
	out := make(Fields, len(fields))
	for name, value := range fields {
		fs, ok := spec.Fields[name]
		if !ok {
			return nil, &SchemaViolationError{Entity: t, Field: name, Reason: "unknown field"}
		}
		if value == nil {
			continue
		}
		v, err := fs.Kind.Coerce(value)
		if err != nil {
			return nil, &SchemaViolationError{Entity: t, Field: name, Reason: err.Error()}
		}
		if len(fs.Units) > 0 {
			canonical, ok := matchUnit(fs.Units, v.(string))
			if !ok {
				return nil, &SchemaViolationError{Entity: t, Field: name, Reason: fmt.Sprintf("unit %q not in %v", v, fs.Units)}
			}
			v = canonical
		}
		out[name] = v
	}
	for _, name := range sortedFieldNames(spec.Fields) {
		if spec.Fields[name].Required {
			if _, ok := out[name]; !ok {
				return nil, &SchemaViolationError{Entity: t, Field: name, Reason: "required field missing"}
			}
		}
	}
	return out, nil
}

// Decode restores canonical values from a stored representation. Fields not
// declared by the schema are kept verbatim so newer stores remain readable.
func (s *Schema) Decode(t EntityType, raw map[string]any) (Fields, error) {
	spec, ok := s.types[t]
	if !ok {
		return nil, &SchemaViolationError{Entity: t, Reason: "unknown entity type"}
	}
	out := make(Fields, len(raw))
	for name, value := range raw {
		fs, ok := spec.Fields[name]
		if !ok || value == nil {
			out[name] = value
			continue
		}
		v, err := fs.Kind.Coerce(value)
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", t, name, err)
		}
		out[name] = v
	}
	return out, nil
}

// ValidateEdge checks that the edge type permits the endpoint types.
func (s *Schema) ValidateEdge(src EntityType, edge EdgeType, dst EntityType) error {
	rule, ok := s.edges[edge]
	if !ok {
		return &SchemaViolationError{Entity: src, Edge: edge, Reason: "unknown edge type"}
	}
	if !rule.allows(src, dst) {
		return &SchemaViolationError{Entity: src, Edge: edge, Reason: fmt.Sprintf("%s may not point to %s", src, dst)}
	}
	if edge == EdgeAttributedTo {
		if spec, ok := s.types[src]; ok && spec.Auxiliary {
			return &SchemaViolationError{Entity: src, Edge: edge, Reason: "auxiliary entities carry no attribution"}
		}
	}
	return nil
}

// CheckCardinality verifies that adding one more edge keeps the counts within
// the bounds of the rule. out and in are the existing counts.
func (s *Schema) CheckCardinality(src EntityType, edge EdgeType, out, in int) error {
	rule, ok := s.edges[edge]
	if !ok {
		return &SchemaViolationError{Entity: src, Edge: edge, Reason: "unknown edge type"}
	}
	if rule.MaxOut > 0 && out >= rule.MaxOut {
		return &SchemaViolationError{Entity: src, Edge: edge, Reason: fmt.Sprintf("at most %d outgoing %s edge(s)", rule.MaxOut, edge)}
	}
	if rule.MaxIn > 0 && in >= rule.MaxIn {
		return &SchemaViolationError{Entity: src, Edge: edge, Reason: fmt.Sprintf("target already has %d incoming %s edge(s)", rule.MaxIn, edge)}
	}
	return nil
}

// CheckCompatible accepts stores written by this or an older schema with the
// same major version.
func (s *Schema) CheckCompatible(stored string) error {
	if stored == "" {
		return nil
	}
	have, err := majorVersion(stored)
	if err != nil {
		return &SchemaViolationError{Reason: fmt.Sprintf("stored schema version %q: %v", stored, err)}
	}
	want, err := majorVersion(s.Version)
	if err != nil {
		return &SchemaViolationError{Reason: fmt.Sprintf("schema version %q: %v", s.Version, err)}
	}
	if have != want {
		return &SchemaViolationError{Reason: fmt.Sprintf("store schema %s is incompatible with %s", stored, s.Version)}
	}
	return nil
}

// Migrate upgrades the recorded version of a compatible store written by an
// older schema. It reports whether meta changed. Newer minor versions are left
// untouched.
func (s *Schema) Migrate(meta StoreMetadata) (StoreMetadata, bool, error) {
	if err := s.CheckCompatible(meta.SchemaVersion); err != nil {
		return meta, false, err
	}
	if meta.SchemaVersion != "" && compareVersions(meta.SchemaVersion, s.Version) >= 0 {
		return meta, false, nil
	}
	meta.SchemaVersion = s.Version
	return meta, true, nil
}

// compareVersions orders dotted numeric versions; non-numeric parts count as zero.
func compareVersions(a, b string) int {
	pa := strings.Split(strings.TrimPrefix(a, "v"), ".")
	pb := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < max(len(pa), len(pb)); i++ {
		var x, y int
		if i < len(pa) {
			x, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			y, _ = strconv.Atoi(pb[i])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func majorVersion(v string) (int, error) {
	major, _, _ := strings.Cut(strings.TrimPrefix(v, "v"), ".")
	return strconv.Atoi(major)
}

func matchUnit(units []string, value string) (string, bool) {
	value = strings.TrimSpace(value)
	for _, u := range units {
		if strings.EqualFold(u, value) {
			return u, true
		}
	}
	return "", false
}

func sortedFieldNames(fields map[string]FieldSpec) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	fluxUnits          = []string{"t/day", "t/yr", "kg/s", "kg/h", "g/s"}
	concentrationUnits = []string{"ppm", "ppb", "ppm m", "ppmm", "ppm-m", "molec/cm2", "mg/m3"}
	velocityUnits      = []string{"m/s", "km/h", "knots"}
)

func optional(kind Kind) FieldSpec { return FieldSpec{Kind: kind} }

func required(kind Kind) FieldSpec { return FieldSpec{Kind: kind, Required: true} }

// DefaultSchema returns the measurement graph schema.
func DefaultSchema() *Schema {
	derived := []EntityType{EntityConcentration, EntityGasFlux, EntityGasFlow, EntityPreferredFlux}
	attributable := []EntityType{
		EntityInstrument, EntityTarget, EntityRawData, EntityGasFlow, EntityMethod,
		EntityConcentration, EntityGasFlux, EntityPreferredFlux,
	}
	types := []TypeSpec{
		{Type: EntityInstrument, Fields: map[string]FieldSpec{
			"sensor_id":   optional(KindString),
			"location":    optional(KindString),
			"type":        optional(KindString),
			"description": optional(KindString),
			"no_bits":     optional(KindInt),
			"calibration": optional(KindFloats),
		}},
		{Type: EntityTarget, Fields: map[string]FieldSpec{
			"target_id":      optional(KindString),
			"name":           optional(KindString),
			"description":    optional(KindString),
			"position":       optional(KindFloats),
			"position_error": optional(KindFloats),
		}},
		{Type: EntityRawDataType, Fields: map[string]FieldSpec{
			"name":         required(KindString),
			"d_var_unit":   optional(KindString),
			"ind_var_unit": optional(KindString),
			"acquisition":  optional(KindString),
		}},
		{Type: EntityRawData, WriteOnce: true, Fields: map[string]FieldSpec{
			"d_var":             required(KindNumeric),
			"ind_var":           optional(KindFloats),
			"datetime":          optional(KindTimes),
			"inc_angle":         optional(KindFloats),
			"inc_angle_error":   optional(KindFloats),
			"bearing":           optional(KindFloats),
			"bearing_error":     optional(KindFloats),
			"position":          optional(KindMatrix),
			"position_error":    optional(KindMatrix),
			"path_length":       optional(KindFloats),
			"path_length_error": optional(KindFloats),
			"integration_time":  optional(KindFloats),
			"no_averages":       optional(KindFloats),
			"temperature":       optional(KindFloats),
			"data_quality":      optional(KindFloats),
			"unit":              optional(KindString),
			"source_key":        optional(KindString),
			"source_sha256":     optional(KindString),
			"user_notes":        optional(KindString),
		}},
		{Type: EntityGasFlow, Extendable: true, Fields: map[string]FieldSpec{
			"vx":           optional(KindFloats),
			"vy":           optional(KindFloats),
			"vz":           optional(KindFloats),
			"vx_error":     optional(KindFloats),
			"vy_error":     optional(KindFloats),
			"vz_error":     optional(KindFloats),
			"unit":         {Kind: KindString, Units: velocityUnits},
			"position":     optional(KindMatrix),
			"datetime":     optional(KindTimes),
			"pressure":     optional(KindFloats),
			"temperature":  optional(KindFloats),
			"grid_bearing": optional(KindFloat),
			"user_notes":   optional(KindString),
		}},
		{Type: EntityMethod, Fields: map[string]FieldSpec{
			"name":        required(KindString),
			"description": optional(KindString),
			"settings":    optional(KindString),
			"reference":   optional(KindString),
			"version":     optional(KindString),
		}},
		{Type: EntityConcentration, Derived: true, Extendable: true, Fields: map[string]FieldSpec{
			"gas_species":     optional(KindString),
			"value":           required(KindNumeric),
			"value_error":     optional(KindNumeric),
			"unit":            {Kind: KindString, Units: concentrationUnits},
			"datetime":        optional(KindTimes),
			"rawdata_indices": optional(KindInts),
			"analyst_contact": optional(KindString),
			"user_notes":      optional(KindString),
			"computed_at":     optional(KindTime),
		}},
		{Type: EntityGasFlux, Derived: true, Extendable: true, Fields: map[string]FieldSpec{
			"value":                 required(KindNumeric),
			"value_error":           optional(KindNumeric),
			"unit":                  {Kind: KindString, Required: true, Units: fluxUnits},
			"datetime":              optional(KindTimes),
			"concentration_indices": optional(KindInts),
			"analyst_contact":       optional(KindString),
			"user_notes":            optional(KindString),
			"computed_at":           optional(KindTime),
		}},
		{Type: EntityPreferredFlux, Derived: true, Fields: map[string]FieldSpec{
			"window_start": required(KindTime),
			"window_end":   required(KindTime),
			"value":        optional(KindFloat),
			"value_error":  optional(KindFloat),
			"unit":         {Kind: KindString, Units: fluxUnits},
			"datetime":     optional(KindTimes),
			"flux_indices": optional(KindInts),
			"user_notes":   optional(KindString),
		}},
		{Type: EntityDataQualityType, Auxiliary: true, Fields: map[string]FieldSpec{
			"name":      required(KindString),
			"reference": optional(KindString),
		}},
		{Type: EntityPerson, Auxiliary: true, Fields: map[string]FieldSpec{
			"name":         required(KindString),
			"email":        optional(KindString),
			"organisation": optional(KindString),
		}},
	}
	edges := []EdgeRule{
		{Edge: EdgeDerivedFrom, Sources: derived[:3], Targets: []EntityType{EntityRawData, EntityConcentration, EntityGasFlux}},
		{Edge: EdgeMethod, Sources: derived, Targets: []EntityType{EntityMethod}, MaxOut: 1},
		{Edge: EdgeInstrument, Sources: []EntityType{EntityRawData}, Targets: []EntityType{EntityInstrument}, MaxOut: 1},
		{Edge: EdgeTarget, Sources: []EntityType{EntityRawData, EntityGasFlux, EntityPreferredFlux}, Targets: []EntityType{EntityTarget}, MaxOut: 1},
		{Edge: EdgeRawDataType, Sources: []EntityType{EntityRawData}, Targets: []EntityType{EntityRawDataType}, MaxOut: 1},
		{Edge: EdgeGasFlow, Sources: []EntityType{EntityConcentration, EntityGasFlux}, Targets: []EntityType{EntityGasFlow}, MaxOut: 1},
		{Edge: EdgeDataQuality, Sources: []EntityType{EntityRawData, EntityConcentration, EntityGasFlux, EntityGasFlow}, Targets: []EntityType{EntityDataQualityType}},
		{Edge: EdgeAttributedTo, Sources: attributable, Targets: []EntityType{EntityPerson}},
		{Edge: EdgeSelects, Sources: []EntityType{EntityPreferredFlux}, Targets: []EntityType{EntityGasFlux}},
		{Edge: EdgeSupersedes, SameType: true, MaxOut: 1, MaxIn: 1},
	}
	return NewSchema(SchemaVersion, types, edges)
}
