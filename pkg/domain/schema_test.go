package domain

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

func TestValidateNormalisesValues(t *testing.T) {
	s := DefaultSchema()
	when := time.Date(2016, 3, 1, 12, 0, 0, 0, time.FixedZone("NZDT", 13*3600))
	got, err := s.Validate(EntityRawData, Fields{
		"d_var":     []float32{1.5, 2.5},
		"inc_angle": []int{10, 20},
		"datetime":  []any{when, "2016-03-01T00:00:01Z"},
		"position":  []any{[]any{175.1, -39.2, 1100}, []float64{175.2, -39.3, 1200}},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !reflect.DeepEqual(got["d_var"], []float64{1.5, 2.5}) {
		t.Fatalf("unexpected d_var %#v", got["d_var"])
	}
	if !reflect.DeepEqual(got["inc_angle"], []float64{10, 20}) {
		t.Fatalf("unexpected inc_angle %#v", got["inc_angle"])
	}
	times := got["datetime"].([]time.Time)
	if times[0].Location() != time.UTC || !times[0].Equal(when) {
		t.Fatalf("expected UTC normalised time, got %v", times[0])
	}
	if m := got["position"].([][]float64); len(m) != 2 || m[0][2] != 1100 {
		t.Fatalf("unexpected position %#v", got["position"])
	}
}

func TestValidateRejections(t *testing.T) {
	s := DefaultSchema()
	cases := map[string]struct {
		typ    EntityType
		fields Fields
		field  string
	}{
		"unknown type":   {typ: "Volcano", fields: Fields{}},
		"unknown field":  {typ: EntityMethod, fields: Fields{"name": "x", "colour": "red"}, field: "colour"},
		"missing":        {typ: EntityGasFlux, fields: Fields{"unit": "t/day"}, field: "value"},
		"wrong kind":     {typ: EntityGasFlux, fields: Fields{"value": "lots", "unit": "t/day"}, field: "value"},
		"bad unit":       {typ: EntityGasFlux, fields: Fields{"value": 1.0, "unit": "ppm"}, field: "unit"},
		"fractional int": {typ: EntityInstrument, fields: Fields{"no_bits": 12.5}, field: "no_bits"},
	}
	for name, tc := range cases {
		_, err := s.Validate(tc.typ, tc.fields)
		var sv *SchemaViolationError
		if !errors.As(err, &sv) {
			t.Fatalf("%s: expected schema violation, got %v", name, err)
		}
		if sv.Field != tc.field {
			t.Fatalf("%s: expected field %q, got %q", name, tc.field, sv.Field)
		}
	}
}

func TestValidateCanonicalUnitSpelling(t *testing.T) {
	got, err := DefaultSchema().Validate(EntityGasFlux, Fields{"value": 12.3, "unit": " T/DAY "})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got["unit"] != "t/day" || got["value"] != 12.3 {
		t.Fatalf("unexpected normalisation %#v", got)
	}
}

func TestValidateEdge(t *testing.T) {
	s := DefaultSchema()
	if err := s.ValidateEdge(EntityGasFlux, EdgeDerivedFrom, EntityRawData); err != nil {
		t.Fatalf("derivedFrom flux->raw: %v", err)
	}
	if err := s.ValidateEdge(EntityInstrument, EdgeDerivedFrom, EntityGasFlux); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("expected instrument->flux to be rejected, got %v", err)
	}
	if err := s.ValidateEdge(EntityGasFlux, EdgeSupersedes, EntityConcentration); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("supersedes must join equal types, got %v", err)
	}
	if err := s.ValidateEdge(EntityPerson, EdgeAttributedTo, EntityPerson); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("auxiliary attribution must be rejected, got %v", err)
	}
	if err := s.ValidateEdge(EntityGasFlux, "friendOf", EntityGasFlux); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("unknown edge must be rejected, got %v", err)
	}
}

func TestCheckCardinality(t *testing.T) {
	s := DefaultSchema()
	if err := s.CheckCardinality(EntityGasFlux, EdgeMethod, 0, 0); err != nil {
		t.Fatalf("first method edge: %v", err)
	}
	if err := s.CheckCardinality(EntityGasFlux, EdgeMethod, 1, 0); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("second method edge must fail, got %v", err)
	}
	if err := s.CheckCardinality(EntityGasFlux, EdgeSupersedes, 0, 1); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("second supersedes of one target must fail, got %v", err)
	}
	if err := s.CheckCardinality(EntityGasFlux, EdgeDerivedFrom, 10, 10); err != nil {
		t.Fatalf("derivedFrom is unbounded: %v", err)
	}
}

func TestCheckCompatible(t *testing.T) {
	s := DefaultSchema()
	for _, ok := range []string{"", "1.0.0", "v1.9.3"} {
		if err := s.CheckCompatible(ok); err != nil {
			t.Fatalf("%q: %v", ok, err)
		}
	}
	for _, bad := range []string{"2.0.0", "x.y"} {
		if err := s.CheckCompatible(bad); !errors.Is(err, ErrSchemaViolation) {
			t.Fatalf("%q: expected schema violation, got %v", bad, err)
		}
	}
}

func TestDecodeRestoresStoredShapes(t *testing.T) {
	s := DefaultSchema()
	got, err := s.Decode(EntityConcentration, map[string]any{
		"value":           []any{int8(1), uint16(2), 3.5},
		"rawdata_indices": []any{int64(0), uint64(1)},
		"computed_at":     "2020-01-02T03:04:05.123456789Z",
		"future_field":    "kept",
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got["value"], []float64{1, 2, 3.5}) {
		t.Fatalf("unexpected value %#v", got["value"])
	}
	if !reflect.DeepEqual(got["rawdata_indices"], []int64{0, 1}) {
		t.Fatalf("unexpected indices %#v", got["rawdata_indices"])
	}
	if got["future_field"] != "kept" {
		t.Fatalf("undeclared fields must survive decode")
	}
}

func TestFormatParseValueRoundTrip(t *testing.T) {
	values := []any{
		"SO2",
		int64(-7),
		math.Inf(1),
		0.1,
		time.Date(2021, 5, 6, 7, 8, 9, 10, time.UTC),
		[]int64{1, 2, 3},
		[]float64{math.NaN(), 1e-300},
		[]string{"a b", `q"uote`},
		[]time.Time{time.Unix(0, 0).UTC()},
		[][]float64{{1, 2}, {3, 4}},
	}
	for _, v := range values {
		kind, text := FormatValue(v)
		back, err := ParseValue(kind, text)
		if err != nil {
			t.Fatalf("parse %s %q: %v", kind, text, err)
		}
		_, again := FormatValue(back)
		if again != text {
			t.Fatalf("round trip of %s changed %q to %q", kind, text, again)
		}
	}
}

func TestParseTimesSeries(t *testing.T) {
	want := []time.Time{
		time.Date(2016, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2016, 3, 1, 0, 0, 1, 250000000, time.UTC),
	}
	kind, text := FormatValue(want)
	if kind != KindTimes {
		t.Fatalf("kind = %s, want %s", kind, KindTimes)
	}
	back, err := ParseValue(KindTimes, text)
	if err != nil {
		t.Fatalf("parse %q: %v", text, err)
	}
	got, ok := back.([]time.Time)
	if !ok {
		t.Fatalf("parsed %T, want []time.Time", back)
	}
	if len(got) != len(want) {
		t.Fatalf("parsed %d times, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("time %d = %v, want %v", i, got[i], want[i])
		}
	}
	if _, err := ParseValue(KindTimes, "2016-03-01T00:00:00Z yesterday"); err == nil {
		t.Fatal("expected error for malformed time")
	}
}

func TestKindAppend(t *testing.T) {
	got, err := KindNumeric.Append(12.3, []float64{4.5})
	if err != nil || !reflect.DeepEqual(got, []float64{12.3, 4.5}) {
		t.Fatalf("numeric append = %#v, %v", got, err)
	}
	got, err = KindTimes.Append(nil, []time.Time{time.Unix(1, 0).UTC()})
	if err != nil || len(got.([]time.Time)) != 1 {
		t.Fatalf("times append = %#v, %v", got, err)
	}
	if _, err := KindString.Append("a", "b"); err == nil {
		t.Fatalf("strings are not extendable")
	}
}

func TestContentHashIsOrderIndependent(t *testing.T) {
	a := ContentHash(EntityMethod, Fields{"name": "doas", "version": "1"})
	b := ContentHash(EntityMethod, Fields{"version": "1", "name": "doas"})
	c := ContentHash(EntityMethod, Fields{"name": "doas", "version": "2"})
	if a != b || a == c || len(a) != 56 {
		t.Fatalf("unexpected hashes %s %s %s", a, b, c)
	}
}

func TestEntityCloneDoesNotAlias(t *testing.T) {
	e := Entity{ID: "x", Fields: Fields{"value": []float64{1}}, Tags: []string{"t"}}
	c := e.Clone()
	c.Fields["value"].([]float64)[0] = 2
	c.Tags[0] = "u"
	if e.Fields["value"].([]float64)[0] != 1 || e.Tags[0] != "t" {
		t.Fatalf("clone aliases source")
	}
}

func TestMigrateRecordsCurrentVersion(t *testing.T) {
	s := DefaultSchema()
	cases := []struct {
		stored  string
		changed bool
		want    string
	}{
		{"1.0.0", true, SchemaVersion},
		{"", true, SchemaVersion},
		{SchemaVersion, false, SchemaVersion},
		{"1.9.0", false, "1.9.0"},
	}
	for _, tc := range cases {
		got, changed, err := s.Migrate(StoreMetadata{SchemaVersion: tc.stored, CreatedBy: "x"})
		if err != nil {
			t.Fatalf("%q: %v", tc.stored, err)
		}
		if changed != tc.changed || got.SchemaVersion != tc.want || got.CreatedBy != "x" {
			t.Fatalf("%q: got %+v changed=%v", tc.stored, got, changed)
		}
	}
	if _, _, err := s.Migrate(StoreMetadata{SchemaVersion: "2.0.0"}); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("expected incompatible major to fail, got %v", err)
	}
}
