package domain

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind describes the canonical Go representation of a field value.
//
//	string   string
//	int      int64
//	float    float64
//	time     time.Time (UTC)
//	ints     []int64
//	floats   []float64
//	strings  []string
//	times    []time.Time
//	matrix   [][]float64
//	numeric  float64, []float64 or [][]float64
type Kind string

// Field value kinds.
const (
	KindString  Kind = "string"
	KindInt     Kind = "int"
	KindFloat   Kind = "float"
	KindTime    Kind = "time"
	KindInts    Kind = "ints"
	KindFloats  Kind = "floats"
	KindStrings Kind = "strings"
	KindTimes   Kind = "times"
	KindMatrix  Kind = "matrix"
	KindNumeric Kind = "numeric"
)

// Coerce converts v to the canonical representation of the kind.
func (k Kind) Coerce(v any) (any, error) {
	switch k {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case KindInt:
		return toInt(v)
	case KindFloat:
		return toFloat(v)
	case KindTime:
		return toTime(v)
	case KindInts:
		return toSlice(v, toInt)
	case KindFloats:
		return toSlice(v, toFloat)
	case KindStrings:
		return toSlice(v, func(e any) (string, error) {
			s, ok := e.(string)
			if !ok {
				return "", fmt.Errorf("expected string element, got %T", e)
			}
			return s, nil
		})
	case KindTimes:
		return toSlice(v, toTime)
	case KindMatrix:
		return toMatrix(v)
	case KindNumeric:
		return toNumeric(v)
	default:
		return nil, fmt.Errorf("unknown kind %q", k)
	}
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, fmt.Errorf("integer %d overflows int64", n)
		}
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("integer %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	case float32:
		return toInt(float64(n))
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		i, err := toInt(n)
		if err != nil {
			return 0, err
		}
		return float64(i), nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Round(0), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return t.UTC().Round(0), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", t, err)
		}
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("expected time, got %T", v)
}

func toSlice[T any](v any, conv func(any) (T, error)) ([]T, error) {
	if typed, ok := v.([]T); ok {
		out := make([]T, len(typed))
		for i, e := range typed {
			c, err := conv(e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	}
	elems, ok := elements(v)
	if !ok {
		return nil, fmt.Errorf("expected series, got %T", v)
	}
	out := make([]T, len(elems))
	for i, e := range elems {
		c, err := conv(e)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}

// elements flattens the common slice shapes produced by callers and decoders.
func elements(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []float64:
		return anySlice(s), true
	case []float32:
		return anySlice(s), true
	case []int:
		return anySlice(s), true
	case []int32:
		return anySlice(s), true
	case []int64:
		return anySlice(s), true
	case []uint16:
		return anySlice(s), true
	case []string:
		return anySlice(s), true
	case []time.Time:
		return anySlice(s), true
	}
	return nil, false
}

func anySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func toMatrix(v any) ([][]float64, error) {
	if m, ok := v.([][]float64); ok {
		out := make([][]float64, len(m))
		for i, row := range m {
			out[i] = slices.Clone(row)
		}
		return out, nil
	}
	rows, ok := elements(v)
	if !ok {
		if m32, ok := v.([][]float32); ok {
			rows = anySlice(m32)
		} else {
			return nil, fmt.Errorf("expected matrix, got %T", v)
		}
	}
	out := make([][]float64, len(rows))
	for i, r := range rows {
		row, err := toSlice(r, toFloat)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = row
	}
	return out, nil
}

func toNumeric(v any) (any, error) {
	if f, err := toFloat(v); err == nil {
		return f, nil
	}
	switch v.(type) {
	case [][]float64, [][]float32:
		return toMatrix(v)
	}
	elems, ok := elements(v)
	if !ok {
		return nil, fmt.Errorf("expected number or series, got %T", v)
	}
	if len(elems) > 0 {
		if _, nested := elements(elems[0]); nested {
			return toMatrix(v)
		}
	}
	return toSlice(v, toFloat)
}

// Append concatenates extra onto existing for series kinds. Scalars of the
// numeric kind are promoted to a series.
func (k Kind) Append(existing, extra any) (any, error) {
	switch k {
	case KindInts:
		return appendTyped[int64](existing, extra)
	case KindFloats:
		return appendTyped[float64](existing, extra)
	case KindStrings:
		return appendTyped[string](existing, extra)
	case KindTimes:
		return appendTyped[time.Time](existing, extra)
	case KindMatrix:
		return appendTyped[[]float64](existing, extra)
	case KindNumeric:
		if existing == nil {
			return extra, nil
		}
		a, b := promoteNumeric(existing), promoteNumeric(extra)
		switch av := a.(type) {
		case []float64:
			bv, ok := b.([]float64)
			if !ok {
				return nil, fmt.Errorf("cannot append %T to series", extra)
			}
			return append(slices.Clone(av), bv...), nil
		case [][]float64:
			bv, ok := b.([][]float64)
			if !ok {
				return nil, fmt.Errorf("cannot append %T to matrix", extra)
			}
			return append(slices.Clone(av), bv...), nil
		}
		return nil, fmt.Errorf("cannot append to %T", existing)
	}
	return nil, fmt.Errorf("field of kind %s is not extendable", k)
}

func appendTyped[T any](existing, extra any) (any, error) {
	if existing == nil {
		return extra, nil
	}
	a, ok := existing.([]T)
	if !ok {
		return nil, fmt.Errorf("cannot append to %T", existing)
	}
	b, ok := extra.([]T)
	if !ok {
		return nil, fmt.Errorf("cannot append %T", extra)
	}
	return append(slices.Clone(a), b...), nil
}

func promoteNumeric(v any) any {
	if f, ok := v.(float64); ok {
		return []float64{f}
	}
	return v
}

func cloneValue(v any) any {
	switch s := v.(type) {
	case []float64:
		return slices.Clone(s)
	case []int64:
		return slices.Clone(s)
	case []string:
		return slices.Clone(s)
	case []time.Time:
		return slices.Clone(s)
	case [][]float64:
		out := make([][]float64, len(s))
		for i, row := range s {
			out[i] = slices.Clone(row)
		}
		return out
	}
	return v
}

// FormatValue renders a canonical value as text. Series elements are
// separated by spaces and matrix rows by semicolons.
func FormatValue(v any) (Kind, string) {
	switch t := v.(type) {
	case string:
		return KindString, t
	case int64:
		return KindInt, strconv.FormatInt(t, 10)
	case float64:
		return KindFloat, strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return KindTime, t.UTC().Format(time.RFC3339Nano)
	case []int64:
		return KindInts, joinFormatted(t, func(i int64) string { return strconv.FormatInt(i, 10) }, " ")
	case []float64:
		return KindFloats, joinFormatted(t, formatFloat, " ")
	case []string:
		return KindStrings, joinFormatted(t, strconv.Quote, " ")
	case []time.Time:
		return KindTimes, joinFormatted(t, func(tm time.Time) string { return tm.UTC().Format(time.RFC3339Nano) }, " ")
	case [][]float64:
		return KindMatrix, joinFormatted(t, func(row []float64) string { return joinFormatted(row, formatFloat, " ") }, ";")
	}
	return KindString, fmt.Sprint(v)
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

func joinFormatted[T any](in []T, f func(T) string, sep string) string {
	parts := make([]string, len(in))
	for i, v := range in {
		parts[i] = f(v)
	}
	return strings.Join(parts, sep)
}

// ParseValue reverses FormatValue.
func ParseValue(kind Kind, text string) (any, error) {
	switch kind {
	case KindString:
		return text, nil
	case KindInt:
		return strconv.ParseInt(text, 10, 64)
	case KindFloat:
		return strconv.ParseFloat(text, 64)
	case KindTime:
		return toTime(text)
	case KindInts:
		return parseFields(text, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
	case KindFloats:
		return parseFields(text, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
	case KindTimes:
		return parseFields(text, func(s string) (time.Time, error) { return toTime(s) })
	case KindStrings:
		return parseQuoted(text)
	case KindMatrix:
		out := [][]float64{}
		if strings.TrimSpace(text) == "" {
			return out, nil
		}
		for _, row := range strings.Split(text, ";") {
			r, err := parseFields(row, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func parseFields[T any](text string, conv func(string) (T, error)) ([]T, error) {
	parts := strings.Fields(text)
	out := make([]T, len(parts))
	for i, p := range parts {
		v, err := conv(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseQuoted(text string) ([]string, error) {
	out := []string{}
	rest := strings.TrimSpace(text)
	for rest != "" {
		q, err := strconv.QuotedPrefix(rest)
		if err != nil {
			return nil, err
		}
		s, err := strconv.Unquote(q)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		rest = strings.TrimSpace(rest[len(q):])
	}
	return out, nil
}
