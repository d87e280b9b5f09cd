// Package scan splits a sequence of telescope inclination angles into
// individual scans. A scan ends where the scan direction reverses.
package scan

import (
	"errors"
	"fmt"
)

// MinLength is the shortest scan kept on its own; shorter runs are merged
// into the preceding scan.
const MinLength = 2

// ErrStalled reports a telescope that did not move for several readings.
var ErrStalled = errors.New("scan angle did not change")

// Range is a half-open [Start, End) index range into the angle series.
type Range struct {
	Start int
	End   int
}

// Len returns the number of samples in the range.
func (r Range) Len() int { return r.End - r.Start }

// Split returns the scans contained in angles in acquisition order.
func Split(angles []float64) ([]Range, error) {
	n := len(angles)
	switch n {
	case 0:
		return nil, nil
	case 1:
		return []Range{{0, 1}}, nil
	}
	for i := 2; i < n; i++ {
		if angles[i] == angles[i-1] && angles[i-1] == angles[i-2] {
			return nil, fmt.Errorf("readings %d-%d: %w", i-2, i, ErrStalled)
		}
	}

	grad := Gradient(angles)
	if grad[0] == 0 {
		grad[0] = grad[1]
	}
	if grad[n-1] == 0 {
		grad[n-1] = grad[n-2]
	}
	for i := 1; i < n-1; i++ {
		if grad[i] == 0 {
			grad[i] = grad[i-1]
		}
	}

	var scans []Range
	start := 0
	for i := 1; i < n; i++ {
		if (grad[i] > 0) != (grad[i-1] > 0) {
			scans = append(scans, Range{start, i})
			start = i
		}
	}
	scans = append(scans, Range{start, n})
	return merge(scans), nil
}

// Gradient is the central-difference derivative of v with one-sided
// differences at both ends.
func Gradient(v []float64) []float64 {
	n := len(v)
	out := make([]float64, n)
	if n < 2 {
		return out
	}
	out[0] = v[1] - v[0]
	out[n-1] = v[n-1] - v[n-2]
	for i := 1; i < n-1; i++ {
		out[i] = (v[i+1] - v[i-1]) / 2
	}
	return out
}

func merge(scans []Range) []Range {
	out := make([]Range, 0, len(scans))
	for _, s := range scans {
		if s.Len() < MinLength && len(out) > 0 {
			out[len(out)-1].End = s.End
			continue
		}
		out = append(out, s)
	}
	if len(out) > 1 && out[0].Len() < MinLength {
		out[1].Start = out[0].Start
		out = out[1:]
	}
	return out
}
