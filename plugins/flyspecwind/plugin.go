// Package flyspecwind reads the wind files kept next to FlySpec scans: one
// "timestamp direction speed" line per reading, direction in degrees
// clockwise from north and speed in m/s.
package flyspecwind

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
)

// Format is the registry name.
const Format = "FLYSPECWIND"

// Options besides timeshift. OptPosition is "lon,lat,elevation" applied to
// every reading; OptMethod names the wind model.
const (
	OptPosition = "position"
	OptMethod   = "method"
)

// DefaultMethod names the wind source when no method option is given.
const DefaultMethod = "wind model"

// calm replaces zero speeds so the direction survives the conversion to a
// vector.
const calm = 0.0001

var layouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04:05.999999999", time.RFC3339Nano}

// Plugin implements formats.Plugin.
type Plugin struct{}

// New constructs the reader.
func New() Plugin { return Plugin{} }

// Format returns the registry name.
func (Plugin) Format() string { return Format }

// Read returns a Method and the GasFlow it produced.
func (Plugin) Read(ctx context.Context, src formats.Source, opts formats.Options) (formats.Import, error) {
	fail := func(line int, msg string, args ...any) (formats.Import, error) {
		return formats.Import{}, formats.Errorf(Format, src.Path, line, msg, args...)
	}
	data, err := src.Load()
	if err != nil {
		return fail(0, "%v", err)
	}
	shift, err := opts.Timeshift()
	if err != nil {
		return fail(0, "%v", err)
	}
	var position []float64
	if raw, ok := opts.String(OptPosition); ok {
		if position, err = parsePosition(raw); err != nil {
			return fail(0, "%v", err)
		}
	}

	var vx, vy []float64
	var stamps []time.Time
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return formats.Import{}, err
		}
		cols := strings.Fields(sc.Text())
		if len(cols) == 0 || strings.HasPrefix(cols[0], "#") {
			continue
		}
		if len(cols) != 3 {
			return fail(line, "expected 3 columns, got %d", len(cols))
		}
		at, err := parseTime(cols[0])
		if err != nil {
			return fail(line, "%v", err)
		}
		wd, err := strconv.ParseFloat(cols[1], 64)
		if err != nil {
			return fail(line, "direction: %v", err)
		}
		ws, err := strconv.ParseFloat(cols[2], 64)
		if err != nil {
			return fail(line, "speed: %v", err)
		}
		if ws == 0 {
			ws = calm
		}
		x, y := BearingToVector(wd, ws)
		vx = append(vx, x)
		vy = append(vy, y)
		stamps = append(stamps, at.Add(-shift))
	}
	if err := sc.Err(); err != nil {
		return fail(line, "%v", err)
	}
	if len(stamps) == 0 {
		return fail(0, "no readings")
	}

	name, ok := opts.String(OptMethod)
	if !ok {
		name = DefaultMethod
	}
	var im formats.Import
	method := im.Add(formats.Record{Type: domain.EntityMethod, Fields: domain.Fields{
		"name":        name,
		"description": "wind direction and speed read from " + Format,
	}})
	fields := domain.Fields{
		"vx":       vx,
		"vy":       vy,
		"unit":     "m/s",
		"datetime": stamps,
	}
	if position != nil {
		rows := make([][]float64, len(stamps))
		for i := range rows {
			rows[i] = append([]float64(nil), position...)
		}
		fields["position"] = rows
	}
	im.Add(formats.Record{
		Ref:     "wind",
		Type:    domain.EntityGasFlow,
		Fields:  fields,
		Links:   map[domain.EdgeType][]string{domain.EdgeMethod: {method}},
		Primary: true,
	})
	return im, nil
}

// BearingToVector converts a bearing in degrees clockwise from north and a
// magnitude into east and north components.
func BearingToVector(bearing, norm float64) (x, y float64) {
	sin, cos := math.Sincos(bearing * math.Pi / 180)
	return norm * sin, norm * cos
}

// VectorToBearing is the inverse of BearingToVector; the bearing is in [0, 360).
func VectorToBearing(x, y float64) float64 {
	b := math.Atan2(x, y) * 180 / math.Pi
	if b < 0 {
		b += 360
	}
	return b
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func parsePosition(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("position wants lon,lat,elevation, got %q", s)
	}
	out := make([]float64, 3)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("position: %w", err)
		}
		out[i] = v
	}
	return out, nil
}
