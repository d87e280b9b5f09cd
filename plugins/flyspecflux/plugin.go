// Package flyspecflux reads the flux estimates written by the FlySpec
// processing UI: one "date time flux" line per estimate.
package flyspecflux

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
)

// Format is the registry name.
const Format = "FLYSPECFLUX"

// Options besides timeshift. OptUnit sets the flux unit, OptDerivedFrom
// lists comma separated ids of the stored entities the estimates were
// computed from and OptTarget is the id of the observed target.
const (
	OptUnit        = "unit"
	OptDerivedFrom = "derived_from"
	OptTarget      = "target"
)

// Defaults for the method record and flux unit.
const (
	DefaultMethod = "GNS FlySpec UI"
	DefaultUnit   = "t/day"
)

var estimate = regexp.MustCompile(`^(\S+ \S+)\s+(-?\d+\.\d+)`)

var layouts = []string{"2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"}

// Plugin implements formats.Plugin.
type Plugin struct{}

// New constructs the reader.
func New() Plugin { return Plugin{} }

// Format returns the registry name.
func (Plugin) Format() string { return Format }

// Read returns a Method and the GasFlux series it produced.
func (Plugin) Read(ctx context.Context, src formats.Source, opts formats.Options) (formats.Import, error) {
	fail := func(n int, msg string, args ...any) (formats.Import, error) {
		return formats.Import{}, formats.Errorf(Format, src.Path, n, msg, args...)
	}
	data, err := src.Load()
	if err != nil {
		return fail(0, "%v", err)
	}
	shift, err := opts.Timeshift()
	if err != nil {
		return fail(0, "%v", err)
	}
	unit, ok := opts.String(OptUnit)
	if !ok {
		unit = DefaultUnit
	}

	var values []float64
	var stamps []time.Time
	sc := bufio.NewScanner(bytes.NewReader(data))
	n := 0
	for sc.Scan() {
		n++
		if err := ctx.Err(); err != nil {
			return formats.Import{}, err
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		m := estimate.FindStringSubmatch(text)
		if m == nil {
			return fail(n, "expected date, time and flux, got %q", text)
		}
		at, err := parseTime(m[1])
		if err != nil {
			return fail(n, "%v", err)
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return fail(n, "flux: %v", err)
		}
		values = append(values, v)
		stamps = append(stamps, at.Add(-shift))
	}
	if err := sc.Err(); err != nil {
		return fail(n, "%v", err)
	}
	if len(values) == 0 {
		return fail(0, "no estimates")
	}

	var im formats.Import
	method := im.Add(formats.Record{Type: domain.EntityMethod, Fields: domain.Fields{
		"name":        DefaultMethod,
		"description": "flux estimates read from " + Format,
	}})
	links := map[domain.EdgeType][]string{domain.EdgeMethod: {method}}
	if raw, ok := opts.String(OptDerivedFrom); ok {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				links[domain.EdgeDerivedFrom] = append(links[domain.EdgeDerivedFrom], id)
			}
		}
	}
	if target, ok := opts.String(OptTarget); ok {
		links[domain.EdgeTarget] = []string{target}
	}
	im.Add(formats.Record{
		Ref:  "flux",
		Type: domain.EntityGasFlux,
		Fields: domain.Fields{
			"value":    values,
			"unit":     unit,
			"datetime": stamps,
		},
		Links:   links,
		Primary: true,
	})
	return im, nil
}

// parseTime reads a timestamp whose fractional digits the UI writes as
// milliseconds padded to microsecond width, so ":03.000250" is 250ms past
// the second.
func parseTime(s string) (time.Time, error) {
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		frac := time.Duration(t.Nanosecond())
		return t.Truncate(time.Second).Add(frac * 1000).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
