// Package minidoas reads raw scan files from stationary MiniDOAS
// spectrometers: comma separated rows of acquisition settings followed by the
// spectrum counts.
package minidoas

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
)

// Format is the registry name.
const Format = "MINIDOAS"

// OptBearing sets a constant viewing bearing for every reading.
const OptBearing = "bearing"

// Spectrum layout: Pixels counts covering pixel indices FirstPixel onwards.
const (
	Pixels     = 482
	FirstPixel = 30
)

const (
	colStation = iota
	colDate
	colTime
	colStepTime
	colAngle
	colIntTime
	colNSpec
	colSpecIn
	colCounts
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Plugin implements formats.Plugin.
type Plugin struct{}

// New constructs the reader.
func New() Plugin { return Plugin{} }

// Format returns the registry name.
func (Plugin) Format() string { return Format }

type station struct {
	id      string
	angles  []float64
	times   []time.Time
	intTime []float64
	counts  [][]float64
}

// Read returns one Instrument and one RawData per station in the file, in
// order of first appearance.
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
	bearing, hasBearing, err := opts.Float(OptBearing)
	if err != nil {
		return fail(0, "%v", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	for i, l := range bytes.Split(data, []byte("\n")) {
		l = bytes.TrimRight(l, "\r")
		if len(l) > 0 && len(bytes.Trim(l, "\x00")) == 0 {
			return fail(i+1, "line of binary zeros")
		}
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = colCounts + Pixels
	r.TrimLeadingSpace = true
	r.ReuseRecord = true
	var stations []*station
	byID := map[string]*station{}
	for {
		if err := ctx.Err(); err != nil {
			return formats.Import{}, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line := 0
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				line = perr.Line
			}
			return fail(line, "%v", err)
		}
		line, _ := r.FieldPos(0)
		id := strings.TrimSpace(rec[colStation])
		st, ok := byID[id]
		if !ok {
			st = &station{id: id}
			byID[id] = st
			stations = append(stations, st)
		}
		if err := st.add(rec, shift); err != nil {
			return fail(line, "%v", err)
		}
	}
	if len(stations) == 0 {
		return fail(0, "no readings")
	}

	var im formats.Import
	rdt := im.Add(formats.Record{Type: domain.EntityRawDataType, Fields: domain.Fields{
		"name":         "measurement",
		"d_var_unit":   "ppm-m",
		"ind_var_unit": "nm",
		"acquisition":  "stationary",
	}})
	pixels := make([]float64, Pixels)
	for i := range pixels {
		pixels[i] = float64(FirstPixel + i)
	}
	for _, st := range stations {
		inst := im.Add(formats.Record{Ref: "station-" + st.id, Type: domain.EntityInstrument, Fields: domain.Fields{
			"sensor_id": st.id,
			"type":      Format,
		}})
		fields := domain.Fields{
			"d_var":            st.counts,
			"ind_var":          pixels,
			"inc_angle":        st.angles,
			"datetime":         st.times,
			"integration_time": st.intTime,
		}
		if hasBearing {
			b := make([]float64, len(st.angles))
			for i := range b {
				b[i] = bearing
			}
			fields["bearing"] = b
		}
		im.Add(formats.Record{
			Ref:    "raw-" + st.id,
			Type:   domain.EntityRawData,
			Fields: fields,
			Links: map[domain.EdgeType][]string{
				domain.EdgeRawDataType: {rdt},
				domain.EdgeInstrument:  {inst},
			},
			Primary: true,
		})
	}
	return im, nil
}

func (s *station) add(rec []string, shift time.Duration) error {
	date, err := time.Parse("20060102", strings.TrimSpace(rec[colDate]))
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	secs, err := parseFloat(rec[colTime], "time")
	if err != nil {
		return err
	}
	angle, err := parseFloat(rec[colAngle], "angle")
	if err != nil {
		return err
	}
	intTime, err := parseFloat(rec[colIntTime], "integration time")
	if err != nil {
		return err
	}
	for _, c := range []int{colStepTime, colNSpec, colSpecIn} {
		if _, err := parseFloat(rec[c], "column "+strconv.Itoa(c)); err != nil {
			return err
		}
	}
	counts := make([]float64, Pixels)
	for i := range counts {
		v, err := strconv.ParseInt(strings.TrimSpace(rec[colCounts+i]), 10, 64)
		if err != nil {
			return fmt.Errorf("count %d: %w", i, err)
		}
		counts[i] = float64(v)
	}
	ms := math.Round(secs * 1000)
	at := date.Add(time.Duration(ms) * time.Millisecond).Add(-shift)

	s.angles = append(s.angles, angle*180/math.Pi)
	s.times = append(s.times, at)
	s.intTime = append(s.intTime, intTime)
	s.counts = append(s.counts, counts)
	return nil
}

func parseFloat(s, what string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return v, nil
}
