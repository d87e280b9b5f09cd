// Package flyspec reads the text log written by FlySpec scanning
// spectrometers. Each line is one reading; the telescope sweeps back and
// forth so the readings are split into scans at direction reversals.
package flyspec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"spectroscopy/internal/scan"
	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
)

// Format is the registry name.
const Format = "FLYSPEC"

// Options understood by the reader besides timeshift.
const (
	OptBearing  = "bearing"
	OptSensorID = "sensor_id"
)

// Unit of the SO2 column.
const Unit = "ppm m"

const columns = 21

// Column positions (zero-based).
const (
	colYear   = 1
	colSecond = 6
	colLat    = 8
	colLatHem = 9
	colLon    = 10
	colLonHem = 11
	colElev   = 12
	colSO2    = 16
	colAngle  = 17
)

// Plugin implements formats.Plugin.
type Plugin struct{}

// New constructs the reader.
func New() Plugin { return Plugin{} }

// Format returns the registry name.
func (Plugin) Format() string { return Format }

type reading struct {
	at    time.Time
	lon   float64
	lat   float64
	elev  float64
	so2   float64
	angle float64
}

// Read parses src into one RawData and one SO2 Concentration per scan.
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

	var rows []reading
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return formats.Import{}, err
			}
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		r, err := parseLine(strings.Fields(text), shift)
		if err != nil {
			return fail(line, "%v", err)
		}
		rows = append(rows, r)
	}
	if err := sc.Err(); err != nil {
		return fail(line, "%v", err)
	}
	if len(rows) < 2 {
		return fail(0, "file contains only %d data point(s)", len(rows))
	}

	angles := make([]float64, len(rows))
	for i, r := range rows {
		angles[i] = r.angle
	}
	scans, err := scan.Split(angles)
	if err != nil {
		return fail(0, "%v", err)
	}

	var im formats.Import
	rdt := im.Add(formats.Record{Type: domain.EntityRawDataType, Fields: domain.Fields{
		"name":         "measurement",
		"d_var_unit":   Unit,
		"ind_var_unit": "nm",
	}})
	links := map[domain.EdgeType][]string{domain.EdgeRawDataType: {rdt}}
	if sensor, ok := opts.String(OptSensorID); ok {
		inst := im.Add(formats.Record{Type: domain.EntityInstrument, Fields: domain.Fields{
			"sensor_id": sensor,
			"type":      Format,
		}})
		links[domain.EdgeInstrument] = []string{inst}
	}
	for n, s := range scans {
		part := rows[s.Start:s.End]
		fields := domain.Fields{
			"d_var":     column(part, func(r reading) float64 { return r.so2 }),
			"inc_angle": column(part, func(r reading) float64 { return r.angle }),
			"datetime":  times(part),
			"position":  positions(part),
			"unit":      Unit,
		}
		if hasBearing {
			fields["bearing"] = repeat(bearing, len(part))
		}
		ref := im.Add(formats.Record{
			Ref:     fmt.Sprintf("scan-%d", n),
			Type:    domain.EntityRawData,
			Fields:  fields,
			Links:   cloneLinks(links),
			Primary: true,
		})
		indices := make([]int64, len(part))
		for i := range indices {
			indices[i] = int64(i)
		}
		im.Add(formats.Record{
			Ref:  fmt.Sprintf("so2-%d", n),
			Type: domain.EntityConcentration,
			Fields: domain.Fields{
				"gas_species":     "SO2",
				"value":           fields["d_var"],
				"unit":            Unit,
				"datetime":        fields["datetime"],
				"rawdata_indices": indices,
			},
			Links: map[domain.EdgeType][]string{domain.EdgeDerivedFrom: {ref}},
		})
	}
	return im, nil
}

func parseLine(cols []string, shift time.Duration) (reading, error) {
	if len(cols) < columns {
		return reading{}, fmt.Errorf("expected %d columns, got %d", columns, len(cols))
	}
	var date [5]int
	for i := range date {
		v, err := strconv.Atoi(cols[colYear+i])
		if err != nil {
			return reading{}, fmt.Errorf("column %d: %w", colYear+i, err)
		}
		date[i] = v
	}
	nums := make(map[int]float64, 6)
	for _, c := range []int{colSecond, colLat, colLon, colElev, colSO2, colAngle} {
		var (
			v   float64
			err error
		)
		if c == colLat || c == colLon {
			v, err = decimalDegrees(cols[c])
		} else {
			v, err = strconv.ParseFloat(cols[c], 64)
		}
		if err != nil {
			return reading{}, fmt.Errorf("column %d: %w", c, err)
		}
		nums[c] = v
	}
	sec, frac := math.Modf(nums[colSecond])
	at := time.Date(date[0], time.Month(date[1]), date[2], date[3], date[4], int(sec),
		int(math.Round(frac*1e6))*int(time.Microsecond), time.UTC).Add(-shift)
	return reading{
		at:    at,
		lat:   nums[colLat] * hemisphere(cols[colLatHem], "s"),
		lon:   nums[colLon] * hemisphere(cols[colLonHem], "w"),
		elev:  nums[colElev],
		so2:   nums[colSO2],
		angle: nums[colAngle],
	}, nil
}

// decimalDegrees converts degrees and decimal minutes (ddmm.mmmm) to
// decimal degrees.
func decimalDegrees(s string) (float64, error) {
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		idx = len(s)
	}
	if idx < 2 {
		return 0, errors.New("malformed coordinate " + strconv.Quote(s))
	}
	minutes, err := strconv.ParseFloat(s[idx-2:], 64)
	if err != nil {
		return 0, err
	}
	deg := 0.0
	if idx > 2 {
		if deg, err = strconv.ParseFloat(s[:idx-2], 64); err != nil {
			return 0, err
		}
	}
	return deg + minutes/60, nil
}

func hemisphere(flag, negative string) float64 {
	if strings.EqualFold(flag, negative) {
		return -1
	}
	return 1
}

func column(rows []reading, f func(reading) float64) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = f(r)
	}
	return out
}

func times(rows []reading) []time.Time {
	out := make([]time.Time, len(rows))
	for i, r := range rows {
		out[i] = r.at
	}
	return out
}

func positions(rows []reading) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = []float64{r.lon, r.lat, r.elev}
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func cloneLinks(in map[domain.EdgeType][]string) map[domain.EdgeType][]string {
	out := make(map[domain.EdgeType][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
