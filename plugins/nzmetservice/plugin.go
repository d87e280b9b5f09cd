// Package nzmetservice reads the MetService wind forecasts issued for the
// New Zealand volcanoes. Each file holds one weather model; the model of
// the day named in the header is preferred unless the preferred_model
// option says otherwise, and its file is looked up next to the source when
// the source holds another model.
package nzmetservice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
	"spectroscopy/plugins/flyspecwind"
)

// Format is the registry name.
const Format = "NZMETSERVICE"

// OptPreferredModel overrides the model of the day.
const OptPreferredModel = "preferred_model"

// Models lists the weather models MetService publishes files for.
var Models = []string{"ecmwf", "gfs", "ukmo"}

// Site is a forecast location.
type Site struct {
	Name     string
	Lon, Lat float64
}

// Sites are the forecast blocks of a file, in file order.
var Sites = []Site{
	{"Auckland", 174.735, -36.890},
	{"Haroharo", 176.466, -38.147},
	{"Mayor Island", 176.256, -37.287},
	{"Ngauruhoe", 175.632, -39.157},
	{"Ruapehu", 175.564, -39.281},
	{"Taranaki", 174.064, -39.297},
	{"Tarawera", 176.506, -38.227},
	{"Taupo", 175.978, -38.809},
	{"Tongariro", 175.673, -39.108},
	{"White Island", 177.183, -37.521},
}

const (
	headerLines = 6
	blockLines  = 12
	// Forecast steps are six hours apart.
	step  = 6 * time.Hour
	knots = 0.514444
	calm  = 0.0001
)

const description = "Wind measurements and forecasts by NZ MetService for selected sites."

var (
	issuedRe      = regexp.MustCompile(`(\d{2}:\d{2}\S{2}) (\d{2}-\d{2}-\d{4})`)
	modelOfDayRe  = regexp.MustCompile(`Model of the day is (\S+)`)
	dataForRe     = regexp.MustCompile(`^Data for model (\S+)`)
	unavailableRe = regexp.MustCompile(`^Data for model \S+ is unavailable\.`)
)

var auckland = mustLocation("Pacific/Auckland")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Plugin implements formats.Plugin.
type Plugin struct{}

// New constructs the reader.
func New() Plugin { return Plugin{} }

// Format returns the registry name.
func (Plugin) Format() string { return Format }

type reading struct {
	at                  time.Time
	lon, lat, height    float64
	direction, speedMPS float64
}

// forecast is one parsed file. readings is nil when the model has no data.
type forecast struct {
	modelOfDay string
	model      string
	readings   []reading
}

// Read returns the Method named after the chosen model and the GasFlow of
// its forecasts.
func (Plugin) Read(ctx context.Context, src formats.Source, opts formats.Options) (formats.Import, error) {
	data, err := src.Load()
	if err != nil {
		return formats.Import{}, formats.Errorf(Format, src.Path, 0, "%v", err)
	}
	fc, err := parse(ctx, src.Path, data)
	if err != nil {
		return formats.Import{}, err
	}
	preferred := fc.modelOfDay
	if m, ok := opts.String(OptPreferredModel); ok {
		preferred = strings.ToLower(m)
		if !slices.Contains(Models, preferred) {
			return formats.Import{}, formats.Errorf(Format, src.Path, 0, "unknown model %q, want one of %v", m, Models)
		}
	}
	readings := fc.readings
	if fc.model != preferred {
		readings = nil
		if sibling := siblingPath(src.Path, fc.model, preferred); sibling != "" {
			other, err := os.ReadFile(sibling)
			switch {
			case errors.Is(err, fs.ErrNotExist):
			case err != nil:
				return formats.Import{}, formats.Errorf(Format, sibling, 0, "%v", err)
			default:
				ofc, err := parse(ctx, sibling, other)
				if err != nil {
					return formats.Import{}, err
				}
				if ofc.model == preferred {
					readings = ofc.readings
				}
			}
		}
	}
	if readings == nil {
		return formats.Import{}, formats.Errorf(Format, src.Path, 0, "data for preferred model %s is unavailable", preferred)
	}

	n := len(readings)
	vx, vy, vz := make([]float64, n), make([]float64, n), make([]float64, n)
	position := make([][]float64, n)
	stamps := make([]time.Time, n)
	for i, r := range readings {
		speed := r.speedMPS
		if speed == 0 {
			speed = calm
		}
		vx[i], vy[i] = flyspecwind.BearingToVector(r.direction, speed)
		vz[i] = math.NaN()
		position[i] = []float64{r.lon, r.lat, r.height}
		stamps[i] = r.at
	}
	var im formats.Import
	method := im.Add(formats.Record{Type: domain.EntityMethod, Fields: domain.Fields{
		"name":        preferred,
		"description": "MetService " + preferred + " forecast read from " + Format,
	}})
	im.Add(formats.Record{
		Ref:  "wind",
		Type: domain.EntityGasFlow,
		Fields: domain.Fields{
			"vx":         vx,
			"vy":         vy,
			"vz":         vz,
			"position":   position,
			"datetime":   stamps,
			"unit":       "m/s",
			"user_notes": description,
		},
		Links:   map[domain.EdgeType][]string{domain.EdgeMethod: {method}},
		Primary: true,
	})
	return im, nil
}

func parse(ctx context.Context, path string, data []byte) (forecast, error) {
	fail := func(line int, msg string, args ...any) (forecast, error) {
		return forecast{}, formats.Errorf(Format, path, line, msg, args...)
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) < headerLines {
		return fail(0, "expected a %d line header", headerLines)
	}
	m := issuedRe.FindStringSubmatch(lines[0])
	if m == nil {
		return fail(1, "unexpected issue line %q", lines[0])
	}
	issued, err := time.Parse("02-01-2006 03:04PM", m[2]+" "+strings.ToUpper(m[1]))
	if err != nil {
		return fail(1, "issue time: %v", err)
	}
	m = modelOfDayRe.FindStringSubmatch(lines[3])
	if m == nil {
		return fail(4, "unexpected model of the day line %q", lines[3])
	}
	fc := forecast{modelOfDay: strings.ToLower(m[1])}
	m = dataForRe.FindStringSubmatch(lines[5])
	if m == nil {
		return fail(6, "unexpected model line %q", lines[5])
	}
	fc.model = strings.ToLower(strings.TrimSuffix(m[1], "."))
	if unavailableRe.MatchString(lines[5]) {
		return fc, nil
	}

	var readings []reading
	for i, site := range Sites {
		if err := ctx.Err(); err != nil {
			return forecast{}, err
		}
		first := headerLines + i*blockLines
		if first+blockLines > len(lines) {
			return fail(first+1, "expected data for %s but the file ended", site.Name)
		}
		block := lines[first : first+blockLines]
		if !startsWithSite(block[0], site.Name) {
			return fail(first+1, "expected data for %s but got %q", site.Name, strings.TrimSpace(block[0]))
		}
		got, ok, err := parseSite(path, site, issued, block, first)
		if err != nil {
			return forecast{}, err
		}
		if !ok {
			return fc, nil
		}
		readings = append(readings, got...)
	}
	if len(readings) == 0 {
		return fc, nil
	}
	fc.readings = readings
	return fc, nil
}

// parseSite reads one site block: a time row then one row per height of
// "direction/speed" pairs in degrees and knots, "-" marking a gap. ok is
// false when the block has no forecast times.
func parseSite(path string, site Site, issued time.Time, block []string, offset int) ([]reading, bool, error) {
	fail := func(line int, msg string, args ...any) ([]reading, bool, error) {
		return nil, false, formats.Errorf(Format, path, line, msg, args...)
	}
	stamps := strings.Fields(block[2])
	if len(stamps) == 0 {
		return nil, false, nil
	}
	start, err := time.ParseInLocation("200601021504", fmt.Sprintf("%04d%02d%s", issued.Year(), int(issued.Month()), stamps[0]), auckland)
	if err != nil {
		return fail(offset+3, "forecast start: %w", err)
	}
	times := make([]time.Time, len(stamps))
	for i := range times {
		times[i] = start.Add(time.Duration(i) * step).UTC()
	}
	var out []reading
	for j, row := range block[3 : blockLines-1] {
		line := offset + 4 + j
		cols := strings.Fields(row)
		if len(cols) == 0 {
			continue
		}
		height, err := strconv.ParseFloat(cols[0], 64)
		if err != nil {
			return fail(line, "height: %w", err)
		}
		for k, cell := range cols[1:] {
			if cell == "-" {
				continue
			}
			if k >= len(times) {
				return fail(line, "%d values for %d forecast times", len(cols)-1, len(times))
			}
			dir, speed, ok := strings.Cut(cell, "/")
			if !ok {
				return fail(line, "expected direction/speed, got %q", cell)
			}
			d, err := strconv.ParseFloat(dir, 64)
			if err != nil {
				return fail(line, "direction: %w", err)
			}
			s, err := strconv.ParseFloat(speed, 64)
			if err != nil {
				return fail(line, "speed: %w", err)
			}
			out = append(out, reading{
				at: times[k], lon: site.Lon, lat: site.Lat, height: height,
				direction: d, speedMPS: s * knots,
			})
		}
	}
	return out, true, nil
}

func startsWithSite(line, name string) bool {
	rest, ok := strings.CutPrefix(line, name)
	return ok && rest != "" && (rest[0] == ' ' || rest[0] == '\t')
}

// siblingPath swaps the model segment of an underscore separated file name,
// returning "" when path names no model.
func siblingPath(path, from, to string) string {
	if path == "" || from == "" || to == "" {
		return ""
	}
	dir, base := filepath.Split(path)
	parts := strings.Split(base, "_")
	for i, p := range parts {
		stem, ext, _ := strings.Cut(p, ".")
		if strings.EqualFold(stem, from) {
			if ext != "" {
				ext = "." + ext
			}
			parts[i] = to + ext
			return filepath.Join(dir, strings.Join(parts, "_"))
		}
	}
	return ""
}
