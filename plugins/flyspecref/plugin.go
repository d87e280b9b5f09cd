// Package flyspecref reads FlySpec reference spectra: a sequence of
// little-endian float32 spectra with a fixed number of samples each.
package flyspecref

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
)

// Format is the registry name.
const Format = "FLYSPECREF"

// SamplesPerSpectrum is the spectrometer pixel count.
const SamplesPerSpectrum = 2048

// Required options. OptWavelengths is either the sample count or a comma
// separated list of wavelengths in nm; OptType names the measurement
// (e.g. dark, clear-sky).
const (
	OptWavelengths = "wavelengths"
	OptType        = "type"
)

// Plugin implements formats.Plugin.
type Plugin struct{}

// New constructs the reader.
func New() Plugin { return Plugin{} }

// Format returns the registry name.
func (Plugin) Format() string { return Format }

// Read decodes every spectrum in src into a single RawData matrix.
func (Plugin) Read(_ context.Context, src formats.Source, opts formats.Options) (formats.Import, error) {
	fail := func(msg string, args ...any) (formats.Import, error) {
		return formats.Import{}, formats.Errorf(Format, src.Path, 0, msg, args...)
	}
	rawWavelengths, okW := opts.String(OptWavelengths)
	mtype, okT := opts.String(OptType)
	if !okW || !okT {
		return fail("options %q and %q are required", OptWavelengths, OptType)
	}
	wavelengths, err := parseWavelengths(rawWavelengths)
	if err != nil {
		return fail("%v", err)
	}
	data, err := src.Load()
	if err != nil {
		return fail("%v", err)
	}
	spectra, err := decode(data)
	if err != nil {
		return fail("%v", err)
	}

	var im formats.Import
	rdt := im.Add(formats.Record{Type: domain.EntityRawDataType, Fields: domain.Fields{
		"name":         mtype,
		"d_var_unit":   "ppm m",
		"ind_var_unit": "nm",
	}})
	fields := domain.Fields{"d_var": spectra}
	if wavelengths != nil {
		fields["ind_var"] = wavelengths
	}
	im.Add(formats.Record{
		Ref:     "spectra",
		Type:    domain.EntityRawData,
		Fields:  fields,
		Links:   map[domain.EdgeType][]string{domain.EdgeRawDataType: {rdt}},
		Primary: true,
	})
	return im, nil
}

func parseWavelengths(s string) ([]float64, error) {
	if !strings.Contains(s, ",") {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("wavelengths: %w", err)
		}
		if n != SamplesPerSpectrum {
			return nil, fmt.Errorf("spectra have %d samples, wavelengths give %d", SamplesPerSpectrum, n)
		}
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != SamplesPerSpectrum {
		return nil, fmt.Errorf("spectra have %d samples, wavelengths give %d", SamplesPerSpectrum, len(parts))
	}
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("wavelength %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func decode(data []byte) ([][]float64, error) {
	const size = SamplesPerSpectrum * 4
	if len(data) == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("length %d is not a multiple of %d", len(data), size)
	}
	out := make([][]float64, 0, len(data)/size)
	for off := 0; off < len(data); off += size {
		row := make([]float64, SamplesPerSpectrum)
		for i := range row {
			row[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off+i*4:])))
		}
		out = append(out, row)
	}
	return out, nil
}
