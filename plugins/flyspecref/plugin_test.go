package flyspecref

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"

	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
)

func spectra(n int) []byte {
	buf := make([]byte, 0, n*SamplesPerSpectrum*4)
	for s := 0; s < n; s++ {
		for i := 0; i < SamplesPerSpectrum; i++ {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(s*10000+i)+0.25))
		}
	}
	return buf
}

func TestReadDecodesSpectra(t *testing.T) {
	opts := formats.Options{OptWavelengths: "2048", OptType: "dark"}
	im, err := New().Read(context.Background(), formats.Source{Path: "dark.bin", Data: spectra(2)}, opts)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(im.Records) != 2 {
		t.Fatalf("records %+v", im.Records)
	}
	if im.Records[0].Fields["name"] != "dark" {
		t.Fatalf("raw data type %+v", im.Records[0])
	}
	raw := im.Primary()[0]
	m := raw.Fields["d_var"].([][]float64)
	if len(m) != 2 || len(m[1]) != SamplesPerSpectrum || m[1][3] != 10003.25 {
		t.Fatalf("matrix %d rows, m[1][3]=%v", len(m), m[1][3])
	}
	if _, ok := raw.Fields["ind_var"]; ok {
		t.Fatal("ind_var set from a count")
	}
}

func TestReadWithWavelengthList(t *testing.T) {
	wl := make([]string, SamplesPerSpectrum)
	for i := range wl {
		wl[i] = strconv.FormatFloat(280+float64(i)*0.1, 'f', 1, 64)
	}
	opts := formats.Options{OptWavelengths: strings.Join(wl, ","), OptType: "clear"}
	im, err := New().Read(context.Background(), formats.Source{Data: spectra(1)}, opts)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ind := im.Primary()[0].Fields["ind_var"].([]float64)
	if len(ind) != SamplesPerSpectrum || ind[0] != 280 {
		t.Fatalf("ind_var %v", ind[:3])
	}
}

func TestReadErrors(t *testing.T) {
	good := formats.Options{OptWavelengths: "2048", OptType: "dark"}
	cases := []struct {
		name string
		data []byte
		opts formats.Options
	}{
		{"missing options", spectra(1), formats.Options{OptType: "dark"}},
		{"wrong count", spectra(1), formats.Options{OptWavelengths: "1024", OptType: "dark"}},
		{"short list", spectra(1), formats.Options{OptWavelengths: "1,2,3", OptType: "dark"}},
		{"truncated", spectra(1)[:100], good},
		{"empty", []byte{}, good},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New().Read(context.Background(), formats.Source{Path: "ref.bin", Data: tc.data}, tc.opts)
			if !errors.Is(err, domain.ErrParse) {
				t.Fatalf("expected parse error, got %v", err)
			}
		})
	}
}
