package flyspecflux

import (
	"context"
	"errors"
	"testing"
	"time"

	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
)

const fluxFile = `2017-06-14 01:02:03.000250   1234.5
2017-06-14 01:12:03.000000   -0.75

2017-06-14 01:22:03   980.25
`

func TestReadFlux(t *testing.T) {
	opts := formats.Options{"timeshift": "12", OptDerivedFrom: "raw-1, raw-2", OptTarget: "tgt-1"}
	im, err := New().Read(context.Background(), formats.Source{Path: "flux.txt", Data: []byte(fluxFile)}, opts)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(im.Records) != 2 || im.Records[0].Type != domain.EntityMethod || im.Records[0].Fields["name"] != DefaultMethod {
		t.Fatalf("records %+v", im.Records)
	}
	flux := im.Primary()[0]
	if flux.Type != domain.EntityGasFlux || flux.Links[domain.EdgeMethod][0] != im.Records[0].Ref {
		t.Fatalf("flux %+v", flux)
	}
	if got := flux.Links[domain.EdgeDerivedFrom]; len(got) != 2 || got[1] != "raw-2" {
		t.Fatalf("derivedFrom %v", got)
	}
	if got := flux.Links[domain.EdgeTarget]; len(got) != 1 || got[0] != "tgt-1" {
		t.Fatalf("target %v", got)
	}
	values := flux.Fields["value"].([]float64)
	if len(values) != 3 || values[0] != 1234.5 || values[1] != -0.75 {
		t.Fatalf("values %v", values)
	}
	if flux.Fields["unit"] != DefaultUnit {
		t.Fatalf("unit %v", flux.Fields["unit"])
	}
	stamps := flux.Fields["datetime"].([]time.Time)
	want := time.Date(2017, 6, 13, 13, 2, 3, 250_000_000, time.UTC)
	if !stamps[0].Equal(want) {
		t.Fatalf("datetime %v, want %v", stamps[0], want)
	}
	if !stamps[2].Equal(time.Date(2017, 6, 13, 13, 22, 3, 0, time.UTC)) {
		t.Fatalf("datetime without fraction %v", stamps[2])
	}
}

func TestReadFluxUnitOption(t *testing.T) {
	im, err := New().Read(context.Background(), formats.Source{Data: []byte(fluxFile)}, formats.Options{OptUnit: "kg/s"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	flux := im.Primary()[0]
	if flux.Fields["unit"] != "kg/s" {
		t.Fatalf("unit %v", flux.Fields["unit"])
	}
	if _, ok := flux.Links[domain.EdgeDerivedFrom]; ok {
		t.Fatalf("unexpected derivedFrom %v", flux.Links)
	}
}

func TestReadFluxErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
		opts formats.Options
	}{
		{"empty", "", nil},
		{"comments only", "# nothing\n", nil},
		{"no flux", "2017-06-14 01:02:03\n", nil},
		{"integer flux", "2017-06-14 01:02:03 12\n", nil},
		{"timestamp", "14/06/2017 01:02 12.5\n", nil},
		{"timeshift", fluxFile, formats.Options{"timeshift": "noon"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New().Read(context.Background(), formats.Source{Path: "f.txt", Data: []byte(tc.data)}, tc.opts)
			if !errors.Is(err, domain.ErrParse) {
				t.Fatalf("expected parse error, got %v", err)
			}
		})
	}
}
