package flyspecwind

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
)

const windFile = `# date direction speed
2017-06-14T06:00:00 255 10.88
2017-06-14T06:10:00 250 0
`

func TestReadWind(t *testing.T) {
	opts := formats.Options{"timeshift": "13", OptPosition: "175.673,-39.108,0"}
	im, err := New().Read(context.Background(), formats.Source{Path: "2017_06_14.txt", Data: []byte(windFile)}, opts)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(im.Records) != 2 || im.Records[0].Type != domain.EntityMethod || im.Records[0].Fields["name"] != DefaultMethod {
		t.Fatalf("records %+v", im.Records)
	}
	flow := im.Primary()[0]
	if flow.Type != domain.EntityGasFlow || flow.Links[domain.EdgeMethod][0] != im.Records[0].Ref {
		t.Fatalf("flow %+v", flow)
	}
	vx := flow.Fields["vx"].([]float64)
	vy := flow.Fields["vy"].([]float64)
	if v := math.Hypot(vx[0], vy[0]); math.Abs(v-10.88) > 1e-9 {
		t.Fatalf("speed %v", v)
	}
	if b := VectorToBearing(vx[0], vy[0]); math.Abs(b-255) > 1e-6 {
		t.Fatalf("bearing %v", b)
	}
	if b := VectorToBearing(vx[1], vy[1]); math.Abs(b-250) > 1e-6 {
		t.Fatalf("calm bearing lost: %v", b)
	}
	at := flow.Fields["datetime"].([]time.Time)[0]
	if !at.Equal(time.Date(2017, 6, 13, 17, 0, 0, 0, time.UTC)) {
		t.Fatalf("datetime %v", at)
	}
	pos := flow.Fields["position"].([][]float64)
	if len(pos) != 2 || pos[1][1] != -39.108 {
		t.Fatalf("position %v", pos)
	}
}

func TestBearingToVector(t *testing.T) {
	x, y := BearingToVector(90, 1)
	if math.Abs(x-1) > 1e-12 || math.Abs(y) > 1e-12 {
		t.Fatalf("90: %v %v", x, y)
	}
	x, y = BearingToVector(30, 3)
	if math.Abs(x-1.5) > 1e-9 || math.Abs(y-2.59807621) > 1e-8 {
		t.Fatalf("30: %v %v", x, y)
	}
}

func TestReadErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
		opts formats.Options
	}{
		{"empty", "", nil},
		{"columns", "2017-06-14T06:00:00 255\n", nil},
		{"timestamp", "14/06/2017 255 10\n", nil},
		{"direction", "2017-06-14T06:00:00 west 10\n", nil},
		{"speed", "2017-06-14T06:00:00 255 fast\n", nil},
		{"position", windFile, formats.Options{OptPosition: "1,2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New().Read(context.Background(), formats.Source{Path: "w.txt", Data: []byte(tc.data)}, tc.opts)
			if !errors.Is(err, domain.ErrParse) {
				t.Fatalf("expected parse error, got %v", err)
			}
		})
	}
}
