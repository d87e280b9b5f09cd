package scan

import (
	"errors"
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		name   string
		angles []float64
		want   []Range
	}{
		{"empty", nil, nil},
		{"single", []float64{10}, []Range{{0, 1}}},
		{"monotonic", []float64{10, 20, 30, 40}, []Range{{0, 4}}},
		{"there and back", []float64{10, 20, 30, 40, 30, 20, 10}, []Range{{0, 4}, {4, 7}}},
		{"three passes", []float64{0, 10, 20, 30, 20, 10, 0, 10, 20, 30}, []Range{{0, 4}, {4, 7}, {7, 10}}},
		{"pause mid scan", []float64{0, 10, 10, 20, 30}, []Range{{0, 5}}},
		{"short tail merged", []float64{0, 10, 20, 30, 40, 30}, []Range{{0, 6}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Split(tc.angles)
			if err != nil {
				t.Fatalf("split: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestSplitStalled(t *testing.T) {
	_, err := Split([]float64{1, 2, 5, 5, 5, 6})
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("expected ErrStalled, got %v", err)
	}
}

func TestSplitCoversEverySample(t *testing.T) {
	angles := []float64{5, 15, 25, 35, 45, 35, 25, 15, 5, 15, 25, 20}
	scans, err := Split(angles)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	next := 0
	for _, s := range scans {
		if s.Start != next || s.Len() < MinLength {
			t.Fatalf("bad range %v in %v", s, scans)
		}
		next = s.End
	}
	if next != len(angles) {
		t.Fatalf("ranges end at %d, want %d", next, len(angles))
	}
}

func TestGradient(t *testing.T) {
	got := Gradient([]float64{1, 2, 4, 7})
	want := []float64{1, 1.5, 2.5, 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
