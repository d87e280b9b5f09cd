package sqlstore

import (
	"testing"
	"time"
)

func TestDollarPlaceholders(t *testing.T) {
	got := DollarPlaceholders(`SELECT a FROM t WHERE b = ? AND c > ? LIMIT ?`)
	want := `SELECT a FROM t WHERE b = $1 AND c > $2 LIMIT $3`
	if got != want {
		t.Fatalf("want %q got %q", want, got)
	}
}

func TestTimeText(t *testing.T) {
	if formatTime(time.Time{}) != "" {
		t.Fatal("zero time should format empty")
	}
	if v, err := parseTime(""); err != nil || !v.IsZero() {
		t.Fatalf("empty text should parse to zero, got %v (%v)", v, err)
	}
	in := time.Date(2009, 1, 16, 12, 0, 0, 123456789, time.FixedZone("CET", 3600))
	out, err := parseTime(formatTime(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !out.Equal(in) || out.Location() != time.UTC {
		t.Fatalf("round trip: %v", out)
	}
	if _, err := parseTime("yesterday"); err == nil {
		t.Fatal("expected parse failure")
	}
}
