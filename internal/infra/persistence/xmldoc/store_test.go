package xmldoc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spectroscopy/internal/infra/persistence"
	"spectroscopy/internal/infra/persistence/drivertest"
	"spectroscopy/pkg/domain"
)

func open(path string, mode domain.Mode) (*Store, error) {
	return Open(context.Background(), persistence.Options{Path: path, Mode: mode, LockTimeout: 50 * time.Millisecond})
}

func TestDriverSuite(t *testing.T) {
	drivertest.Run(t, drivertest.Factory{
		NewPath: func(t *testing.T) string { return filepath.Join(t.TempDir(), "out", "dataset.xml") },
		Open: func(_ *testing.T, path string, mode domain.Mode) (domain.Driver, error) {
			return open(path, mode)
		},
	})
}

func TestDocumentIsReadableXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.xml")
	s, err := open(path, domain.ModeWrite)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = s.Close() }()
	e := drivertest.Entity(t, domain.EntityTarget, domain.Fields{
		"name":     "Masaya <crater>",
		"position": []float64{-86.16, 11.98, 635},
	})
	if _, err := s.WriteEntity(context.Background(), e); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	doc := string(raw)
	for _, want := range []string{
		`<?xml version="1.0"`,
		`type="Target"`,
		`<field name="name" kind="string">Masaya &lt;crater&gt;</field>`,
		`<field name="position" kind="floats">-86.16 11.98 635</field>`,
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestCorruptDocumentIsUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.xml")
	if err := os.WriteFile(path, []byte("<spectroscopy><entity"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := open(path, domain.ModeRead); err == nil {
		t.Fatal("expected decode failure")
	}
}
