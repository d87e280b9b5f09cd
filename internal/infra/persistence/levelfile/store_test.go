package levelfile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"spectroscopy/internal/infra/persistence"
	"spectroscopy/internal/infra/persistence/drivertest"
	"spectroscopy/pkg/domain"
)

func open(path string, mode domain.Mode) (domain.Driver, error) {
	return Open(context.Background(), persistence.Options{Path: path, Mode: mode, LockTimeout: 50 * time.Millisecond})
}

func TestDriverSuite(t *testing.T) {
	drivertest.Run(t, drivertest.Factory{
		NewPath: func(t *testing.T) string { return filepath.Join(t.TempDir(), "store.ldb") },
		Open: func(_ *testing.T, path string, mode domain.Mode) (domain.Driver, error) {
			return open(path, mode)
		},
	})
}

func TestSecondWriterTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.ldb")
	first, err := open(path, domain.ModeWrite)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	start := time.Now()
	_, err = open(path, domain.ModeReadWrite)
	if !errors.Is(err, domain.ErrStorageUnavailable) || !errors.Is(err, persistence.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("expected the open to wait for the lock timeout")
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := open(path, domain.ModeReadWrite)
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	_ = second.Close()
}
