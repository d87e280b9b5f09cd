package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"spectroscopy/internal/infra/persistence"
	"spectroscopy/internal/infra/persistence/drivertest"
	"spectroscopy/pkg/domain"
)

var seq atomic.Int64

func TestDriverSuite(t *testing.T) {
	t.Cleanup(Reset)
	drivertest.Run(t, drivertest.Factory{
		NewPath: func(*testing.T) string { return fmt.Sprintf("%ssuite-%d", Prefix, seq.Add(1)) },
		Open: func(_ *testing.T, path string, mode domain.Mode) (domain.Driver, error) {
			return Open(context.Background(), persistence.Options{Path: path, Mode: mode, LockTimeout: 50 * time.Millisecond})
		},
	})
}

func TestWriterSlotReleasedOnClose(t *testing.T) {
	t.Cleanup(Reset)
	ctx := context.Background()
	opts := persistence.Options{Path: Prefix + "slot", Mode: domain.ModeWrite, LockTimeout: 20 * time.Millisecond}
	first, err := Open(ctx, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	reader, err := Open(ctx, persistence.Options{Path: opts.Path, Mode: domain.ModeRead})
	if err != nil {
		t.Fatalf("reader should not wait for the writer: %v", err)
	}
	defer func() { _ = reader.Close() }()
	if _, err := Open(ctx, opts); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	done := make(chan error, 1)
	go func() {
		second, err := Open(ctx, persistence.Options{Path: opts.Path, Mode: domain.ModeReadWrite, LockTimeout: time.Second})
		if err == nil {
			err = second.Close()
		}
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("waiting writer: %v", err)
	}
}

func TestResetDropsStores(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, persistence.Options{Path: Prefix + "reset", Mode: domain.ModeWrite})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()
	Reset()
	if _, err := Open(ctx, persistence.Options{Path: Prefix + "reset", Mode: domain.ModeRead}); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected reset store to be gone, got %v", err)
	}
	if s.Path() != Prefix+"reset" || s.Name() != "memory" {
		t.Fatalf("unexpected identity %s %s", s.Name(), s.Path())
	}
}
