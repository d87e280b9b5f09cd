package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"spectroscopy/internal/core"
	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
)

var epoch = time.Date(2017, 6, 14, 0, 0, 0, 0, time.UTC)

// steppingClock advances one second per reading.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newClock() *steppingClock { return &steppingClock{now: epoch} }

// flyspecFixture builds a FLYSPEC log sweeping the given angles.
func flyspecFixture(angles ...float64) []byte {
	var b strings.Builder
	for i, a := range angles {
		fmt.Fprintf(&b, "%d 2017 06 14 01 %02d %06.3f 0 3906.4710 S 17540.3800 E 1505.0 0 0 0 %.2f %.1f 0 0 0\n",
			i, i/60, float64(i%60)+0.5, 100+float64(i), a)
	}
	return []byte(b.String())
}

func memoryPath(t *testing.T) string {
	return "memory:" + t.Name()
}

func openDataset(t *testing.T, path string, mode domain.Mode, opts ...Option) *Dataset {
	t.Helper()
	opts = append([]Option{WithClock(newClock()), WithLockTimeout(50 * time.Millisecond)}, opts...)
	d, err := Open(context.Background(), path, mode, opts...)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	return d
}

func mustNew(t *testing.T, d *Dataset, et domain.EntityType, fields domain.Fields) string {
	t.Helper()
	id, err := d.NewElement(context.Background(), et, fields)
	if err != nil {
		t.Fatalf("new %s: %v", et, err)
	}
	return id
}

func importFlyspec(t *testing.T, d *Dataset, angles ...float64) []string {
	t.Helper()
	ids, err := d.ReadSource(context.Background(), formats.Source{Path: "flyspec_2017.txt", Data: flyspecFixture(angles...)}, "FLYSPEC", nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return ids
}

func filePaths(t *testing.T) map[string]string {
	dir := t.TempDir()
	return map[string]string{
		"sqlite":  filepath.Join(dir, "store.db"),
		"bolt":    filepath.Join(dir, "store.h5"),
		"leveldb": filepath.Join(dir, "store.ldb"),
		"xml":     filepath.Join(dir, "store.xml"),
		"memory":  memoryPath(t),
	}
}

func hasEdge(edges []domain.Edge, edge domain.EdgeType, target string) bool {
	for _, e := range edges {
		if e.Type == edge && e.Target == target {
			return true
		}
	}
	return false
}

var _ core.Clock = (*steppingClock)(nil)
