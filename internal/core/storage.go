package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"spectroscopy/internal/infra/persistence"
	"spectroscopy/internal/infra/persistence/boltfile"
	"spectroscopy/internal/infra/persistence/levelfile"
	"spectroscopy/internal/infra/persistence/memory"
	"spectroscopy/internal/infra/persistence/postgres"
	"spectroscopy/internal/infra/persistence/sqlite"
	"spectroscopy/internal/infra/persistence/xmldoc"
	"spectroscopy/pkg/domain"
)

// StorageDriver identifies a concrete storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-process only (tests / scratch)
	StorageBolt     StorageDriver = "bolt"     // hierarchical single file
	StorageLevelDB  StorageDriver = "leveldb"  // LSM directory
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageXML      StorageDriver = "xml"      // XML document
)

// StorageDrivers lists the selectable drivers.
func StorageDrivers() []StorageDriver {
	return []StorageDriver{StorageMemory, StorageBolt, StorageLevelDB, StorageSQLite, StoragePostgres, StorageXML}
}

// ParseStorageDriver accepts driver names and their common aliases.
func ParseStorageDriver(name string) (StorageDriver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "memory", "mem":
		return StorageMemory, nil
	case "bolt", "boltdb", "hdf5", "h5":
		return StorageBolt, nil
	case "leveldb", "level", "ldb":
		return StorageLevelDB, nil
	case "sqlite", "sqlite3":
		return StorageSQLite, nil
	case "postgres", "postgresql", "pg":
		return StoragePostgres, nil
	case "xml":
		return StorageXML, nil
	}
	return "", fmt.Errorf("unknown storage driver %q", name)
}

// StorageConfig selects and tunes the driver behind a dataset. An empty
// Driver is inferred from the store path.
type StorageConfig struct {
	Driver      StorageDriver
	LockTimeout time.Duration
	Schema      *domain.Schema
	// PostgresDSN is used when Driver is postgres and the path is not a DSN.
	PostgresDSN string
}

// InferStorageDriver picks a driver from the shape of path.
func InferStorageDriver(path string) (StorageDriver, error) {
	if strings.HasPrefix(path, memory.Prefix) {
		return StorageMemory, nil
	}
	if postgres.IsDSN(path) {
		return StoragePostgres, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return StorageSQLite, nil
	case ".h5", ".hdf5", ".bolt":
		return StorageBolt, nil
	case ".ldb", ".leveldb":
		return StorageLevelDB, nil
	case ".xml":
		return StorageXML, nil
	}
	return "", &domain.StorageUnavailableError{Driver: "unknown", Path: path, Err: fmt.Errorf("cannot infer a storage driver from %q", path)}
}

// OpenDriver creates or opens the store at path in the given mode.
func OpenDriver(ctx context.Context, cfg StorageConfig, path string, mode domain.Mode) (domain.Driver, error) {
	driver := cfg.Driver
	if driver == "" {
		var err error
		if driver, err = InferStorageDriver(path); err != nil {
			return nil, err
		}
	}
	opts := persistence.Options{Path: path, Mode: mode, Schema: cfg.Schema, LockTimeout: cfg.LockTimeout}
	switch driver {
	case StorageMemory:
		return opened(memory.Open(ctx, opts))
	case StorageBolt:
		return opened(boltfile.Open(ctx, opts))
	case StorageLevelDB:
		return opened(levelfile.Open(ctx, opts))
	case StorageSQLite:
		return opened(sqlite.Open(ctx, opts))
	case StoragePostgres:
		if !postgres.IsDSN(opts.Path) {
			opts.Path = cfg.PostgresDSN
		}
		return opened(postgres.Open(ctx, opts))
	case StorageXML:
		return opened(xmldoc.Open(ctx, opts))
	default:
		return nil, &domain.StorageUnavailableError{Driver: string(driver), Path: path, Err: fmt.Errorf("unknown storage driver %s", driver)}
	}
}

// opened drops the typed nil a failed open returns.
func opened(d domain.Driver, err error) (domain.Driver, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}
