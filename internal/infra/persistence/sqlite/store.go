// Package sqlite provides the relational storage driver on a single SQLite
// file using the pure Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"spectroscopy/internal/entitymodel/sqlbundle"
	"spectroscopy/internal/infra/persistence"
	"spectroscopy/internal/infra/persistence/sqlstore"
	"spectroscopy/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Dialect is the SQLite flavour of the relational store.
var Dialect = sqlstore.Dialect{Name: "sqlite", DDL: sqlbundle.SQLite()}

// Open opens or creates the database file. Writers hold an exclusive lock on
// a sibling .lock file for the lifetime of the handle; readers open the file
// with query_only set.
func Open(ctx context.Context, opts persistence.Options) (*sqlstore.Store, error) {
	opts = opts.WithDefaults()
	if _, err := os.Stat(opts.Path); err != nil {
		if !errors.Is(err, os.ErrNotExist) || !opts.Mode.Creates() {
			return nil, persistence.Unavailable(Dialect.Name, opts.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, persistence.Unavailable(Dialect.Name, opts.Path, fmt.Errorf("create dirs: %w", err))
		}
	}
	var release func() error
	if opts.Mode.Writable() {
		var err error
		if release, err = persistence.LockFile(ctx, opts.Path, opts.LockTimeout); err != nil {
			if errors.Is(err, os.ErrPermission) {
				return nil, &domain.PermissionDeniedError{Op: "lock", Path: opts.Path, Err: err}
			}
			return nil, persistence.Unavailable(Dialect.Name, opts.Path, err)
		}
	}
	fail := func(err error) (*sqlstore.Store, error) {
		if release != nil {
			_ = release()
		}
		return nil, persistence.Unavailable(Dialect.Name, opts.Path, err)
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return fail(fmt.Errorf("open sqlite: %w", err))
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return fail(err)
	}
	s := sqlstore.New(db, Dialect, opts, release)
	if !opts.Mode.Writable() {
		if _, err := db.ExecContext(ctx, `PRAGMA query_only = ON`); err != nil {
			_ = db.Close()
			return fail(err)
		}
		return s, nil
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return fail(err)
	}
	return s, nil
}
