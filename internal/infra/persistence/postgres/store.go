// Package postgres provides the relational storage driver on a Postgres
// database. The DSN is the store path; a session advisory lock held on a
// dedicated connection makes the handle the single writer of that database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"spectroscopy/internal/entitymodel/sqlbundle"
	"spectroscopy/internal/infra/persistence"
	"spectroscopy/internal/infra/persistence/sqlstore"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const (
	defaultDriver = "pgx"
	// DefaultDSN is used when the store path is empty.
	DefaultDSN = "postgres://localhost/spectroscopy?sslmode=disable"
	// writerLockKey identifies the dataset writer among advisory locks.
	writerLockKey int64 = 0x5350454354524f
)

// Dialect is the Postgres flavour of the relational store.
var Dialect = sqlstore.Dialect{Name: "postgres", DDL: sqlbundle.Postgres(), Rebind: sqlstore.DollarPlaceholders}

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// IsDSN reports whether path addresses a Postgres server.
func IsDSN(path string) bool {
	return strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://")
}

// Redact hides the password of a DSN for logs and errors.
func Redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	return u.Redacted()
}

// Open connects to the database addressed by opts.Path. Write mode applies
// the DDL, creating the store; other modes require it to exist.
func Open(ctx context.Context, opts persistence.Options) (*sqlstore.Store, error) {
	opts = opts.WithDefaults()
	dsn := opts.Path
	if dsn == "" {
		dsn = DefaultDSN
	}
	opts.Path = Redact(dsn)
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, persistence.Unavailable(Dialect.Name, opts.Path, fmt.Errorf("open postgres: %w", err))
	}
	fail := func(release func() error, err error) (*sqlstore.Store, error) {
		if release != nil {
			_ = release()
		}
		_ = db.Close()
		return nil, persistence.Unavailable(Dialect.Name, opts.Path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return fail(nil, fmt.Errorf("ping postgres: %w", err))
	}
	exists, err := storeExists(ctx, db)
	if err != nil {
		return fail(nil, err)
	}
	if !exists && !opts.Mode.Creates() {
		return fail(nil, errors.New("database holds no dataset store"))
	}
	var release func() error
	if opts.Mode.Writable() {
		if release, err = lockWriter(ctx, db, opts); err != nil {
			return fail(nil, err)
		}
	}
	s := sqlstore.New(db, Dialect, opts, release)
	if opts.Mode.Writable() {
		if err := s.Migrate(ctx); err != nil {
			return fail(release, err)
		}
	}
	return s, nil
}

func storeExists(ctx context.Context, db *sql.DB) (bool, error) {
	var ok bool
	if err := db.QueryRowContext(ctx, `SELECT to_regclass('metadata') IS NOT NULL`).Scan(&ok); err != nil {
		return false, fmt.Errorf("probe store tables: %w", err)
	}
	return ok, nil
}

// lockWriter takes the session advisory lock on a connection reserved for the
// lifetime of the handle.
func lockWriter(ctx context.Context, db *sql.DB, opts persistence.Options) (func() error, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve lock connection: %w", err)
	}
	err = persistence.Acquire(ctx, opts.LockTimeout, func() (bool, error) {
		var ok bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, writerLockKey).Scan(&ok); err != nil {
			return false, fmt.Errorf("advisory lock: %w", err)
		}
		if !ok {
			return true, errors.New("another writer holds the dataset")
		}
		return false, nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return func() error {
		var ok bool
		err := conn.QueryRowContext(context.Background(), `SELECT pg_advisory_unlock($1)`, writerLockKey).Scan(&ok)
		return errors.Join(err, conn.Close())
	}, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
