// Package dataset is the entry point for reading and writing measurement
// graphs. A Dataset wraps one store opened through a storage driver and
// validates every entity and edge against the schema before it is persisted.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"spectroscopy/internal/core"
	"spectroscopy/internal/infra/persistence"
	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
	"spectroscopy/plugins/builtin"
)

// Tool and ToolVersion are recorded in the metadata of created stores.
const (
	Tool        = "spectroscopy"
	ToolVersion = "1.2.0"
)

type state string

const (
	stateOpen   state = "open"
	stateClosed state = "closed"
)

// Dataset is a handle on an open store. Methods are safe for concurrent use;
// mutations are serialised.
type Dataset struct {
	mu       sync.Mutex
	state    state
	mode     domain.Mode
	path     string
	driver   domain.Driver
	schema   *domain.Schema
	obs      core.Observer
	formats  *formats.Registry
	archive  domain.SourceArchive
	engine   *core.RulesEngine
	tags     []string
	pedantic bool
	dirty    bool
}

// Open attaches to the store at path. Write mode creates a missing store,
// read-write requires an existing one and read never mutates.
func Open(ctx context.Context, path string, mode domain.Mode, opts ...Option) (*Dataset, error) {
	s := settings{storage: core.StorageConfig{LockTimeout: persistence.DefaultLockTimeout}}
	for _, opt := range opts {
		opt(&s)
	}
	if s.schema == nil {
		s.schema = domain.DefaultSchema()
	}
	if s.formats == nil {
		s.formats = builtin.Default()
	}
	if s.engine == nil {
		s.engine = core.NewDefaultRulesEngine()
	}
	s.storage.Schema = s.schema
	d := &Dataset{
		mode:     mode,
		path:     path,
		schema:   s.schema,
		obs:      s.observer.WithDefaults(),
		formats:  s.formats,
		archive:  s.archive,
		engine:   s.engine,
		tags:     dedupe(s.tags),
		pedantic: s.pedantic,
	}
	err := d.observe(ctx, "open", "", func(ctx context.Context) (string, error) {
		parsed, err := domain.ParseMode(string(mode))
		if err != nil {
			return path, err
		}
		d.mode = parsed
		driver, err := core.OpenDriver(ctx, s.storage, path, parsed)
		if err != nil {
			return path, err
		}
		if err := d.prepareMetadata(ctx, driver); err != nil {
			return path, errors.Join(err, driver.Close())
		}
		d.driver = driver
		d.state = stateOpen
		return path, nil
	})
	if err != nil {
		return nil, err
	}
	d.obs.Logger.Info("dataset opened", "path", path, "mode", string(d.mode), "driver", d.driver.Name())
	return d, nil
}

// prepareMetadata records the header of new stores and checks the schema
// version of existing ones.
func (d *Dataset) prepareMetadata(ctx context.Context, driver domain.Driver) error {
	meta, err := driver.Metadata(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if !d.mode.Writable() {
			return nil
		}
		now := d.now()
		return driver.WriteMetadata(ctx, domain.StoreMetadata{
			SchemaVersion: d.schema.Version,
			CreatedBy:     d.obs.User,
			CreatedAt:     now,
			ModifiedAt:    now,
			Tool:          Tool,
			ToolVersion:   ToolVersion,
			Driver:        driver.Name(),
			Tags:          slices.Clone(d.tags),
		})
	case err != nil:
		return err
	}
	if !d.mode.Writable() {
		return d.schema.CheckCompatible(meta.SchemaVersion)
	}
	meta, changed, err := d.schema.Migrate(meta)
	if err != nil {
		return err
	}
	for _, tag := range d.tags {
		if !slices.Contains(meta.Tags, tag) {
			meta.Tags = append(meta.Tags, tag)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return driver.WriteMetadata(ctx, meta)
}

// Path returns the store address.
func (d *Dataset) Path() string { return d.path }

// Mode returns the open mode.
func (d *Dataset) Mode() domain.Mode { return d.mode }

// Schema returns the schema entities are validated against.
func (d *Dataset) Schema() *domain.Schema { return d.schema }

// Formats returns the registry used by Read.
func (d *Dataset) Formats() *formats.Registry { return d.formats }

// Metadata returns the store header.
func (d *Dataset) Metadata(ctx context.Context) (domain.StoreMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("metadata", false); err != nil {
		return domain.StoreMetadata{}, err
	}
	return d.driver.Metadata(ctx)
}

// Close releases the store. Closing a writable dataset first verifies the
// graph; blocking violations are returned as a domain.RuleViolationError but
// the store is released either way. Close is idempotent.
func (d *Dataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateOpen {
		return nil
	}
	ctx := context.Background()
	var result domain.Result
	err := d.observe(ctx, "close", "", func(ctx context.Context) (string, error) {
		var errs []error
		if d.mode.Writable() {
			res, err := d.verify(ctx)
			result = res
			errs = append(errs, err)
			if d.dirty {
				errs = append(errs, d.touch(ctx))
			}
		}
		errs = append(errs, d.driver.Close())
		d.state = stateClosed
		return d.path, errors.Join(errs...)
	})
	if err != nil {
		return err
	}
	d.obs.Logger.Info("dataset closed", "path", d.path)
	if result.HasBlocking() {
		return domain.RuleViolationError{Result: result}
	}
	return nil
}

func (d *Dataset) touch(ctx context.Context) error {
	meta, err := d.driver.Metadata(ctx)
	if err != nil {
		return err
	}
	meta.ModifiedAt = d.now()
	return d.driver.WriteMetadata(ctx, meta)
}

// check guards an operation against the dataset state and mode. Callers hold mu.
func (d *Dataset) check(op string, write bool) error {
	if d.state != stateOpen {
		return &domain.InvalidStateError{Op: op, State: string(stateClosed)}
	}
	if write && !d.mode.Writable() {
		return &domain.PermissionDeniedError{Op: op, Path: d.path}
	}
	return nil
}

func (d *Dataset) observe(ctx context.Context, op string, t domain.EntityType, fn func(context.Context) (string, error)) error {
	return d.obs.Observe(ctx, op, t, fn)
}

func (d *Dataset) now() time.Time {
	return d.obs.Clock.Now().UTC()
}

func dedupe(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func unknownType(name string) error {
	return &domain.SchemaViolationError{Entity: domain.EntityType(name), Reason: fmt.Sprintf("unknown entity type %q", name)}
}
