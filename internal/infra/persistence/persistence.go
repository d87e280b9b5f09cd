// Package persistence holds the helpers shared by every storage driver: open
// options, write guards, batch staging and bounded lock acquisition.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spectroscopy/pkg/domain"

	"github.com/google/uuid"
)

// DefaultLockTimeout bounds how long a writer waits for the store lock.
const DefaultLockTimeout = time.Second

// Options configure a driver open.
type Options struct {
	Path        string
	Mode        domain.Mode
	Schema      *domain.Schema
	LockTimeout time.Duration
}

// WithDefaults fills unset options.
func (o Options) WithDefaults() Options {
	if o.Mode == "" {
		o.Mode = domain.ModeRead
	}
	if o.Schema == nil {
		o.Schema = domain.DefaultSchema()
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	return o
}

// NewID returns a random resource identifier.
func NewID() string { return uuid.NewString() }

// CheckWritable rejects mutations on stores opened for reading.
func CheckWritable(mode domain.Mode, op, path string) error {
	if !mode.Writable() {
		return &domain.PermissionDeniedError{Op: op, Path: path}
	}
	return nil
}

// Unavailable wraps an open or lock failure.
func Unavailable(driver, path string, err error) error {
	return &domain.StorageUnavailableError{Driver: driver, Path: path, Err: err}
}

// ErrLockTimeout is wrapped by Acquire when the deadline passes.
var ErrLockTimeout = errors.New("lock wait timed out")

// Acquire polls try until it succeeds, fails with a non-retryable error, the
// timeout elapses, or ctx is cancelled.
func Acquire(ctx context.Context, timeout time.Duration, try func() (retry bool, err error)) error {
	deadline := time.Now().Add(timeout)
	delay := 5 * time.Millisecond
	for {
		retry, err := try()
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s: %v", ErrLockTimeout, timeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 100*time.Millisecond {
			delay *= 2
		}
	}
}

// Lookup reports the type of a stored entity, or false when absent.
type Lookup func(id string) (domain.EntityType, bool, error)

// StageBatch assigns missing ids, enforces write-once semantics and checks
// that every edge endpoint exists either in the batch or in the store. It
// mutates the batch in place.
func StageBatch(schema *domain.Schema, b *domain.Batch, lookup Lookup) error {
	staged := make(map[string]domain.EntityType, len(b.Entities))
	for i := range b.Entities {
		e := &b.Entities[i]
		if e.ID == "" {
			e.ID = NewID()
		}
		if _, dup := staged[e.ID]; dup {
			return fmt.Errorf("batch contains %s twice", e.ID)
		}
		if err := CheckWriteOnce(schema, *e, lookup); err != nil {
			return err
		}
		staged[e.ID] = e.Type
	}
	withStaged := func(id string) (domain.EntityType, bool, error) {
		if t, ok := staged[id]; ok {
			return t, true, nil
		}
		return lookup(id)
	}
	for _, ed := range b.Edges {
		if err := CheckEdgeEndpoints(ed, withStaged); err != nil {
			return err
		}
	}
	return nil
}

// CheckWriteOnce fails when e would overwrite a stored write-once entity.
func CheckWriteOnce(schema *domain.Schema, e domain.Entity, lookup Lookup) error {
	t, exists, err := lookup(e.ID)
	if err != nil || !exists {
		return err
	}
	if t != e.Type {
		return &domain.SchemaViolationError{Entity: e.Type, Reason: fmt.Sprintf("id %s already holds a %s", e.ID, t)}
	}
	if spec, ok := schema.Type(e.Type); ok && spec.WriteOnce {
		return &domain.ImmutableError{Entity: e.Type, ID: e.ID}
	}
	return nil
}

// CheckEdgeEndpoints fails with a dangling reference when either end is missing.
func CheckEdgeEndpoints(e domain.Edge, lookup Lookup) error {
	for _, id := range []string{e.Source, e.Target} {
		_, ok, err := lookup(id)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.DanglingReferenceError{Edge: e.Type, ID: id}
		}
	}
	return nil
}

// Paginate adapts a page loader into a lazy, restartable sequence. load
// receives the cursor returned by the previous page; an empty next cursor
// ends iteration.
func Paginate(ctx context.Context, load func(cursor string) (page []domain.Entity, next string, err error)) func(yield func(domain.Entity, error) bool) {
	return func(yield func(domain.Entity, error) bool) {
		cursor := ""
		for {
			if err := ctx.Err(); err != nil {
				yield(domain.Entity{}, err)
				return
			}
			page, next, err := load(cursor)
			if err != nil {
				yield(domain.Entity{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if next == "" {
				return
			}
			cursor = next
		}
	}
}

// PageSize is the number of records a paginated query loads per round trip.
const PageSize = 256
