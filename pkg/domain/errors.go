package domain

import (
	"errors"
	"fmt"
)

// Error categories. Every typed error below matches exactly one of these via errors.Is.
var (
	ErrSchemaViolation    = errors.New("schema violation")
	ErrImmutable          = errors.New("immutability violation")
	ErrDanglingReference  = errors.New("dangling reference")
	ErrNotFound           = errors.New("not found")
	ErrUnknownFormat      = errors.New("unknown format")
	ErrParse              = errors.New("parse error")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidState       = errors.New("invalid state")
)

// SchemaViolationError reports an entity or edge rejected by the schema.
type SchemaViolationError struct {
	Entity EntityType
	Field  string
	Edge   EdgeType
	Reason string
}

func (e *SchemaViolationError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("schema violation: %s.%s: %s", e.Entity, e.Field, e.Reason)
	case e.Edge != "":
		return fmt.Sprintf("schema violation: %s -%s->: %s", e.Entity, e.Edge, e.Reason)
	case e.Entity != "":
		return fmt.Sprintf("schema violation: %s: %s", e.Entity, e.Reason)
	}
	return "schema violation: " + e.Reason
}

func (e *SchemaViolationError) Is(target error) bool { return target == ErrSchemaViolation }

// ImmutableError is returned when a write-once entity would be rewritten.
type ImmutableError struct {
	Entity EntityType
	ID     string
}

func (e *ImmutableError) Error() string {
	return fmt.Sprintf("%s %s is write-once", e.Entity, e.ID)
}

func (e *ImmutableError) Is(target error) bool { return target == ErrImmutable }

// DanglingReferenceError is returned when an edge endpoint does not exist.
type DanglingReferenceError struct {
	Edge EdgeType
	ID   string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("%s edge references missing entity %s", e.Edge, e.ID)
}

func (e *DanglingReferenceError) Is(target error) bool { return target == ErrDanglingReference }

// NotFoundError is returned when an id is absent from the store.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("entity %s not found", e.ID)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// UnknownFormatError is returned when no plugin is registered for a format.
type UnknownFormatError struct {
	Format string
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("no plugin registered for format %q", e.Format)
}

func (e *UnknownFormatError) Is(target error) bool { return target == ErrUnknownFormat }

// ParseError reports malformed raw input. Line is one-based; zero when unknown.
type ParseError struct {
	Format string
	Path   string
	Line   int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s %s:%d: %v", e.Format, e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s %s: %v", e.Format, e.Path, e.Err)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

func (e *ParseError) Unwrap() error { return e.Err }

// StorageUnavailableError is returned when a store cannot be opened or locked.
type StorageUnavailableError struct {
	Driver string
	Path   string
	Err    error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("%s store %s unavailable: %v", e.Driver, e.Path, e.Err)
}

func (e *StorageUnavailableError) Is(target error) bool { return target == ErrStorageUnavailable }

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// PermissionDeniedError is returned for mutations on read-only stores.
type PermissionDeniedError struct {
	Op   string
	Path string
	Err  error
}

func (e *PermissionDeniedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: permission denied: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: permission denied", e.Op, e.Path)
}

func (e *PermissionDeniedError) Is(target error) bool { return target == ErrPermissionDenied }

func (e *PermissionDeniedError) Unwrap() error { return e.Err }

// InvalidStateError is returned for operations on a closed dataset.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: dataset is %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
