package domain

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"
)

// Mode selects how a store is opened.
type Mode string

// Open modes. ModeWrite creates the store when missing; ModeReadWrite requires
// an existing store. Both take the single writer lock.
const (
	ModeRead      Mode = "read"
	ModeWrite     Mode = "write"
	ModeReadWrite Mode = "read-write"
)

// ParseMode accepts the long names and the short forms r, w, r+ and rw.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "r":
		return ModeRead, nil
	case "write", "w":
		return ModeWrite, nil
	case "read-write", "readwrite", "rw", "r+", "a":
		return ModeReadWrite, nil
	}
	return "", fmt.Errorf("unknown open mode %q", s)
}

// Writable reports whether the mode permits mutations.
func (m Mode) Writable() bool { return m == ModeWrite || m == ModeReadWrite }

// Creates reports whether the mode may create a missing store.
func (m Mode) Creates() bool { return m == ModeWrite }

// StoreMetadata is the self-describing header of a store.
type StoreMetadata struct {
	SchemaVersion string    `json:"schema_version" msgpack:"schema_version"`
	CreatedBy     string    `json:"created_by" msgpack:"created_by"`
	CreatedAt     time.Time `json:"created_at" msgpack:"created_at"`
	ModifiedAt    time.Time `json:"modified_at" msgpack:"modified_at"`
	Tool          string    `json:"tool" msgpack:"tool"`
	ToolVersion   string    `json:"tool_version" msgpack:"tool_version"`
	Driver        string    `json:"driver" msgpack:"driver"`
	Tags          []string  `json:"tags,omitempty" msgpack:"tags"`
}

// Batch groups entities and edges persisted atomically.
type Batch struct {
	Entities []Entity
	Edges    []Edge
}

// Empty reports whether the batch carries nothing.
func (b Batch) Empty() bool { return len(b.Entities) == 0 && len(b.Edges) == 0 }

// Predicate filters query results. A nil predicate matches every entity.
type Predicate func(Entity) bool

// Match applies the predicate.
func (p Predicate) Match(e Entity) bool { return p == nil || p(e) }

// EntityView is the read surface shared by drivers and the rules engine.
type EntityView interface {
	ReadEntity(ctx context.Context, id string) (Entity, error)
	ReadEdges(ctx context.Context, id string) ([]Edge, error)
	ReadIncoming(ctx context.Context, id string) ([]Edge, error)
	Query(ctx context.Context, t EntityType, p Predicate) iter.Seq2[Entity, error]
}

// Driver persists entities and edges. Implementations share the observable
// semantics: every mutating call is durable on return, RawData writes are
// write-once, and reads of unknown ids fail with ErrNotFound.
type Driver interface {
	EntityView
	Name() string
	Mode() Mode
	Path() string
	Metadata(ctx context.Context) (StoreMetadata, error)
	WriteMetadata(ctx context.Context, meta StoreMetadata) error
	WriteEntity(ctx context.Context, e Entity) (string, error)
	WriteEdge(ctx context.Context, e Edge) error
	WriteBatch(ctx context.Context, b Batch) error
	Count(ctx context.Context, t EntityType) (int, error)
	Close() error
}

// SourceArchive retains the raw bytes an import was parsed from. Key
// reports the key Archive will store data under without writing it.
type SourceArchive interface {
	Key(data []byte) string
	Archive(ctx context.Context, name string, data []byte) (key string, err error)
}
