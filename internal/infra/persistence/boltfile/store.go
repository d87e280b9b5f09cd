// Package boltfile provides the hierarchical single-file storage driver. Each
// entity type is a bucket (group) holding creation-ordered ids, records live
// in a shared entities bucket, and edges are indexed in both directions.
package boltfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"spectroscopy/internal/infra/persistence"
	"spectroscopy/internal/infra/persistence/codec"
	"spectroscopy/pkg/domain"

	"github.com/boltdb/bolt"
)

// Compile-time contract assertion ensuring the store satisfies the driver interface.
var _ domain.Driver = (*Store)(nil)

var (
	bucketMeta     = []byte("meta")
	bucketEntities = []byte("entities")
	bucketIndex    = []byte("index")
	bucketOut      = []byte("edges")
	bucketIn       = []byte("edges_in")
	keyMetadata    = []byte("store")
)

func typeBucket(t domain.EntityType) []byte { return []byte("type:" + string(t)) }

// Store persists the graph to a bolt file. Writers hold an exclusive file
// lock and readers a shared one for the lifetime of the handle.
type Store struct {
	db     *bolt.DB
	path   string
	mode   domain.Mode
	schema *domain.Schema
	once   sync.Once
	err    error
}

// Open opens or creates the store file. The bolt file lock is waited on for
// at most opts.LockTimeout.
func Open(_ context.Context, opts persistence.Options) (*Store, error) {
	opts = opts.WithDefaults()
	if _, err := os.Stat(opts.Path); err != nil {
		if !errors.Is(err, os.ErrNotExist) || !opts.Mode.Creates() {
			return nil, persistence.Unavailable("bolt", opts.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
			return nil, persistence.Unavailable("bolt", opts.Path, err)
		}
	}
	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{
		Timeout:  opts.LockTimeout,
		ReadOnly: !opts.Mode.Writable(),
	})
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, &domain.PermissionDeniedError{Op: "open", Path: opts.Path, Err: err}
		}
		if errors.Is(err, bolt.ErrTimeout) {
			err = fmt.Errorf("%w: %v", persistence.ErrLockTimeout, err)
		}
		return nil, persistence.Unavailable("bolt", opts.Path, err)
	}
	s := &Store{db: db, path: opts.Path, mode: opts.Mode, schema: opts.Schema}
	if opts.Mode.Writable() {
		if err := db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketMeta, bucketEntities, bucketIndex, bucketOut, bucketIn} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			for _, t := range opts.Schema.Types() {
				if _, err := tx.CreateBucketIfNotExists(typeBucket(t)); err != nil {
					return fmt.Errorf("create bucket %s: %w", t, err)
				}
			}
			return nil
		}); err != nil {
			_ = db.Close()
			return nil, persistence.Unavailable("bolt", opts.Path, err)
		}
	}
	return s, nil
}

// Name returns the driver identifier.
func (s *Store) Name() string { return "bolt" }

// Mode returns the open mode.
func (s *Store) Mode() domain.Mode { return s.mode }

// Path returns the store file.
func (s *Store) Path() string { return s.path }

// Metadata returns the store header.
func (s *Store) Metadata(context.Context) (domain.StoreMetadata, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketMeta); b != nil {
			raw = bytes.Clone(b.Get(keyMetadata))
		}
		return nil
	})
	if err != nil {
		return domain.StoreMetadata{}, err
	}
	if raw == nil {
		return domain.StoreMetadata{}, &domain.NotFoundError{ID: "metadata"}
	}
	return codec.DecodeMetadata(raw)
}

// WriteMetadata replaces the store header.
func (s *Store) WriteMetadata(_ context.Context, meta domain.StoreMetadata) error {
	if err := persistence.CheckWritable(s.mode, "write metadata", s.path); err != nil {
		return err
	}
	raw, err := codec.EncodeMetadata(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyMetadata, raw)
	})
}

// ReadEntity returns a stored entity without its edges.
func (s *Store) ReadEntity(_ context.Context, id string) (domain.Entity, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketEntities); b != nil {
			raw = bytes.Clone(b.Get([]byte(id)))
		}
		return nil
	}); err != nil {
		return domain.Entity{}, err
	}
	if raw == nil {
		return domain.Entity{}, &domain.NotFoundError{ID: id}
	}
	return codec.DecodeEntity(s.schema, raw)
}

// WriteEntity stores an entity, assigning an id when empty.
func (s *Store) WriteEntity(ctx context.Context, e domain.Entity) (string, error) {
	b := domain.Batch{Entities: []domain.Entity{e}}
	if err := s.WriteBatch(ctx, b); err != nil {
		return "", err
	}
	return b.Entities[0].ID, nil
}

// WriteEdge records an edge between two stored entities.
func (s *Store) WriteEdge(ctx context.Context, e domain.Edge) error {
	return s.WriteBatch(ctx, domain.Batch{Edges: []domain.Edge{e}})
}

// WriteBatch persists entities and edges in a single bolt transaction.
func (s *Store) WriteBatch(_ context.Context, batch domain.Batch) error {
	if err := persistence.CheckWritable(s.mode, "write batch", s.path); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		lookup := func(id string) (domain.EntityType, bool, error) {
			v := index.Get([]byte(id))
			return domain.EntityType(v), v != nil, nil
		}
		if err := persistence.StageBatch(s.schema, &batch, lookup); err != nil {
			return err
		}
		entities := tx.Bucket(bucketEntities)
		for _, e := range batch.Entities {
			raw, err := codec.EncodeEntity(e)
			if err != nil {
				return err
			}
			if index.Get([]byte(e.ID)) == nil {
				group, err := tx.CreateBucketIfNotExists(typeBucket(e.Type))
				if err != nil {
					return err
				}
				seq, err := group.NextSequence()
				if err != nil {
					return err
				}
				if err := group.Put(seqKey(seq), []byte(e.ID)); err != nil {
					return err
				}
				if err := index.Put([]byte(e.ID), []byte(e.Type)); err != nil {
					return err
				}
			}
			if err := entities.Put([]byte(e.ID), raw); err != nil {
				return err
			}
		}
		for _, ed := range batch.Edges {
			if err := putEdge(tx, ed); err != nil {
				return err
			}
		}
		return nil
	})
}

func putEdge(tx *bolt.Tx, e domain.Edge) error {
	out := tx.Bucket(bucketOut)
	existing, err := scanEdges(out, e.Source)
	if err != nil {
		return err
	}
	for _, ex := range existing {
		if ex.Same(e) {
			return nil
		}
	}
	raw, err := codec.EncodeEdge(e)
	if err != nil {
		return err
	}
	seq, err := out.NextSequence()
	if err != nil {
		return err
	}
	if err := out.Put(edgeKey(e.Source, seq), raw); err != nil {
		return err
	}
	return tx.Bucket(bucketIn).Put(edgeKey(e.Target, seq), raw)
}

// ReadEdges returns the outgoing edges of id in creation order.
func (s *Store) ReadEdges(_ context.Context, id string) ([]domain.Edge, error) {
	return s.readEdges(id, bucketOut)
}

// ReadIncoming returns the edges pointing at id.
func (s *Store) ReadIncoming(_ context.Context, id string) ([]domain.Edge, error) {
	return s.readEdges(id, bucketIn)
}

func (s *Store) readEdges(id string, bucket []byte) ([]domain.Edge, error) {
	var edges []domain.Edge
	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		if index == nil || index.Get([]byte(id)) == nil {
			return &domain.NotFoundError{ID: id}
		}
		var err error
		edges, err = scanEdges(tx.Bucket(bucket), id)
		return err
	})
	return edges, err
}

func scanEdges(b *bolt.Bucket, id string) ([]domain.Edge, error) {
	if b == nil {
		return nil, nil
	}
	prefix := append([]byte(id), 0)
	var edges []domain.Edge
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		e, err := codec.DecodeEdge(v)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// Query lists entities of one type in creation order, loading a page per
// read transaction so callers may write between pages.
func (s *Store) Query(ctx context.Context, t domain.EntityType, p domain.Predicate) iter.Seq2[domain.Entity, error] {
	return persistence.Paginate(ctx, func(cursor string) ([]domain.Entity, string, error) {
		var raws [][]byte
		var last []byte
		err := s.db.View(func(tx *bolt.Tx) error {
			group := tx.Bucket(typeBucket(t))
			entities := tx.Bucket(bucketEntities)
			if group == nil || entities == nil {
				return nil
			}
			c := group.Cursor()
			k, v := c.First()
			if cursor != "" {
				k, v = c.Seek([]byte(cursor))
				if k != nil && string(k) == cursor {
					k, v = c.Next()
				}
			}
			for ; k != nil && len(raws) < persistence.PageSize; k, v = c.Next() {
				if raw := entities.Get(v); raw != nil {
					raws = append(raws, bytes.Clone(raw))
				}
				last = bytes.Clone(k)
			}
			if k == nil {
				last = nil
			}
			return nil
		})
		if err != nil {
			return nil, "", err
		}
		page := make([]domain.Entity, 0, len(raws))
		for _, raw := range raws {
			e, err := codec.DecodeEntity(s.schema, raw)
			if err != nil {
				return nil, "", err
			}
			if p.Match(e) {
				page = append(page, e)
			}
		}
		return page, string(last), nil
	})
}

// Count returns the number of stored entities of a type.
func (s *Store) Count(_ context.Context, t domain.EntityType) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		if group := tx.Bucket(typeBucket(t)); group != nil {
			n = group.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Close releases the file lock. It is safe to call more than once.
func (s *Store) Close() error {
	s.once.Do(func() { s.err = s.db.Close() })
	return s.err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func edgeKey(id string, seq uint64) []byte {
	k := make([]byte, 0, len(id)+9)
	k = append(k, id...)
	k = append(k, 0)
	return append(k, seqKey(seq)...)
}
