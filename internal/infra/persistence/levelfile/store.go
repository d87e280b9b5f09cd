// Package levelfile provides a storage driver on a goleveldb directory. It
// mirrors the bolt layout with prefixed keys instead of buckets.
package levelfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"

	"spectroscopy/internal/infra/persistence"
	"spectroscopy/internal/infra/persistence/codec"
	"spectroscopy/pkg/domain"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Compile-time contract assertion ensuring the store satisfies the driver interface.
var _ domain.Driver = (*Store)(nil)

var (
	keyMetadata = []byte("m:store")
	keySequence = []byte("s:seq")
)

func entityKey(id string) []byte { return []byte("e:" + id) }
func indexKey(id string) []byte  { return []byte("i:" + id) }
func typePrefix(t domain.EntityType) []byte {
	return append([]byte("t:"+string(t)), 0)
}
func outPrefix(id string) []byte { return append([]byte("o:"+id), 0) }
func inPrefix(id string) []byte  { return append([]byte("n:"+id), 0) }

func withSeq(prefix []byte, seq uint64) []byte {
	k := make([]byte, len(prefix), len(prefix)+8)
	copy(k, prefix)
	return binary.BigEndian.AppendUint64(k, seq)
}

// Store persists the graph to a leveldb directory. leveldb's own LOCK file
// serialises access between handles.
type Store struct {
	db     *leveldb.DB
	path   string
	mode   domain.Mode
	schema *domain.Schema
	mu     sync.Mutex
	once   sync.Once
	err    error
}

// Open opens or creates the store directory, retrying while another handle
// holds the lock for at most opts.LockTimeout.
func Open(ctx context.Context, opts persistence.Options) (*Store, error) {
	opts = opts.WithDefaults()
	if _, err := os.Stat(opts.Path); err != nil && (!errors.Is(err, os.ErrNotExist) || !opts.Mode.Creates()) {
		return nil, persistence.Unavailable("leveldb", opts.Path, err)
	}
	var db *leveldb.DB
	err := persistence.Acquire(ctx, opts.LockTimeout, func() (bool, error) {
		var err error
		db, err = leveldb.OpenFile(opts.Path, &opt.Options{
			ReadOnly:       !opts.Mode.Writable(),
			ErrorIfMissing: !opts.Mode.Creates(),
		})
		if err == nil {
			return false, nil
		}
		return !lerrors.IsCorrupted(err) && !errors.Is(err, os.ErrPermission), err
	})
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, &domain.PermissionDeniedError{Op: "open", Path: opts.Path, Err: err}
		}
		return nil, persistence.Unavailable("leveldb", opts.Path, err)
	}
	return &Store{db: db, path: opts.Path, mode: opts.Mode, schema: opts.Schema}, nil
}

// Name returns the driver identifier.
func (s *Store) Name() string { return "leveldb" }

// Mode returns the open mode.
func (s *Store) Mode() domain.Mode { return s.mode }

// Path returns the store directory.
func (s *Store) Path() string { return s.path }

func (s *Store) get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// Metadata returns the store header.
func (s *Store) Metadata(context.Context) (domain.StoreMetadata, error) {
	raw, err := s.get(keyMetadata)
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
	return s.db.Put(keyMetadata, raw, &opt.WriteOptions{Sync: true})
}

// ReadEntity returns a stored entity without its edges.
func (s *Store) ReadEntity(_ context.Context, id string) (domain.Entity, error) {
	raw, err := s.get(entityKey(id))
	if err != nil {
		return domain.Entity{}, err
	}
	if raw == nil {
		return domain.Entity{}, &domain.NotFoundError{ID: id}
	}
	return codec.DecodeEntity(s.schema, raw)
}

func (s *Store) lookup(id string) (domain.EntityType, bool, error) {
	v, err := s.get(indexKey(id))
	if err != nil {
		return "", false, err
	}
	return domain.EntityType(v), v != nil, nil
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

// WriteBatch persists entities and edges as one synced leveldb batch.
func (s *Store) WriteBatch(_ context.Context, b domain.Batch) error {
	if err := persistence.CheckWritable(s.mode, "write batch", s.path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := persistence.StageBatch(s.schema, &b, s.lookup); err != nil {
		return err
	}
	seq, err := s.sequence()
	if err != nil {
		return err
	}
	wb := new(leveldb.Batch)
	for _, e := range b.Entities {
		raw, err := codec.EncodeEntity(e)
		if err != nil {
			return err
		}
		_, exists, err := s.lookup(e.ID)
		if err != nil {
			return err
		}
		if !exists {
			seq++
			wb.Put(withSeq(typePrefix(e.Type), seq), []byte(e.ID))
			wb.Put(indexKey(e.ID), []byte(e.Type))
		}
		wb.Put(entityKey(e.ID), raw)
	}
	written := map[string]bool{}
	for _, ed := range b.Edges {
		key := ed.Source + "\x00" + string(ed.Type) + "\x00" + ed.Target
		if written[key] {
			continue
		}
		existing, err := s.scanEdges(outPrefix(ed.Source))
		if err != nil {
			return err
		}
		if containsEdge(existing, ed) {
			continue
		}
		raw, err := codec.EncodeEdge(ed)
		if err != nil {
			return err
		}
		seq++
		wb.Put(withSeq(outPrefix(ed.Source), seq), raw)
		wb.Put(withSeq(inPrefix(ed.Target), seq), raw)
		written[key] = true
	}
	wb.Put(keySequence, binary.BigEndian.AppendUint64(nil, seq))
	if err := s.db.Write(wb, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("leveldb write: %w", err)
	}
	return nil
}

func (s *Store) sequence() (uint64, error) {
	raw, err := s.get(keySequence)
	if err != nil || raw == nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt sequence record")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func containsEdge(edges []domain.Edge, e domain.Edge) bool {
	for _, ex := range edges {
		if ex.Same(e) {
			return true
		}
	}
	return false
}

func (s *Store) scanEdges(prefix []byte) ([]domain.Edge, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var edges []domain.Edge
	for it.Next() {
		e, err := codec.DecodeEdge(it.Value())
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, it.Error()
}

// ReadEdges returns the outgoing edges of id in creation order.
func (s *Store) ReadEdges(_ context.Context, id string) ([]domain.Edge, error) {
	if _, ok, err := s.lookup(id); err != nil || !ok {
		if err == nil {
			err = &domain.NotFoundError{ID: id}
		}
		return nil, err
	}
	return s.scanEdges(outPrefix(id))
}

// ReadIncoming returns the edges pointing at id.
func (s *Store) ReadIncoming(_ context.Context, id string) ([]domain.Edge, error) {
	if _, ok, err := s.lookup(id); err != nil || !ok {
		if err == nil {
			err = &domain.NotFoundError{ID: id}
		}
		return nil, err
	}
	return s.scanEdges(inPrefix(id))
}

// Query lists entities of one type in creation order.
func (s *Store) Query(ctx context.Context, t domain.EntityType, p domain.Predicate) iter.Seq2[domain.Entity, error] {
	prefix := typePrefix(t)
	return persistence.Paginate(ctx, func(cursor string) ([]domain.Entity, string, error) {
		it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
		defer it.Release()
		ok := it.First()
		if cursor != "" {
			ok = it.Seek([]byte(cursor))
			if ok && string(it.Key()) == cursor {
				ok = it.Next()
			}
		}
		var page []domain.Entity
		var last []byte
		n := 0
		for ; ok && n < persistence.PageSize; ok = it.Next() {
			n++
			last = bytes.Clone(it.Key())
			e, err := s.ReadEntity(ctx, string(it.Value()))
			if err != nil {
				return nil, "", err
			}
			if p.Match(e) {
				page = append(page, e)
			}
		}
		if err := it.Error(); err != nil {
			return nil, "", err
		}
		if !ok {
			last = nil
		}
		return page, string(last), nil
	})
}

// Count returns the number of stored entities of a type.
func (s *Store) Count(_ context.Context, t domain.EntityType) (int, error) {
	it := s.db.NewIterator(util.BytesPrefix(typePrefix(t)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// Close releases the directory lock. It is safe to call more than once.
func (s *Store) Close() error {
	s.once.Do(func() { s.err = s.db.Close() })
	return s.err
}
