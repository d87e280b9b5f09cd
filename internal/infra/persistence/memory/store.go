// Package memory provides the in-process storage driver used by tests and
// ephemeral datasets. Stores are addressed by name so a dataset closed and
// reopened within one process sees the same state.
package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"spectroscopy/internal/infra/persistence"
	"spectroscopy/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the driver interface.
var _ domain.Driver = (*Store)(nil)

// Prefix marks store paths handled by this driver.
const Prefix = "memory:"

type memoryState struct {
	meta     *domain.StoreMetadata
	entities map[string]domain.Entity
	order    map[domain.EntityType][]string
	out      map[string][]domain.Edge
	in       map[string][]domain.Edge
}

func newMemoryState() memoryState {
	return memoryState{
		entities: make(map[string]domain.Entity),
		order:    make(map[domain.EntityType][]string),
		out:      make(map[string][]domain.Edge),
		in:       make(map[string][]domain.Edge),
	}
}

func (s memoryState) clone() memoryState {
	cp := newMemoryState()
	if s.meta != nil {
		m := *s.meta
		m.Tags = slices.Clone(s.meta.Tags)
		cp.meta = &m
	}
	for id, e := range s.entities {
		cp.entities[id] = e.Clone()
	}
	for t, ids := range s.order {
		cp.order[t] = slices.Clone(ids)
	}
	for id, edges := range s.out {
		cp.out[id] = slices.Clone(edges)
	}
	for id, edges := range s.in {
		cp.in[id] = slices.Clone(edges)
	}
	return cp
}

func (s *memoryState) lookup(id string) (domain.EntityType, bool, error) {
	e, ok := s.entities[id]
	return e.Type, ok, nil
}

func (s *memoryState) put(e domain.Entity) {
	if _, exists := s.entities[e.ID]; !exists {
		s.order[e.Type] = append(s.order[e.Type], e.ID)
	}
	e.Edges = nil
	s.entities[e.ID] = e.Clone()
}

func (s *memoryState) link(e domain.Edge) {
	for _, existing := range s.out[e.Source] {
		if existing.Same(e) {
			return
		}
	}
	s.out[e.Source] = append(s.out[e.Source], e)
	s.in[e.Target] = append(s.in[e.Target], e)
}

type shared struct {
	mu     sync.RWMutex
	state  memoryState
	writer bool
}

var (
	registryMu sync.Mutex
	registry   = map[string]*shared{}
)

// Reset drops every named store. Tests call it to isolate fixtures.
func Reset() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]*shared{}
}

// Store is a handle on a named in-memory store.
type Store struct {
	name   string
	mode   domain.Mode
	schema *domain.Schema
	data   *shared
	closed bool
	mu     sync.Mutex
}

// Open attaches to the named store, creating it in write mode.
func Open(ctx context.Context, opts persistence.Options) (*Store, error) {
	opts = opts.WithDefaults()
	name := strings.TrimPrefix(opts.Path, Prefix)
	registryMu.Lock()
	data, ok := registry[name]
	if !ok {
		if !opts.Mode.Creates() {
			registryMu.Unlock()
			return nil, persistence.Unavailable("memory", opts.Path, fmt.Errorf("store %q does not exist", name))
		}
		data = &shared{state: newMemoryState()}
		registry[name] = data
	}
	registryMu.Unlock()

	if opts.Mode.Writable() {
		err := persistence.Acquire(ctx, opts.LockTimeout, func() (bool, error) {
			data.mu.Lock()
			defer data.mu.Unlock()
			if data.writer {
				return true, fmt.Errorf("store %q has an active writer", name)
			}
			data.writer = true
			return false, nil
		})
		if err != nil {
			return nil, persistence.Unavailable("memory", opts.Path, err)
		}
	}
	return &Store{name: name, mode: opts.Mode, schema: opts.Schema, data: data}, nil
}

// Name returns the driver identifier.
func (s *Store) Name() string { return "memory" }

// Mode returns the open mode.
func (s *Store) Mode() domain.Mode { return s.mode }

// Path returns the store address.
func (s *Store) Path() string { return Prefix + s.name }

// Metadata returns the store header.
func (s *Store) Metadata(context.Context) (domain.StoreMetadata, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	if s.data.state.meta == nil {
		return domain.StoreMetadata{}, &domain.NotFoundError{ID: "metadata"}
	}
	m := *s.data.state.meta
	m.Tags = slices.Clone(m.Tags)
	return m, nil
}

// WriteMetadata replaces the store header.
func (s *Store) WriteMetadata(_ context.Context, meta domain.StoreMetadata) error {
	if err := persistence.CheckWritable(s.mode, "write metadata", s.Path()); err != nil {
		return err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	meta.Tags = slices.Clone(meta.Tags)
	s.data.state.meta = &meta
	return nil
}

// ReadEntity returns a stored entity without its edges.
func (s *Store) ReadEntity(_ context.Context, id string) (domain.Entity, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	e, ok := s.data.state.entities[id]
	if !ok {
		return domain.Entity{}, &domain.NotFoundError{ID: id}
	}
	return e.Clone(), nil
}

// WriteEntity stores an entity, assigning an id when empty.
func (s *Store) WriteEntity(ctx context.Context, e domain.Entity) (string, error) {
	b := domain.Batch{Entities: []domain.Entity{e}}
	if err := s.WriteBatch(ctx, b); err != nil {
		return "", err
	}
	return b.Entities[0].ID, nil
}

// ReadEdges returns the outgoing edges of id.
func (s *Store) ReadEdges(_ context.Context, id string) ([]domain.Edge, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	if _, ok := s.data.state.entities[id]; !ok {
		return nil, &domain.NotFoundError{ID: id}
	}
	return slices.Clone(s.data.state.out[id]), nil
}

// ReadIncoming returns the edges pointing at id.
func (s *Store) ReadIncoming(_ context.Context, id string) ([]domain.Edge, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	if _, ok := s.data.state.entities[id]; !ok {
		return nil, &domain.NotFoundError{ID: id}
	}
	return slices.Clone(s.data.state.in[id]), nil
}

// WriteEdge records an edge between two stored entities.
func (s *Store) WriteEdge(ctx context.Context, e domain.Edge) error {
	return s.WriteBatch(ctx, domain.Batch{Edges: []domain.Edge{e}})
}

// WriteBatch applies entities and edges against a cloned state and swaps it
// in only when every record was accepted.
func (s *Store) WriteBatch(_ context.Context, b domain.Batch) error {
	if err := persistence.CheckWritable(s.mode, "write batch", s.Path()); err != nil {
		return err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	if err := persistence.StageBatch(s.schema, &b, s.data.state.lookup); err != nil {
		return err
	}
	next := s.data.state.clone()
	for _, e := range b.Entities {
		next.put(e)
	}
	for _, ed := range b.Edges {
		next.link(ed)
	}
	s.data.state = next
	return nil
}

// Query lists entities of one type in creation order.
func (s *Store) Query(ctx context.Context, t domain.EntityType, p domain.Predicate) iter.Seq2[domain.Entity, error] {
	return func(yield func(domain.Entity, error) bool) {
		s.data.mu.RLock()
		ids := slices.Clone(s.data.state.order[t])
		s.data.mu.RUnlock()
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(domain.Entity{}, err)
				return
			}
			s.data.mu.RLock()
			e, ok := s.data.state.entities[id]
			s.data.mu.RUnlock()
			if !ok || !p.Match(e) {
				continue
			}
			if !yield(e.Clone(), nil) {
				return
			}
		}
	}
}

// Count returns the number of stored entities of a type.
func (s *Store) Count(_ context.Context, t domain.EntityType) (int, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	return len(s.data.state.order[t]), nil
}

// Close releases the writer slot. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.mode.Writable() {
		s.data.mu.Lock()
		s.data.writer = false
		s.data.mu.Unlock()
	}
	return nil
}
