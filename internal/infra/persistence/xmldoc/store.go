// Package xmldoc provides a storage driver that keeps the whole dataset in a
// single XML document. The document is loaded on open and rewritten
// atomically after every accepted batch, so it suits small exchange files
// rather than bulk archives.
package xmldoc

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"spectroscopy/internal/infra/persistence"
	"spectroscopy/pkg/domain"

	"github.com/google/renameio"
)

// Compile-time contract assertion ensuring the store satisfies the driver interface.
var _ domain.Driver = (*Store)(nil)

type document struct {
	XMLName  xml.Name    `xml:"spectroscopy"`
	Metadata *metaXML    `xml:"metadata,omitempty"`
	Entities []entityXML `xml:"entity"`
	Edges    []edgeXML   `xml:"edge"`
}

type metaXML struct {
	SchemaVersion string   `xml:"schema_version,attr"`
	CreatedBy     string   `xml:"created_by,attr,omitempty"`
	CreatedAt     string   `xml:"created_at,attr,omitempty"`
	ModifiedAt    string   `xml:"modified_at,attr,omitempty"`
	Tool          string   `xml:"tool,attr,omitempty"`
	ToolVersion   string   `xml:"tool_version,attr,omitempty"`
	Driver        string   `xml:"driver,attr,omitempty"`
	Tags          []string `xml:"tag"`
}

type entityXML struct {
	ID         string     `xml:"id,attr"`
	Type       string     `xml:"type,attr"`
	Hash       string     `xml:"hash,attr,omitempty"`
	CreatedAt  string     `xml:"created_at,attr,omitempty"`
	ModifiedAt string     `xml:"modified_at,attr,omitempty"`
	Tags       []string   `xml:"tag"`
	Fields     []fieldXML `xml:"field"`
}

type fieldXML struct {
	Name  string `xml:"name,attr"`
	Kind  string `xml:"kind,attr"`
	Value string `xml:",chardata"`
}

type edgeXML struct {
	Source    string `xml:"source,attr"`
	Type      string `xml:"type,attr"`
	Target    string `xml:"target,attr"`
	CreatedAt string `xml:"created_at,attr,omitempty"`
}

type state struct {
	meta     *domain.StoreMetadata
	entities []domain.Entity
	index    map[string]int
	edges    []domain.Edge
}

func (s state) clone() state {
	cp := state{
		meta:     s.meta,
		entities: slices.Clone(s.entities),
		index:    make(map[string]int, len(s.index)),
		edges:    slices.Clone(s.edges),
	}
	for id, i := range s.index {
		cp.index[id] = i
	}
	return cp
}

func (s *state) lookup(id string) (domain.EntityType, bool, error) {
	i, ok := s.index[id]
	if !ok {
		return "", false, nil
	}
	return s.entities[i].Type, true, nil
}

// Store is a handle on one XML document.
type Store struct {
	path    string
	mode    domain.Mode
	schema  *domain.Schema
	release func() error
	mu      sync.RWMutex
	state   state
	once    sync.Once
	err     error
}

// Open loads the document, creating an empty one in write mode. Writers
// hold an exclusive lock on a sibling .lock file until Close.
func Open(ctx context.Context, opts persistence.Options) (*Store, error) {
	opts = opts.WithDefaults()
	_, statErr := os.Stat(opts.Path)
	if statErr != nil && (!errors.Is(statErr, os.ErrNotExist) || !opts.Mode.Creates()) {
		return nil, persistence.Unavailable("xml", opts.Path, statErr)
	}
	s := &Store{path: opts.Path, mode: opts.Mode, schema: opts.Schema, state: state{index: map[string]int{}}}
	if opts.Mode.Writable() {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
			return nil, persistence.Unavailable("xml", opts.Path, err)
		}
		release, err := persistence.LockFile(ctx, opts.Path, opts.LockTimeout)
		if err != nil {
			return nil, persistence.Unavailable("xml", opts.Path, err)
		}
		s.release = release
	}
	if statErr != nil {
		if err := s.flush(s.state); err != nil {
			_ = s.Close()
			return nil, persistence.Unavailable("xml", opts.Path, err)
		}
		return s, nil
	}
	if err := s.load(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return &domain.PermissionDeniedError{Op: "read", Path: s.path, Err: err}
		}
		return persistence.Unavailable("xml", s.path, err)
	}
	var doc document
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return persistence.Unavailable("xml", s.path, fmt.Errorf("decode document: %w", err))
	}
	st := state{index: make(map[string]int, len(doc.Entities))}
	if doc.Metadata != nil {
		m, err := doc.Metadata.decode()
		if err != nil {
			return err
		}
		st.meta = &m
	}
	for _, ex := range doc.Entities {
		e, err := ex.decode(s.schema)
		if err != nil {
			return err
		}
		st.index[e.ID] = len(st.entities)
		st.entities = append(st.entities, e)
	}
	for _, ex := range doc.Edges {
		created, err := parseTime(ex.CreatedAt)
		if err != nil {
			return err
		}
		st.edges = append(st.edges, domain.Edge{Source: ex.Source, Type: domain.EdgeType(ex.Type), Target: ex.Target, CreatedAt: created})
	}
	s.state = st
	return nil
}

func (s *Store) flush(st state) error {
	doc := document{}
	if st.meta != nil {
		doc.Metadata = encodeMeta(*st.meta)
	}
	for _, e := range st.entities {
		doc.Entities = append(doc.Entities, encodeEntity(e))
	}
	for _, e := range st.edges {
		doc.Edges = append(doc.Edges, edgeXML{Source: e.Source, Type: string(e.Type), Target: e.Target, CreatedAt: formatTime(e.CreatedAt)})
	}
	raw, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	raw = append([]byte(xml.Header), raw...)
	if err := renameio.WriteFile(s.path, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// Name returns the driver identifier.
func (s *Store) Name() string { return "xml" }

// Mode returns the open mode.
func (s *Store) Mode() domain.Mode { return s.mode }

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// Metadata returns the store header.
func (s *Store) Metadata(context.Context) (domain.StoreMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.meta == nil {
		return domain.StoreMetadata{}, &domain.NotFoundError{ID: "metadata"}
	}
	m := *s.state.meta
	m.Tags = slices.Clone(m.Tags)
	return m, nil
}

// WriteMetadata replaces the store header and rewrites the document.
func (s *Store) WriteMetadata(_ context.Context, meta domain.StoreMetadata) error {
	if err := persistence.CheckWritable(s.mode, "write metadata", s.path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	meta.Tags = slices.Clone(meta.Tags)
	next.meta = &meta
	if err := s.flush(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// ReadEntity returns a stored entity without its edges.
func (s *Store) ReadEntity(_ context.Context, id string) (domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.state.index[id]
	if !ok {
		return domain.Entity{}, &domain.NotFoundError{ID: id}
	}
	return s.state.entities[i].Clone(), nil
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

// WriteBatch applies the batch to a copy of the document, writes it, and
// swaps the copy in once the file is on disk.
func (s *Store) WriteBatch(_ context.Context, b domain.Batch) error {
	if err := persistence.CheckWritable(s.mode, "write batch", s.path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := persistence.StageBatch(s.schema, &b, s.state.lookup); err != nil {
		return err
	}
	next := s.state.clone()
	for _, e := range b.Entities {
		e = e.Clone()
		e.Edges = nil
		if i, ok := next.index[e.ID]; ok {
			next.entities[i] = e
			continue
		}
		next.index[e.ID] = len(next.entities)
		next.entities = append(next.entities, e)
	}
	for _, ed := range b.Edges {
		if !slices.ContainsFunc(next.edges, ed.Same) {
			next.edges = append(next.edges, ed)
		}
	}
	if err := s.flush(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// ReadEdges returns the outgoing edges of id in creation order.
func (s *Store) ReadEdges(_ context.Context, id string) ([]domain.Edge, error) {
	return s.filterEdges(id, func(e domain.Edge) bool { return e.Source == id })
}

// ReadIncoming returns the edges pointing at id.
func (s *Store) ReadIncoming(_ context.Context, id string) ([]domain.Edge, error) {
	return s.filterEdges(id, func(e domain.Edge) bool { return e.Target == id })
}

func (s *Store) filterEdges(id string, keep func(domain.Edge) bool) ([]domain.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.state.index[id]; !ok {
		return nil, &domain.NotFoundError{ID: id}
	}
	var out []domain.Edge
	for _, e := range s.state.edges {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Query lists entities of one type in document order.
func (s *Store) Query(ctx context.Context, t domain.EntityType, p domain.Predicate) iter.Seq2[domain.Entity, error] {
	return func(yield func(domain.Entity, error) bool) {
		s.mu.RLock()
		var matches []domain.Entity
		for _, e := range s.state.entities {
			if e.Type == t {
				matches = append(matches, e)
			}
		}
		s.mu.RUnlock()
		for _, e := range matches {
			if err := ctx.Err(); err != nil {
				yield(domain.Entity{}, err)
				return
			}
			if !p.Match(e) {
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.state.entities {
		if e.Type == t {
			n++
		}
	}
	return n, nil
}

// Close releases the writer lock. It is safe to call more than once.
func (s *Store) Close() error {
	s.once.Do(func() {
		if s.release != nil {
			s.err = s.release()
		}
	})
	return s.err
}

func encodeMeta(m domain.StoreMetadata) *metaXML {
	return &metaXML{
		SchemaVersion: m.SchemaVersion,
		CreatedBy:     m.CreatedBy,
		CreatedAt:     formatTime(m.CreatedAt),
		ModifiedAt:    formatTime(m.ModifiedAt),
		Tool:          m.Tool,
		ToolVersion:   m.ToolVersion,
		Driver:        m.Driver,
		Tags:          m.Tags,
	}
}

func (m metaXML) decode() (domain.StoreMetadata, error) {
	created, err := parseTime(m.CreatedAt)
	if err != nil {
		return domain.StoreMetadata{}, err
	}
	modified, err := parseTime(m.ModifiedAt)
	if err != nil {
		return domain.StoreMetadata{}, err
	}
	return domain.StoreMetadata{
		SchemaVersion: m.SchemaVersion,
		CreatedBy:     m.CreatedBy,
		CreatedAt:     created,
		ModifiedAt:    modified,
		Tool:          m.Tool,
		ToolVersion:   m.ToolVersion,
		Driver:        m.Driver,
		Tags:          m.Tags,
	}, nil
}

func encodeEntity(e domain.Entity) entityXML {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	out := entityXML{
		ID:         e.ID,
		Type:       string(e.Type),
		Hash:       e.Hash,
		CreatedAt:  formatTime(e.CreatedAt),
		ModifiedAt: formatTime(e.ModifiedAt),
		Tags:       e.Tags,
	}
	for _, name := range names {
		kind, text := domain.FormatValue(e.Fields[name])
		out.Fields = append(out.Fields, fieldXML{Name: name, Kind: string(kind), Value: text})
	}
	return out
}

func (x entityXML) decode(schema *domain.Schema) (domain.Entity, error) {
	t := domain.EntityType(x.Type)
	raw := make(map[string]any, len(x.Fields))
	for _, f := range x.Fields {
		v, err := domain.ParseValue(domain.Kind(f.Kind), f.Value)
		if err != nil {
			return domain.Entity{}, fmt.Errorf("decode %s.%s: %w", t, f.Name, err)
		}
		raw[f.Name] = v
	}
	fields, err := schema.Decode(t, raw)
	if err != nil {
		return domain.Entity{}, err
	}
	created, err := parseTime(x.CreatedAt)
	if err != nil {
		return domain.Entity{}, err
	}
	modified, err := parseTime(x.ModifiedAt)
	if err != nil {
		return domain.Entity{}, err
	}
	return domain.Entity{ID: x.ID, Type: t, Fields: fields, Tags: x.Tags, Hash: x.Hash, CreatedAt: created, ModifiedAt: modified}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}
