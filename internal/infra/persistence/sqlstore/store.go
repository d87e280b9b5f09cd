// Package sqlstore implements the relational storage driver over database/sql.
// Each entity type has its own table keyed by an autoincrement sequence that
// fixes creation order; an index table maps ids to types and a single edges
// table holds every relationship.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"
	"time"

	"spectroscopy/internal/entitymodel/sqlbundle"
	"spectroscopy/internal/infra/persistence"
	"spectroscopy/internal/infra/persistence/codec"
	"spectroscopy/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the driver interface.
var _ domain.Driver = (*Store)(nil)

// Dialect captures the differences between SQL backends.
type Dialect struct {
	Name string
	DDL  string
	// Rebind rewrites "?" placeholders for the backend. Nil keeps them.
	Rebind func(query string) string
}

// DollarPlaceholders rewrites "?" into "$1", "$2", ... for Postgres.
func DollarPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const metadataKey = "store"

// Store is a relational driver handle. Release, when set, is called once on
// Close before the database is closed.
type Store struct {
	db      *sql.DB
	dialect Dialect
	path    string
	mode    domain.Mode
	schema  *domain.Schema
	release func() error
	mu      sync.Mutex
	once    sync.Once
	err     error
}

// New wraps an open database. Callers apply the DDL with Migrate.
func New(db *sql.DB, d Dialect, opts persistence.Options, release func() error) *Store {
	opts = opts.WithDefaults()
	return &Store{db: db, dialect: d, path: opts.Path, mode: opts.Mode, schema: opts.Schema, release: release}
}

// Migrate applies the dialect DDL. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range sqlbundle.SplitStatements(s.dialect.DDL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Name returns the driver identifier.
func (s *Store) Name() string { return s.dialect.Name }

// Mode returns the open mode.
func (s *Store) Mode() domain.Mode { return s.mode }

// Path returns the database location.
func (s *Store) Path() string { return s.path }

func (s *Store) q(query string) string {
	if s.dialect.Rebind == nil {
		return query
	}
	return s.dialect.Rebind(query)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) table(t domain.EntityType) (string, error) {
	if _, ok := s.schema.Type(t); !ok {
		return "", &domain.SchemaViolationError{Entity: t, Reason: "unknown entity type"}
	}
	return sqlbundle.TableName(t), nil
}

// Metadata returns the store header.
func (s *Store) Metadata(ctx context.Context) (domain.StoreMetadata, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, s.q(`SELECT payload FROM metadata WHERE key = ?`), metadataKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StoreMetadata{}, &domain.NotFoundError{ID: "metadata"}
	}
	if err != nil {
		return domain.StoreMetadata{}, fmt.Errorf("select metadata: %w", err)
	}
	return codec.DecodeMetadata(raw)
}

// WriteMetadata replaces the store header.
func (s *Store) WriteMetadata(ctx context.Context, meta domain.StoreMetadata) error {
	if err := persistence.CheckWritable(s.mode, "write metadata", s.path); err != nil {
		return err
	}
	raw, err := codec.EncodeMetadata(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO metadata(key, payload) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET payload = excluded.payload`), metadataKey, raw)
	if err != nil {
		return fmt.Errorf("upsert metadata: %w", err)
	}
	return nil
}

func (s *Store) lookupWith(ctx context.Context, q querier) persistence.Lookup {
	return func(id string) (domain.EntityType, bool, error) {
		var t string
		err := q.QueryRowContext(ctx, s.q(`SELECT entity_type FROM entity_index WHERE id = ?`), id).Scan(&t)
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("select entity_index: %w", err)
		}
		return domain.EntityType(t), true, nil
	}
}

const entityColumns = `id, hash, tags, created_at, modified_at, fields`

type entityRow struct {
	seq      int64
	id       string
	hash     string
	tags     []byte
	created  string
	modified string
	fields   []byte
}

func (s *Store) decodeRow(t domain.EntityType, r entityRow) (domain.Entity, error) {
	fields, err := codec.DecodeFields(s.schema, t, r.fields)
	if err != nil {
		return domain.Entity{}, err
	}
	tags, err := codec.DecodeStrings(r.tags)
	if err != nil {
		return domain.Entity{}, err
	}
	created, err := parseTime(r.created)
	if err != nil {
		return domain.Entity{}, err
	}
	modified, err := parseTime(r.modified)
	if err != nil {
		return domain.Entity{}, err
	}
	return domain.Entity{ID: r.id, Type: t, Fields: fields, Tags: tags, Hash: r.hash, CreatedAt: created, ModifiedAt: modified}, nil
}

// ReadEntity returns a stored entity without its edges.
func (s *Store) ReadEntity(ctx context.Context, id string) (domain.Entity, error) {
	t, ok, err := s.lookupWith(ctx, s.db)(id)
	if err != nil {
		return domain.Entity{}, err
	}
	if !ok {
		return domain.Entity{}, &domain.NotFoundError{ID: id}
	}
	table, err := s.table(t)
	if err != nil {
		return domain.Entity{}, err
	}
	var r entityRow
	err = s.db.QueryRowContext(ctx, s.q(`SELECT `+entityColumns+` FROM `+table+` WHERE id = ?`), id).
		Scan(&r.id, &r.hash, &r.tags, &r.created, &r.modified, &r.fields)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entity{}, &domain.NotFoundError{Entity: t, ID: id}
	}
	if err != nil {
		return domain.Entity{}, fmt.Errorf("select %s: %w", table, err)
	}
	return s.decodeRow(t, r)
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

// WriteBatch persists entities and edges in one SQL transaction.
func (s *Store) WriteBatch(ctx context.Context, b domain.Batch) (retErr error) {
	if err := persistence.CheckWritable(s.mode, "write batch", s.path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	lookup := s.lookupWith(ctx, tx)
	if err := persistence.StageBatch(s.schema, &b, lookup); err != nil {
		return err
	}
	for _, e := range b.Entities {
		if err := s.putEntity(ctx, tx, lookup, e); err != nil {
			return err
		}
	}
	for _, ed := range b.Edges {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO edges(source_id, edge_type, target_id, created_at) VALUES(?, ?, ?, ?) ON CONFLICT(source_id, edge_type, target_id) DO NOTHING`),
			ed.Source, string(ed.Type), ed.Target, formatTime(ed.CreatedAt)); err != nil {
			return fmt.Errorf("insert edge %s: %w", ed.Type, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) putEntity(ctx context.Context, tx *sql.Tx, lookup persistence.Lookup, e domain.Entity) error {
	table, err := s.table(e.Type)
	if err != nil {
		return err
	}
	fields, err := codec.EncodeFields(e.Fields)
	if err != nil {
		return err
	}
	tags, err := codec.EncodeStrings(e.Tags)
	if err != nil {
		return err
	}
	_, exists, err := lookup(e.ID)
	if err != nil {
		return err
	}
	if exists {
		_, err = tx.ExecContext(ctx, s.q(`UPDATE `+table+` SET hash = ?, tags = ?, created_at = ?, modified_at = ?, fields = ? WHERE id = ?`),
			e.Hash, tags, formatTime(e.CreatedAt), formatTime(e.ModifiedAt), fields, e.ID)
		if err != nil {
			return fmt.Errorf("update %s: %w", table, err)
		}
		return nil
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO entity_index(id, entity_type) VALUES(?, ?)`), e.ID, string(e.Type)); err != nil {
		return fmt.Errorf("insert entity_index: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO `+table+`(`+entityColumns+`) VALUES(?, ?, ?, ?, ?, ?)`),
		e.ID, e.Hash, tags, formatTime(e.CreatedAt), formatTime(e.ModifiedAt), fields)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// ReadEdges returns the outgoing edges of id in creation order.
func (s *Store) ReadEdges(ctx context.Context, id string) ([]domain.Edge, error) {
	return s.readEdges(ctx, id, "source_id")
}

// ReadIncoming returns the edges pointing at id.
func (s *Store) ReadIncoming(ctx context.Context, id string) ([]domain.Edge, error) {
	return s.readEdges(ctx, id, "target_id")
}

func (s *Store) readEdges(ctx context.Context, id, column string) ([]domain.Edge, error) {
	if _, ok, err := s.lookupWith(ctx, s.db)(id); err != nil || !ok {
		if err == nil {
			err = &domain.NotFoundError{ID: id}
		}
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT source_id, edge_type, target_id, created_at FROM edges WHERE `+column+` = ? ORDER BY seq`), id)
	if err != nil {
		return nil, fmt.Errorf("select edges: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var edges []domain.Edge
	for rows.Next() {
		var e domain.Edge
		var typ, created string
		if err := rows.Scan(&e.Source, &typ, &e.Target, &created); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Type = domain.EdgeType(typ)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return edges, nil
}

// Query lists entities of one type in creation order. Each page is read and
// its rows closed before any entity is yielded.
func (s *Store) Query(ctx context.Context, t domain.EntityType, p domain.Predicate) iter.Seq2[domain.Entity, error] {
	return persistence.Paginate(ctx, func(cursor string) ([]domain.Entity, string, error) {
		table, err := s.table(t)
		if err != nil {
			return nil, "", err
		}
		var after int64
		if cursor != "" {
			if after, err = strconv.ParseInt(cursor, 10, 64); err != nil {
				return nil, "", fmt.Errorf("invalid cursor %q: %w", cursor, err)
			}
		}
		raws, err := s.loadPage(ctx, table, after)
		if err != nil {
			return nil, "", err
		}
		page := make([]domain.Entity, 0, len(raws))
		for _, r := range raws {
			e, err := s.decodeRow(t, r)
			if err != nil {
				return nil, "", err
			}
			if p.Match(e) {
				page = append(page, e)
			}
		}
		next := ""
		if len(raws) == persistence.PageSize {
			next = strconv.FormatInt(raws[len(raws)-1].seq, 10)
		}
		return page, next, nil
	})
}

func (s *Store) loadPage(ctx context.Context, table string, after int64) ([]entityRow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT seq, `+entityColumns+` FROM `+table+` WHERE seq > ? ORDER BY seq LIMIT ?`), after, persistence.PageSize)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	var out []entityRow
	for rows.Next() {
		var r entityRow
		if err := rows.Scan(&r.seq, &r.id, &r.hash, &r.tags, &r.created, &r.modified, &r.fields); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

// Count returns the number of stored entities of a type.
func (s *Store) Count(ctx context.Context, t domain.EntityType) (int, error) {
	table, err := s.table(t)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Close closes the database and releases the writer lock. It is safe to
// call more than once.
func (s *Store) Close() error {
	s.once.Do(func() {
		if s.release != nil {
			s.err = s.release()
		}
		s.err = errors.Join(s.err, s.db.Close())
	})
	return s.err
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
