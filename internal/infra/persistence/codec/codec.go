// Package codec encodes entities, edges and store metadata with msgpack for
// the key-value and relational drivers.
package codec

import (
	"fmt"
	"time"

	"spectroscopy/pkg/domain"

	"github.com/vmihailenco/msgpack"
)

type entityRecord struct {
	ID         string         `msgpack:"id"`
	Type       string         `msgpack:"type"`
	Fields     map[string]any `msgpack:"fields"`
	Tags       []string       `msgpack:"tags,omitempty"`
	Hash       string         `msgpack:"hash,omitempty"`
	CreatedAt  time.Time      `msgpack:"created_at"`
	ModifiedAt time.Time      `msgpack:"modified_at"`
}

type edgeRecord struct {
	Source    string    `msgpack:"s"`
	Type      string    `msgpack:"t"`
	Target    string    `msgpack:"d"`
	CreatedAt time.Time `msgpack:"c"`
}

// EncodeEntity serialises an entity without its edge set.
func EncodeEntity(e domain.Entity) ([]byte, error) {
	rec := entityRecord{
		ID:         e.ID,
		Type:       string(e.Type),
		Fields:     map[string]any(e.Fields),
		Tags:       e.Tags,
		Hash:       e.Hash,
		CreatedAt:  e.CreatedAt,
		ModifiedAt: e.ModifiedAt,
	}
	b, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", e.Type, e.ID, err)
	}
	return b, nil
}

// DecodeEntity restores an entity, coercing field values through the schema.
func DecodeEntity(schema *domain.Schema, data []byte) (domain.Entity, error) {
	var rec entityRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return domain.Entity{}, fmt.Errorf("decode entity: %w", err)
	}
	t := domain.EntityType(rec.Type)
	fields, err := schema.Decode(t, rec.Fields)
	if err != nil {
		return domain.Entity{}, err
	}
	return domain.Entity{
		ID:         rec.ID,
		Type:       t,
		Fields:     fields,
		Tags:       rec.Tags,
		Hash:       rec.Hash,
		CreatedAt:  utc(rec.CreatedAt),
		ModifiedAt: utc(rec.ModifiedAt),
	}, nil
}

// EncodeFields serialises a field map for stores that keep the envelope in columns.
func EncodeFields(f domain.Fields) ([]byte, error) {
	return msgpack.Marshal(map[string]any(f))
}

// DecodeFields reverses EncodeFields.
func DecodeFields(schema *domain.Schema, t domain.EntityType, data []byte) (domain.Fields, error) {
	var raw map[string]any
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode %s fields: %w", t, err)
	}
	return schema.Decode(t, raw)
}

// EncodeStrings serialises a tag list; nil encodes to nil.
func EncodeStrings(v []string) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return msgpack.Marshal(v)
}

// DecodeStrings reverses EncodeStrings.
func DecodeStrings(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []string
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return out, nil
}

// EncodeEdge serialises an edge.
func EncodeEdge(e domain.Edge) ([]byte, error) {
	return msgpack.Marshal(&edgeRecord{Source: e.Source, Type: string(e.Type), Target: e.Target, CreatedAt: e.CreatedAt})
}

// DecodeEdge reverses EncodeEdge.
func DecodeEdge(data []byte) (domain.Edge, error) {
	var rec edgeRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return domain.Edge{}, fmt.Errorf("decode edge: %w", err)
	}
	return domain.Edge{Source: rec.Source, Type: domain.EdgeType(rec.Type), Target: rec.Target, CreatedAt: utc(rec.CreatedAt)}, nil
}

// EncodeMetadata serialises the store header.
func EncodeMetadata(m domain.StoreMetadata) ([]byte, error) {
	return msgpack.Marshal(&m)
}

// DecodeMetadata reverses EncodeMetadata.
func DecodeMetadata(data []byte) (domain.StoreMetadata, error) {
	var m domain.StoreMetadata
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return domain.StoreMetadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	m.CreatedAt = utc(m.CreatedAt)
	m.ModifiedAt = utc(m.ModifiedAt)
	return m, nil
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
