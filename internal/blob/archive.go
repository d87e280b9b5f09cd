package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"spectroscopy/pkg/domain"
)

// ArchivePrefix is the key namespace for archived raw sources.
const ArchivePrefix = "raw/"

// Metadata keys written alongside archived sources.
const (
	MetaSourceName = "source-name"
	MetaSHA256     = "sha256"
)

// Archive stores raw source files under raw/<sha256 of content>. Archiving
// identical content twice yields the same key.
type Archive struct {
	store Store
}

var _ domain.SourceArchive = (*Archive)(nil)

// NewArchive wraps store.
func NewArchive(store Store) *Archive {
	return &Archive{store: store}
}

// Store returns the underlying blob store.
func (a *Archive) Store() Store { return a.store }

// KeyFor returns the archive key for data.
func KeyFor(data []byte) string {
	sum := sha256.Sum256(data)
	return ArchivePrefix + hex.EncodeToString(sum[:])
}

// Key implements domain.SourceArchive.
func (a *Archive) Key(data []byte) string { return KeyFor(data) }

// Archive implements domain.SourceArchive.
func (a *Archive) Archive(ctx context.Context, name string, data []byte) (string, error) {
	key := KeyFor(data)
	_, err := a.store.Put(ctx, key, bytes.NewReader(data), PutOptions{
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			MetaSourceName: path.Base(name),
			MetaSHA256:     strings.TrimPrefix(key, ArchivePrefix),
		},
	})
	if err != nil && !errors.Is(err, ErrExists) {
		return "", fmt.Errorf("archive %s: %w", name, err)
	}
	return key, nil
}

// Fetch reads an archived source back and checks its digest against the key.
func (a *Archive) Fetch(ctx context.Context, key string) ([]byte, Info, error) {
	if !strings.HasPrefix(key, ArchivePrefix) {
		return nil, Info{}, fmt.Errorf("%s is not an archive key", key)
	}
	info, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, Info{}, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, Info{}, err
	}
	if KeyFor(data) != key {
		return nil, info, fmt.Errorf("archived source %s does not match its digest", key)
	}
	return data, info, nil
}

// Sources lists every archived source.
func (a *Archive) Sources(ctx context.Context) ([]Info, error) {
	return a.store.List(ctx, ArchivePrefix)
}
