package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"spectroscopy/internal/blob/core"
)

func TestMockStorePutGetHead(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests("spectro")
	if store.Driver() != core.DriverS3 {
		t.Fatalf("unexpected driver %s", store.Driver())
	}
	info, err := store.Put(ctx, "raw/abc", strings.NewReader("scan data"), core.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"format": "FLYSPEC"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "raw/abc" || info.Size != int64(len("scan data")) {
		t.Fatalf("unexpected info %+v", info)
	}
	got, rc, err := store.Get(ctx, "raw/abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = rc.Close() }()
	body, _ := io.ReadAll(rc)
	if string(body) != "scan data" || got.ContentType != "application/octet-stream" {
		t.Fatalf("unexpected object %q %+v", body, got)
	}
	if got.Metadata["format"] != "FLYSPEC" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
}

func TestMockStoreCreateOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests("")
	if _, err := store.Put(ctx, "k", strings.NewReader("a"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "k", strings.NewReader("b"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestMockStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests("")
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
}

func TestMockStoreListStripsPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests("archive/")
	for _, k := range []string{"raw/b", "raw/a", "other/c"} {
		if _, err := store.Put(ctx, k, strings.NewReader(k), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	infos, err := store.List(ctx, "raw/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "raw/a" || infos[1].Key != "raw/b" {
		t.Fatalf("unexpected listing %+v", infos)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestDecodeChunked(t *testing.T) {
	body, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\nx-amz-checksum-crc32:abc\r\n\r\n"))
	if !ok || string(body) != "hello" {
		t.Fatalf("unexpected decode %q %v", body, ok)
	}
	if _, ok := decodeChunked([]byte("plain")); ok {
		t.Fatal("plain payload must not decode")
	}
}
