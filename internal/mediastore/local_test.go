package mediastore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestLocal(t *testing.T) *LocalBackend {
	t.Helper()
	backend, err := NewLocalBackend(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	return backend
}

func TestLocalImportRenamesSource(t *testing.T) {
	ctx := context.Background()
	backend := newTestLocal(t)

	src := filepath.Join(t.TempDir(), "pending-upload")
	if err := os.WriteFile(src, []byte("video bytes"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	key := VideoKey("alice", "abc")
	if err := backend.Import(ctx, key, src, "video/mp4"); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if _, err := os.Stat(src); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected source to be moved, stat err = %v", err)
	}
	info, err := backend.Stat(ctx, key)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != int64(len("video bytes")) {
		t.Fatalf("unexpected size %d", info.Size)
	}
	if info.ContentType != "video/mp4" {
		t.Fatalf("expected content type from extension, got %q", info.ContentType)
	}
}

func TestLocalReadRange(t *testing.T) {
	ctx := context.Background()
	backend := newTestLocal(t)
	key := "bob/video/range.mp4"
	if err := backend.Put(ctx, key, bytes.NewReader([]byte("0123456789")), "video/mp4"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	cases := []struct {
		name       string
		start, end int64
		want       string
	}{
		{name: "prefix", start: 0, end: 3, want: "0123"},
		{name: "middle", start: 4, end: 6, want: "456"},
		{name: "single byte", start: 9, end: 9, want: "9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc, err := backend.ReadRange(ctx, key, tc.start, tc.end)
			if err != nil {
				t.Fatalf("ReadRange: %v", err)
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(data) != tc.want {
				t.Fatalf("got %q, want %q", data, tc.want)
			}
		})
	}

	if _, err := backend.ReadRange(ctx, key, 5, 2); err == nil {
		t.Fatal("expected inverted range to fail")
	}
}

func TestLocalMissingObjects(t *testing.T) {
	ctx := context.Background()
	backend := newTestLocal(t)

	if _, err := backend.Stat(ctx, "nobody/video/missing.mp4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stat: expected ErrNotFound, got %v", err)
	}
	if _, err := backend.Open(ctx, "nobody/video/missing.mp4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open: expected ErrNotFound, got %v", err)
	}
	if _, err := backend.ReadRange(ctx, "nobody/video/missing.mp4", 0, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadRange: expected ErrNotFound, got %v", err)
	}
	if err := backend.Delete(ctx, "nobody/video/missing.mp4"); err != nil {
		t.Fatalf("Delete of missing object should succeed, got %v", err)
	}
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	backend := newTestLocal(t)
	for _, key := range []string{"", "../secret", "/etc/passwd", "a/../../b", `a\b`} {
		if _, err := backend.Stat(ctx, key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Stat(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestLocalEnsureNamespaceConcurrent(t *testing.T) {
	ctx := context.Background()
	backend := newTestLocal(t)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- backend.EnsureNamespace(ctx, NamespacePrefix("carol", KindVideo))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureNamespace: %v", err)
		}
	}
	info, err := os.Stat(filepath.Join(backend.Root(), "carol", "video"))
	if err != nil || !info.IsDir() {
		t.Fatalf("expected namespace directory, err = %v", err)
	}
}

func TestLocalDeleteRemovesObject(t *testing.T) {
	ctx := context.Background()
	backend := newTestLocal(t)
	key := ThumbnailKey("dave", "t1")
	if err := backend.Put(ctx, key, bytes.NewReader([]byte("jpeg")), "image/jpeg"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := backend.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := backend.Stat(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected object to be gone, got %v", err)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	backend, err := Open(context.Background(), Config{LocalRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if backend.Name() != DriverLocal {
		t.Fatalf("expected local backend, got %s", backend.Name())
	}
	if _, ok := Presigning(backend); ok {
		t.Fatal("local backend must not presign")
	}
	if _, err := Open(context.Background(), Config{Driver: "ftp"}); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}
