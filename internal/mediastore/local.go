package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// DefaultLocalRoot is the directory the local backend writes under when no
// root is configured.
const DefaultLocalRoot = "uploads"

// LocalBackend stores objects as files beneath a root directory.
type LocalBackend struct {
	root string
}

// NewLocalBackend prepares a backend rooted at dir, creating it when absent.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultLocalRoot
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalBackend{root: abs}, nil
}

func (b *LocalBackend) Name() string { return "local" }

// Root returns the absolute directory objects are stored under.
func (b *LocalBackend) Root() string { return b.root }

// Path resolves key to a file path inside the root.
func (b *LocalBackend) Path(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	full := filepath.Join(b.root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(b.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return full, nil
}

func (b *LocalBackend) EnsureNamespace(_ context.Context, prefix string) error {
	dir, err := b.Path(prefix)
	if err != nil {
		return err
	}
	return wrapErr("mkdir", prefix, os.MkdirAll(dir, 0o755))
}

func (b *LocalBackend) Put(ctx context.Context, key string, body io.ReadSeeker, _ string) error {
	target, err := b.Path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return wrapErr("put", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return wrapErr("put", key, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return wrapErr("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return wrapErr("put", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return wrapErr("put", key, err)
	}
	return nil
}

// Import renames srcPath into place. Renames across filesystems fall back to
// a copy followed by removal of the source.
func (b *LocalBackend) Import(ctx context.Context, key, srcPath, contentType string) error {
	target, err := b.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return wrapErr("import", key, err)
	}
	err = os.Rename(srcPath, target)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return wrapErr("import", key, err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return wrapErr("import", key, err)
	}
	putErr := b.Put(ctx, key, src, contentType)
	_ = src.Close()
	if putErr != nil {
		return putErr
	}
	return wrapErr("import", key, os.Remove(srcPath))
}

func (b *LocalBackend) Stat(_ context.Context, key string) (ObjectInfo, error) {
	target, err := b.Path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return ObjectInfo{}, b.mapErr("stat", key, err)
	}
	if info.IsDir() {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{
		Key:         key,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentType: contentTypeFor(target),
	}, nil
}

func (b *LocalBackend) Open(_ context.Context, key string) (io.ReadCloser, error) {
	target, err := b.Path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if err != nil {
		return nil, b.mapErr("open", key, err)
	}
	return file, nil
}

func (b *LocalBackend) ReadRange(_ context.Context, key string, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, &StorageError{Op: "read", Key: key, Err: fmt.Errorf("invalid range %d-%d", start, end)}
	}
	target, err := b.Path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if err != nil {
		return nil, b.mapErr("read", key, err)
	}
	return &sectionReadCloser{
		Reader: io.NewSectionReader(file, start, end-start+1),
		closer: file,
	}, nil
}

func (b *LocalBackend) Delete(_ context.Context, key string) error {
	target, err := b.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wrapErr("delete", key, err)
	}
	return nil
}

func (b *LocalBackend) mapErr(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return wrapErr(op, key, err)
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case VideoExt:
		return "video/mp4"
	case ThumbnailExt, ".jpg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return mime.TypeByExtension(filepath.Ext(name))
	}
}

type sectionReadCloser struct {
	io.Reader
	closer io.Closer
}

func (s *sectionReadCloser) Close() error {
	return s.closer.Close()
}
