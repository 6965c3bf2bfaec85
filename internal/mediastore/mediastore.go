// Package mediastore persists video and thumbnail bytes.
//
// Two backends share one contract: a local filesystem root and an
// S3-compatible object store. Only the object store can presign URLs, so
// presigning lives on the separate Presigner interface and callers type-assert
// for it.
package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrNotFound reports that no object exists under the requested key.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey reports a key that is empty or would escape the backend root.
	ErrInvalidKey = errors.New("invalid object key")
)

// StorageError wraps any backend failure other than a missing object. The
// message is generic; the cause stays available through errors.Unwrap.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s failed", e.Op)
	}
	return fmt.Sprintf("storage %s %s failed", e.Op, e.Key)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func wrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ModTime     time.Time
	ContentType string
}

// PresignedRequest is a time-limited URL a client may call directly.
type PresignedRequest struct {
	URL       string      `json:"url"`
	Method    string      `json:"method"`
	Header    http.Header `json:"headers,omitempty"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Backend is the capability set shared by every storage implementation. Keys
// are slash-separated and relative, e.g. "alice/video/<uuid>.mp4".
type Backend interface {
	// Name identifies the backend in logs and configuration ("local", "s3").
	Name() string
	// EnsureNamespace provisions a key prefix. It is idempotent and safe to
	// call concurrently for the same prefix.
	EnsureNamespace(ctx context.Context, prefix string) error
	// Put stores body under key, replacing any existing object.
	Put(ctx context.Context, key string, body io.ReadSeeker, contentType string) error
	// Import takes ownership of the file at srcPath and stores it under key.
	// On success srcPath no longer exists.
	Import(ctx context.Context, key, srcPath, contentType string) error
	// Stat returns metadata for key or ErrNotFound.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// Open streams the whole object.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// ReadRange streams bytes [start, end] inclusive. Callers validate the
	// range against Stat first.
	ReadRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
	// Delete removes key. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// Presigner is implemented by backends that can hand out direct URLs.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (PresignedRequest, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (PresignedRequest, error)
}

// Presigning returns the backend's Presigner when it has one.
func Presigning(b Backend) (Presigner, bool) {
	p, ok := b.(Presigner)
	return p, ok
}
