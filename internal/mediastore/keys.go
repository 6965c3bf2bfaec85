package mediastore

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/secure/precis"
)

// Object kinds double as the namespace directory under each user.
const (
	KindVideo     = "video"
	KindThumbnail = "thumbnail"
)

const (
	VideoExt     = ".mp4"
	ThumbnailExt = ".jpeg"
)

// UserNamespace turns a username into the storage segment that holds the
// user's media. Names are normalised with the PRECIS UsernameCasePreserved
// profile and must not contain path separators.
func UserNamespace(username string) (string, error) {
	normalized, err := precis.UsernameCasePreserved.String(strings.TrimSpace(username))
	if err != nil {
		return "", fmt.Errorf("%w: username %q: %v", ErrInvalidKey, username, err)
	}
	if normalized == "" || normalized == "." || normalized == ".." || strings.ContainsAny(normalized, `/\`) {
		return "", fmt.Errorf("%w: username %q", ErrInvalidKey, username)
	}
	return normalized, nil
}

// NamespacePrefix returns the directory prefix for one kind of object owned by
// a namespace, e.g. "alice/video".
func NamespacePrefix(namespace, kind string) string {
	return path.Join(namespace, kind)
}

// ObjectKey joins a namespace, kind, and file name into a backend key.
func ObjectKey(namespace, kind, filename string) string {
	return path.Join(namespace, kind, filename)
}

// VideoKey is the key of the video file named id.
func VideoKey(namespace, id string) string {
	return ObjectKey(namespace, KindVideo, id+VideoExt)
}

// ThumbnailKey is the key of the thumbnail file named id.
func ThumbnailKey(namespace, id string) string {
	return ObjectKey(namespace, KindThumbnail, id+ThumbnailExt)
}

// CleanKey validates a relative key and returns its canonical form.
func CleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || strings.HasPrefix(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}
