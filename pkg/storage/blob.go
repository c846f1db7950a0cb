package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var (
	// ErrBlobNotFound is returned by Open when the key has no backing blob.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrInvalidKey is returned for keys that escape the store root.
	ErrInvalidKey = errors.New("invalid blob key")
)

// BlobStore persists binary assets under slash-separated relative keys.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete reports whether a blob was actually removed. A missing key is not an error.
	Delete(ctx context.Context, key string) (bool, error)
	// DeletePrefix removes every blob under prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Location describes where blobs live, for result summaries.
	Location(prefix string) string
}

// CleanKey validates a relative key and returns its canonical form.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}
