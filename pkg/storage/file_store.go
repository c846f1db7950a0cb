package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemBlobStore saves blobs to disk under a base directory.
type FilesystemBlobStore struct {
	basePath string
}

// NewFilesystemBlobStore creates the base directory if missing.
func NewFilesystemBlobStore(basePath string) (*FilesystemBlobStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FilesystemBlobStore{basePath: basePath}, nil
}

// Put writes the blob through a temp file and renames it into place.
func (f *FilesystemBlobStore) Put(_ context.Context, key string, data []byte, _ string) error {
	target, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// Exists reports whether a regular file backs the key.
func (f *FilesystemBlobStore) Exists(_ context.Context, key string) (bool, error) {
	target, err := f.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat file: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

// Open streams the blob.
func (f *FilesystemBlobStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	target, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

// Delete removes one file.
func (f *FilesystemBlobStore) Delete(_ context.Context, key string) (bool, error) {
	target, err := f.resolve(key)
	if err != nil {
		return false, err
	}
	err = os.Remove(target)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete file: %w", err)
	}
	return true, nil
}

// DeletePrefix removes the directory tree under prefix. A missing directory is a no-op.
func (f *FilesystemBlobStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	target, err := f.resolve(prefix)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	removed := 0
	walkErr := filepath.WalkDir(target, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			removed++
		}
		return nil
	})
	if walkErr != nil {
		return 0, fmt.Errorf("scan dir: %w", walkErr)
	}
	if err := os.RemoveAll(target); err != nil {
		return 0, fmt.Errorf("remove dir: %w", err)
	}
	return removed, nil
}

// Location returns the on-disk directory for prefix.
func (f *FilesystemBlobStore) Location(prefix string) string {
	return "filesystem: " + filepath.ToSlash(filepath.Join(f.basePath, prefix)) + "/"
}

func (f *FilesystemBlobStore) resolve(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.basePath, filepath.FromSlash(cleaned)), nil
}
