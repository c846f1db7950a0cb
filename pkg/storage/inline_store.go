package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
)

// InlineRecord is the database record small blobs are embedded in.
type InlineRecord interface {
	Save(key string, data []byte, contentType string) error
	Load(key string) ([]byte, bool, error)
	// Clear removes key and every key under it, returning how many blobs were dropped.
	Clear(key string) (int, error)
}

// InlineBlobStore stores assets inside their owning record instead of a
// separate file or object store. Used for thumbnails.
type InlineBlobStore struct {
	record InlineRecord
	label  string
}

// NewInlineBlobStore returns an inline store over record. A nil record keeps
// blobs in process memory.
func NewInlineBlobStore(label string, record InlineRecord) *InlineBlobStore {
	if strings.TrimSpace(label) == "" {
		label = "memory"
	}
	if record == nil {
		record = newMemoryRecord()
	}
	return &InlineBlobStore{record: record, label: label}
}

func (s *InlineBlobStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	return s.record.Save(key, data, contentType)
}

func (s *InlineBlobStore) Exists(_ context.Context, key string) (bool, error) {
	key, err := CleanKey(key)
	if err != nil {
		return false, err
	}
	_, ok, err := s.record.Load(key)
	return ok, err
}

func (s *InlineBlobStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	data, ok, err := s.record.Load(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *InlineBlobStore) Delete(_ context.Context, key string) (bool, error) {
	key, err := CleanKey(key)
	if err != nil {
		return false, err
	}
	n, err := s.record.Clear(key)
	return n > 0, err
}

func (s *InlineBlobStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	prefix, err := CleanKey(prefix)
	if err != nil {
		return 0, err
	}
	return s.record.Clear(prefix)
}

func (s *InlineBlobStore) Location(string) string {
	return s.label
}

type memoryRecord struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func newMemoryRecord() *memoryRecord {
	return &memoryRecord{blobs: make(map[string][]byte)}
}

func (m *memoryRecord) Save(key string, data []byte, _ string) error {
	m.mu.Lock()
	m.blobs[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *memoryRecord) Load(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	return data, ok, nil
}

func (m *memoryRecord) Clear(key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k := range m.blobs {
		if k == key || strings.HasPrefix(k, key+"/") {
			delete(m.blobs, k)
			removed++
		}
	}
	return removed, nil
}
