// Package memory keeps cached bodies in process memory for development runs
// and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

const scheme = "memory://"

// BlobStore is a map-backed crawler.BlobStore and crawler.BlobLocator.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	puts  int64
}

// NewBlobStore returns an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: map[string][]byte{}}
}

// PutObject stores a private copy of data under path.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return "", fmt.Errorf("memory blob %q: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = buf.Bytes()
	s.puts++
	return scheme + path, nil
}

// Locate reports whether path holds a blob.
func (s *BlobStore) Locate(_ context.Context, path string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.blobs[path]; !ok {
		return "", false, nil
	}
	return scheme + path, true, nil
}

// GetObject returns a copy of the blob at path.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	if !ok {
		return nil, fmt.Errorf("memory blob %q: not found", path)
	}
	return bytes.Clone(b), nil
}

// Len is the number of distinct paths stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Puts counts PutObject calls, including overwrites.
func (s *BlobStore) Puts() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
