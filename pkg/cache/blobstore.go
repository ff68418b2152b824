package cache

import (
	"context"
	"errors"
	"sync"
)

// ErrBlobNotFound indicates the durable store holds nothing under the key.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the durable tier behind a Manager. It stores one opaque
// snapshot per key and is only read when a Manager is constructed.
type BlobStore interface {
	// Load returns the blob stored under key or ErrBlobNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save replaces the blob stored under key.
	Save(ctx context.Context, key string, data []byte) error

	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// MemoryBlobStore keeps blobs in process memory. It outlives the Managers
// built on it, which is enough to model a browser session in tests and
// single-process tools.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs: make(map[string][]byte),
	}
}

func (s *MemoryBlobStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, nil
}

func (s *MemoryBlobStore) Save(_ context.Context, key string, data []byte) error {
	copied := make([]byte, len(data))
	copy(copied, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = copied
	return nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}
