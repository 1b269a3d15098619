package store

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"streampipe/internal/media"
)

// Store is the durable, content-addressed home of encoded segments.
// Implementations must make Put durable before returning: the manifest
// builder's read-after-write guarantee rests on it.
type Store interface {
	// Put writes data under key. Rewriting an existing key with identical
	// bytes is a no-op; rewriting with different bytes returns a
	// *media.ChecksumMismatchError.
	Put(key media.SegmentKey, data []byte) error

	// Get returns the stored bytes, or media.ErrNotFound.
	Get(key media.SegmentKey) ([]byte, error)

	// Exists reports whether key has been durably stored.
	Exists(key media.SegmentKey) bool
}

// Checksum returns the hex SHA-256 digest of data, the identity used for
// idempotent rewrites.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MemoryStore is a concurrency-safe in-memory Store, used in tests and as the
// default backend when no data directory is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	segments map[media.SegmentKey][]byte
	sums     map[media.SegmentKey]string
}

// NewMemoryStore returns a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		segments: make(map[media.SegmentKey][]byte),
		sums:     make(map[media.SegmentKey]string),
	}
}

// Put implements Store.Put.
func (s *MemoryStore) Put(key media.SegmentKey, data []byte) error {
	sum := Checksum(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sums[key]; ok {
		if existing == sum {
			return nil
		}
		return &media.ChecksumMismatchError{Key: key, Existing: existing, Incoming: sum}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.segments[key] = buf
	s.sums[key] = sum
	return nil
}

// Get implements Store.Get.
func (s *MemoryStore) Get(key media.SegmentKey) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.segments[key]
	if !ok {
		return nil, media.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Exists implements Store.Exists.
func (s *MemoryStore) Exists(key media.SegmentKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sums[key]
	return ok
}
