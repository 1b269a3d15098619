package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"streampipe/internal/media"
)

// FileStore is a filesystem-backed Store. Segments live under
// root/<content>/<resolution>/<sequence>.ts and every write is fsynced
// before Put returns.
type FileStore struct {
	root string
	mu   sync.Mutex
	sums map[media.SegmentKey]string
}

// NewFileStore creates the root directory if needed and returns a FileStore.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{root: root, sums: make(map[media.SegmentKey]string)}, nil
}

func (s *FileStore) path(key media.SegmentKey) string {
	return filepath.Join(s.root,
		string(key.ContentID),
		string(key.Resolution),
		strconv.FormatInt(key.Sequence, 10)+".ts")
}

// Put implements Store.Put. The segment is written to a temp file, fsynced,
// and renamed into place so a crash never leaves a partial segment visible.
func (s *FileStore) Put(key media.SegmentKey, data []byte) error {
	sum := Checksum(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.checksumLocked(key); ok {
		if existing == sum {
			return nil
		}
		return &media.ChecksumMismatchError{Key: key, Existing: existing, Incoming: sum}
	}

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return media.Transient(fmt.Errorf("create segment dir: %w", err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".seg-*")
	if err != nil {
		return media.Transient(fmt.Errorf("create temp segment: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return media.Transient(fmt.Errorf("write segment: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return media.Transient(fmt.Errorf("sync segment: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return media.Transient(fmt.Errorf("close segment: %w", err))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return media.Transient(fmt.Errorf("publish segment: %w", err))
	}

	s.sums[key] = sum
	return nil
}

// checksumLocked returns the known checksum for key, reading the file back if
// the process restarted since it was written.
func (s *FileStore) checksumLocked(key media.SegmentKey) (string, bool) {
	if sum, ok := s.sums[key]; ok {
		return sum, true
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return "", false
	}
	sum := Checksum(data)
	s.sums[key] = sum
	return sum, true
}

// Get implements Store.Get.
func (s *FileStore) Get(key media.SegmentKey) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, media.ErrNotFound
	}
	if err != nil {
		return nil, media.Transient(fmt.Errorf("read segment: %w", err))
	}
	return data, nil
}

// Exists implements Store.Exists.
func (s *FileStore) Exists(key media.SegmentKey) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}
