package store

import (
	"errors"
	"testing"

	"streampipe/internal/media"
)

func testKey(seq int64) media.SegmentKey {
	return media.SegmentKey{ContentID: "c1", Resolution: "720p", Sequence: seq}
}

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	key := testKey(1)

	if err := s.Put(key, []byte("chunk-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "chunk-1" {
		t.Errorf("Get returned %q, want %q", data, "chunk-1")
	}
	if !s.Exists(key) {
		t.Error("Exists should be true after Put")
	}
}

func TestMemoryStore_Get_not_found(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(testKey(9)); !errors.Is(err, media.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if s.Exists(testKey(9)) {
		t.Error("Exists should be false for missing key")
	}
}

func TestMemoryStore_idempotent_rewrite(t *testing.T) {
	s := NewMemoryStore()
	key := testKey(1)

	if err := s.Put(key, []byte("same")); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := s.Put(key, []byte("same")); err != nil {
		t.Errorf("identical rewrite should be a no-op, got %v", err)
	}
}

func TestMemoryStore_checksum_mismatch(t *testing.T) {
	s := NewMemoryStore()
	key := testKey(1)

	if err := s.Put(key, []byte("original")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := s.Put(key, []byte("different"))
	var mismatch *media.ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ChecksumMismatchError, got %v", err)
	}
	if mismatch.Key != key {
		t.Errorf("mismatch key = %v, want %v", mismatch.Key, key)
	}
}

func TestFileStore_PutGet(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	key := testKey(3)

	if err := s.Put(key, []byte("chunk-3")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "chunk-3" {
		t.Errorf("Get returned %q, want %q", data, "chunk-3")
	}
	if !s.Exists(key) {
		t.Error("Exists should be true after Put")
	}
	if s.Exists(testKey(4)) {
		t.Error("Exists should be false for unwritten key")
	}
}

func TestFileStore_idempotent_rewrite_and_mismatch(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	key := testKey(1)

	if err := s.Put(key, []byte("same")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(key, []byte("same")); err != nil {
		t.Errorf("identical rewrite should be a no-op, got %v", err)
	}

	err = s.Put(key, []byte("tampered"))
	var mismatch *media.ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ChecksumMismatchError, got %v", err)
	}
}

func TestFileStore_survives_reopen(t *testing.T) {
	dir := t.TempDir()
	key := testKey(1)

	s1, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s1.Put(key, []byte("durable")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A fresh store over the same root must see the segment and still detect
	// a conflicting rewrite.
	s2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore reopen: %v", err)
	}
	if !s2.Exists(key) {
		t.Error("reopened store should see existing segment")
	}
	if err := s2.Put(key, []byte("durable")); err != nil {
		t.Errorf("identical rewrite after reopen should be a no-op, got %v", err)
	}
	var mismatch *media.ChecksumMismatchError
	if err := s2.Put(key, []byte("evil")); !errors.As(err, &mismatch) {
		t.Errorf("expected ChecksumMismatchError after reopen, got %v", err)
	}
}
