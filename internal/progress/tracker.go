// Package progress tracks playback resume positions per (user, content).
// Records are last-writer-wins by sample time, so retries and out-of-order
// delivery from clients never move a position backwards.
package progress

import (
	"context"
	"sync"

	"streampipe/internal/media"
)

// Tracker records and resolves playback positions.
type Tracker interface {
	// Record stores a position sample. A sample older than the stored one is
	// ignored; re-recording an identical sample is a no-op.
	Record(ctx context.Context, p media.WatchProgress) error

	// Resolve returns the latest position for the pair, reporting whether one
	// exists.
	Resolve(ctx context.Context, userID string, contentID media.ContentID) (media.WatchProgress, bool, error)
}

// SegmentIndex maps a playback position in seconds onto the zero-based index
// of the segment containing it, given the ordered segment durations. Positions
// past the end clamp to the last segment, negative positions to the first.
func SegmentIndex(position float64, durations []float64) int {
	if len(durations) == 0 {
		return 0
	}
	var elapsed float64
	for i, d := range durations {
		elapsed += d
		if position < elapsed {
			return i
		}
	}
	return len(durations) - 1
}

// MemoryTracker is an in-process Tracker for tests and single-node setups.
type MemoryTracker struct {
	mu      sync.RWMutex
	entries map[progressKey]media.WatchProgress
}

type progressKey struct {
	userID    string
	contentID media.ContentID
}

// NewMemoryTracker returns an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{entries: make(map[progressKey]media.WatchProgress)}
}

// Record implements Tracker.
func (t *MemoryTracker) Record(_ context.Context, p media.WatchProgress) error {
	key := progressKey{userID: p.UserID, contentID: p.ContentID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[key]; ok && cur.UpdatedAt.After(p.UpdatedAt) {
		return nil
	}
	t.entries[key] = p
	return nil
}

// Resolve implements Tracker.
func (t *MemoryTracker) Resolve(_ context.Context, userID string, contentID media.ContentID) (media.WatchProgress, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.entries[progressKey{userID: userID, contentID: contentID}]
	return p, ok, nil
}
