package manifest

import (
	"errors"
	"slices"
	"sync"

	"streampipe/internal/media"
	"streampipe/internal/store"
)

var (
	// ErrFinalized is returned when appending to a manifest that has already
	// been finalized (ready or closed).
	ErrFinalized = errors.New("manifest is finalized")

	// ErrUnknownRendition is returned when appending to a resolution the
	// manifest was not opened with.
	ErrUnknownRendition = errors.New("unknown rendition")

	// ErrRenditionOpen is returned by Finalize while some rendition has not
	// been marked ended.
	ErrRenditionOpen = errors.New("rendition still open")
)

// Builder is the sole writer of manifest state. Appends for different
// resolutions of the same content proceed in parallel; appends to one
// (content, resolution) are strictly serialized.
type Builder struct {
	mu       sync.RWMutex
	segments store.Store
	contents map[media.ContentID]*contentState
}

type contentState struct {
	mu         sync.Mutex
	status     media.ManifestStatus
	version    uint64
	renditions map[media.Resolution]*renditionState
}

type renditionState struct {
	mu       sync.Mutex
	segments []media.Segment
	ended    bool
}

// NewBuilder returns a Builder that verifies every appended segment against
// the given segment store before advertising it.
func NewBuilder(segments store.Store) *Builder {
	return &Builder{
		segments: segments,
		contents: make(map[media.ContentID]*contentState),
	}
}

// Open creates the manifest for content with one empty rendition per
// resolution. status must be ManifestBuilding (VOD) or ManifestLive.
// Opening an existing manifest is a no-op.
func (b *Builder) Open(content media.ContentID, resolutions []media.Resolution, status media.ManifestStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.contents[content]
	if !ok {
		cs = &contentState{
			status:     status,
			renditions: make(map[media.Resolution]*renditionState),
		}
		b.contents[content] = cs
	}
	for _, res := range resolutions {
		if _, ok := cs.renditions[res]; !ok {
			cs.renditions[res] = &renditionState{}
		}
	}
}

func (b *Builder) content(id media.ContentID) (*contentState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cs, ok := b.contents[id]
	return cs, ok
}

// Append records the next segment for (content, resolution) and returns the
// new manifest version. Sequences must arrive contiguously: a gap or a
// regression past the idempotency window is a fatal *media.SequenceGapError.
// Re-appending the last stored segment with an identical checksum is a no-op.
// A segment that is not durably present in the segment store is rejected.
func (b *Builder) Append(content media.ContentID, resolution media.Resolution, seg media.Segment) (uint64, error) {
	cs, ok := b.content(content)
	if !ok {
		return 0, media.ErrNotFound
	}

	cs.mu.Lock()
	status := cs.status
	rs, ok := cs.renditions[resolution]
	cs.mu.Unlock()
	if !ok {
		return 0, ErrUnknownRendition
	}
	if status == media.ManifestReady || status == media.ManifestClosed {
		return 0, ErrFinalized
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	want := int64(1)
	if n := len(rs.segments); n > 0 {
		want = rs.segments[n-1].Sequence + 1
	}

	switch {
	case seg.Sequence == want:
		// A replayed attempt may re-append old chunks after the rendition
		// ended; only genuinely new segments are rejected then.
		if rs.ended {
			return 0, ErrFinalized
		}
	case seg.Sequence < want:
		// At-least-once delivery re-plays old chunks; an identical re-append
		// is a no-op, anything else is corruption.
		if len(rs.segments) == 0 || seg.Sequence < rs.segments[0].Sequence {
			return 0, &media.SequenceGapError{ContentID: content, Resolution: resolution, Want: want, Got: seg.Sequence}
		}
		stored := rs.segments[seg.Sequence-rs.segments[0].Sequence]
		if stored.Checksum == seg.Checksum {
			cs.mu.Lock()
			v := cs.version
			cs.mu.Unlock()
			return v, nil
		}
		return 0, &media.SequenceGapError{ContentID: content, Resolution: resolution, Want: want, Got: seg.Sequence}
	default:
		return 0, &media.SequenceGapError{ContentID: content, Resolution: resolution, Want: want, Got: seg.Sequence}
	}

	// Never advertise a segment the store has not durably acknowledged.
	if !b.segments.Exists(seg.Key()) {
		return 0, media.Fatal("segment not durable in store", nil)
	}

	rs.segments = append(rs.segments, seg)

	cs.mu.Lock()
	cs.version++
	v := cs.version
	cs.mu.Unlock()
	return v, nil
}

// MarkEnded records that no further segments will arrive for
// (content, resolution): the encoder signalled end-of-source (VOD) or the
// live session closed. Idempotent.
func (b *Builder) MarkEnded(content media.ContentID, resolution media.Resolution) error {
	cs, ok := b.content(content)
	if !ok {
		return media.ErrNotFound
	}
	cs.mu.Lock()
	rs, ok := cs.renditions[resolution]
	cs.mu.Unlock()
	if !ok {
		return ErrUnknownRendition
	}
	rs.mu.Lock()
	rs.ended = true
	rs.mu.Unlock()
	return nil
}

// Finalize flips building to ready and live to closed. It is valid only once
// every rendition has been marked ended and has at least one segment;
// finalizing an already-final manifest is a no-op. A manifest never regresses.
func (b *Builder) Finalize(content media.ContentID) error {
	cs, ok := b.content(content)
	if !ok {
		return media.ErrNotFound
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.status == media.ManifestReady || cs.status == media.ManifestClosed {
		return nil
	}

	for _, rs := range cs.renditions {
		rs.mu.Lock()
		ended, n := rs.ended, len(rs.segments)
		rs.mu.Unlock()
		if !ended || n == 0 {
			return ErrRenditionOpen
		}
	}

	if cs.status == media.ManifestLive {
		cs.status = media.ManifestClosed
	} else {
		cs.status = media.ManifestReady
	}
	cs.version++
	return nil
}

// Read returns a snapshot of the manifest. Versions observed by readers are
// monotonically non-decreasing.
func (b *Builder) Read(content media.ContentID) (media.Manifest, error) {
	cs, ok := b.content(content)
	if !ok {
		return media.Manifest{}, media.ErrNotFound
	}

	cs.mu.Lock()
	m := media.Manifest{
		ContentID:  content,
		Status:     cs.status,
		Version:    cs.version,
		Renditions: make(map[media.Resolution][]media.Segment, len(cs.renditions)),
	}
	renditions := make(map[media.Resolution]*renditionState, len(cs.renditions))
	for res, rs := range cs.renditions {
		renditions[res] = rs
	}
	cs.mu.Unlock()

	for res, rs := range renditions {
		rs.mu.Lock()
		segs := make([]media.Segment, len(rs.segments))
		copy(segs, rs.segments)
		rs.mu.Unlock()
		m.Renditions[res] = segs
	}
	return m, nil
}

// LastSequence returns the sequence of the most recently appended segment for
// (content, resolution), or 0 when none exists.
func (b *Builder) LastSequence(content media.ContentID, resolution media.Resolution) int64 {
	cs, ok := b.content(content)
	if !ok {
		return 0
	}
	cs.mu.Lock()
	rs, ok := cs.renditions[resolution]
	cs.mu.Unlock()
	if !ok {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.segments) == 0 {
		return 0
	}
	return rs.segments[len(rs.segments)-1].Sequence
}

// Contents returns the ids of all known manifests in lexical order.
func (b *Builder) Contents() []media.ContentID {
	b.mu.RLock()
	ids := make([]media.ContentID, 0, len(b.contents))
	for id := range b.contents {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// LiveCount returns the number of manifests currently in the live state.
// Used for metrics.
func (b *Builder) LiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, cs := range b.contents {
		cs.mu.Lock()
		if cs.status == media.ManifestLive {
			n++
		}
		cs.mu.Unlock()
	}
	return n
}
