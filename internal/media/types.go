package media

import (
	"strconv"
	"time"
)

// ContentID uniquely identifies a piece of content (a VOD asset or a live stream).
type ContentID string

// Resolution identifies a target rendition of a piece of content (e.g. "720p", "480p").
type Resolution string

// JobKind is the tagged variant carried on a Job. Dispatch logic switches on
// the tag; there is no job subclassing.
type JobKind string

const (
	// KindVOD transcodes a complete uploaded source into segments for every
	// target resolution.
	KindVOD JobKind = "vod"

	// KindLiveChunk transcodes a single live chunk into one segment at a
	// pre-assigned sequence number for one resolution.
	KindLiveChunk JobKind = "live_chunk"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobClaimed   JobStatus = "claimed"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job is a unit of transcode work owned by the dispatcher and, while claimed,
// by exactly one worker.
type Job struct {
	ID          string       `json:"id"`
	ContentID   ContentID    `json:"content_id"`
	Kind        JobKind      `json:"kind"`
	Resolutions []Resolution `json:"resolutions"`

	// SourceRef is an opaque readable handle delivered by the upload service
	// (VOD) or the ingest chunker (live).
	SourceRef string `json:"source_ref"`

	// Sequence and Duration are set for live_chunk jobs only: the controller
	// assigns the manifest sequence before enqueueing so retries land on the
	// same slot.
	Sequence int64   `json:"sequence,omitempty"`
	Duration float64 `json:"duration,omitempty"`

	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Status      JobStatus `json:"status"`
	FailReason  string    `json:"fail_reason,omitempty"`

	EnqueuedAt    time.Time `json:"enqueued_at"`
	NotBefore     time.Time `json:"not_before"`
	ClaimedBy     string    `json:"claimed_by,omitempty"`
	ClaimDeadline time.Time `json:"claim_deadline,omitempty"`
}

// DedupeKey identifies a logically-identical submission. A duplicate enqueue
// while a job with the same key is queued or claimed returns the existing job.
func (j Job) DedupeKey() string {
	key := string(j.ContentID) + "|" + string(j.Kind)
	if j.Kind == KindLiveChunk {
		// Live chunks are many per content; each (resolution, sequence) slot
		// is its own submission.
		if len(j.Resolutions) > 0 {
			key += "|" + string(j.Resolutions[0])
		}
		key += "|" + strconv.FormatInt(j.Sequence, 10)
	}
	return key
}

// Segment is a single encoded media chunk. Immutable once written; uniquely
// identified by (ContentID, Resolution, Sequence).
type Segment struct {
	ContentID  ContentID  `json:"content_id"`
	Resolution Resolution `json:"resolution"`
	Sequence   int64      `json:"sequence"`
	URI        string     `json:"uri"`
	Duration   float64    `json:"duration"`
	Checksum   string     `json:"checksum"`
}

// Key returns the segment's storage key.
func (s Segment) Key() SegmentKey {
	return SegmentKey{ContentID: s.ContentID, Resolution: s.Resolution, Sequence: s.Sequence}
}

// SegmentKey addresses a segment in the Segment Store.
type SegmentKey struct {
	ContentID  ContentID
	Resolution Resolution
	Sequence   int64
}

// String renders the key as a stable path-like identifier.
func (k SegmentKey) String() string {
	return string(k.ContentID) + "/" + string(k.Resolution) + "/" + strconv.FormatInt(k.Sequence, 10)
}

// ManifestStatus is the lifecycle state of a content manifest.
type ManifestStatus string

const (
	// ManifestBuilding is the initial VOD state: segments are arriving but the
	// content is not yet playable end to end.
	ManifestBuilding ManifestStatus = "building"

	// ManifestReady means every target resolution finished and the manifest is
	// complete. It never regresses to building.
	ManifestReady ManifestStatus = "ready"

	// ManifestLive is an actively-appending live manifest.
	ManifestLive ManifestStatus = "live"

	// ManifestClosed is a finished live manifest.
	ManifestClosed ManifestStatus = "closed"
)

// Manifest is a read snapshot of the ordered segment lists for one content.
type Manifest struct {
	ContentID  ContentID                `json:"content_id"`
	Status     ManifestStatus           `json:"status"`
	Version    uint64                   `json:"version"`
	Renditions map[Resolution][]Segment `json:"renditions"`
}

// TotalDuration returns the duration of the longest rendition, in seconds.
func (m Manifest) TotalDuration() float64 {
	var max float64
	for _, segs := range m.Renditions {
		var d float64
		for _, s := range segs {
			d += s.Duration
		}
		if d > max {
			max = d
		}
	}
	return max
}

// SessionState is the lifecycle state of a live ingest session. Transitions
// are one-way: starting -> active -> ending -> ended.
type SessionState string

const (
	SessionStarting SessionState = "starting"
	SessionActive   SessionState = "active"
	SessionEnding   SessionState = "ending"
	SessionEnded    SessionState = "ended"
)

// WatchProgress is the last recorded playback position for a (user, content)
// pair. Last-writer-wins by UpdatedAt.
type WatchProgress struct {
	UserID    string    `json:"user_id"`
	ContentID ContentID `json:"content_id"`
	Position  float64   `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}
