package media

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a segment, manifest, or job does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBackpressure is returned when the job queue is at capacity. VOD
	// submitters retry with backoff; the live controller sheds the chunk and
	// flags the session degraded instead.
	ErrBackpressure = errors.New("queue at capacity")

	// ErrSessionEnded is returned when submitting a chunk to a session that
	// is no longer accepting input.
	ErrSessionEnded = errors.New("live session has ended")
)

// TransientError wraps an I/O or encode failure that is worth retrying with
// backoff. The dispatcher owns the retry policy.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// FatalError marks a failure that retrying cannot fix: a malformed source,
// a checksum mismatch on an existing store key, or a manifest sequence gap.
// The owning job goes terminal without further attempts.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal builds a terminal error with a human-readable reason.
func Fatal(reason string, err error) error {
	return &FatalError{Reason: reason, Err: err}
}

// IsFatal reports whether err is terminal.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// SequenceGapError reports an out-of-order manifest append: a gap or a
// regression. Publishing a discontinuous stream is never acceptable, so the
// content's pipeline aborts and requires re-ingest.
type SequenceGapError struct {
	ContentID  ContentID
	Resolution Resolution
	Want       int64
	Got        int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap for %s/%s: want %d, got %d", e.ContentID, e.Resolution, e.Want, e.Got)
}

// ChecksumMismatchError reports a rewrite of an existing store key with
// different bytes, a consistency fault that must never be papered over.
type ChecksumMismatchError struct {
	Key      SegmentKey
	Existing string
	Incoming string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: stored %s, incoming %s", e.Key, e.Existing, e.Incoming)
}
