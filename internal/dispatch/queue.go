package dispatch

import (
	"context"
	"time"

	"streampipe/internal/media"
)

// Queue is the durable, at-least-once work queue feeding the worker pool.
// Delivery is at-least-once: a claimed job that is neither acked nor failed
// before its visibility deadline returns to the queue, so every downstream
// write must be idempotent per (content, resolution, sequence).
type Queue interface {
	// Enqueue submits a job and returns its id. A duplicate submission (same
	// dedupe key, still queued or claimed) returns the existing job's id.
	// A full queue returns media.ErrBackpressure.
	Enqueue(ctx context.Context, job media.Job) (string, error)

	// Claim hands the oldest due job to workerID, or reports none available.
	Claim(ctx context.Context, workerID string) (*media.Job, bool, error)

	// Ack marks a claimed job succeeded.
	Ack(ctx context.Context, jobID string) error

	// Fail records a failed attempt. Retryable failures re-queue with
	// backoff until max attempts; anything else goes terminal.
	Fail(ctx context.Context, jobID string, reason string, retryable bool) error
}

// Archiver receives jobs that reached a terminal status. Implementations own
// the retention window.
type Archiver interface {
	Archive(ctx context.Context, job media.Job) error
}

// Defaults applied by queue implementations when the corresponding config
// field is zero.
const (
	DefaultMaxAttempts       = 3
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultBackoffBase       = 2 * time.Second
	DefaultBackoffCap        = 2 * time.Minute
)
