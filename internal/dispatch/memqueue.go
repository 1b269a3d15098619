package dispatch

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"streampipe/internal/media"
)

// MemoryQueueConfig configures a MemoryQueue. Zero fields take the package
// defaults; a zero Capacity means unbounded.
type MemoryQueueConfig struct {
	Capacity    int
	MaxAttempts int
	Visibility  time.Duration
	Backoff     BackoffPolicy
	Archiver    Archiver
	Logger      *slog.Logger

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// MemoryQueue is a single-process Queue with FIFO ordering by enqueue time,
// dedupe by Job.DedupeKey, exponential re-queue backoff, and a visibility
// timeout that returns dead workers' jobs to the queue.
type MemoryQueue struct {
	cfg MemoryQueueConfig

	mu     sync.Mutex
	jobs   map[string]*media.Job
	order  []string          // ids in enqueue order, queued and claimed only
	dedupe map[string]string // dedupe key -> live job id
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue(cfg MemoryQueueConfig) *MemoryQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibilityTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff(DefaultBackoffBase, DefaultBackoffCap)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryQueue{
		cfg:    cfg,
		jobs:   make(map[string]*media.Job),
		dedupe: make(map[string]string),
	}
}

// Enqueue implements Queue.Enqueue.
func (q *MemoryQueue) Enqueue(_ context.Context, job media.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.dedupe[job.DedupeKey()]; ok {
		return id, nil
	}
	if q.cfg.Capacity > 0 && len(q.order) >= q.cfg.Capacity {
		return "", media.ErrBackpressure
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}
	now := q.cfg.Now()
	job.Status = media.JobQueued
	job.EnqueuedAt = now
	if job.NotBefore.IsZero() {
		job.NotBefore = now
	}

	stored := job
	q.jobs[job.ID] = &stored
	q.order = append(q.order, job.ID)
	q.dedupe[job.DedupeKey()] = job.ID
	return job.ID, nil
}

// Claim implements Queue.Claim. Expired claims are reaped first so a dead
// worker's job becomes claimable again without a separate sweeper.
func (q *MemoryQueue) Claim(_ context.Context, workerID string) (*media.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now()
	q.reapLocked(now)

	// Snapshot: terminalLocked edits q.order in place when a job runs out of
	// attempts mid-scan.
	for _, id := range slices.Clone(q.order) {
		job := q.jobs[id]
		if job.Status != media.JobQueued || job.NotBefore.After(now) {
			continue
		}
		if job.Attempts >= job.MaxAttempts {
			q.terminalLocked(job, media.JobFailed, "max attempts exceeded")
			continue
		}
		job.Attempts++
		job.Status = media.JobClaimed
		job.ClaimedBy = workerID
		job.ClaimDeadline = now.Add(q.cfg.Visibility)
		out := *job
		return &out, true, nil
	}
	return nil, false, nil
}

// Ack implements Queue.Ack.
func (q *MemoryQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return media.ErrNotFound
	}
	q.terminalLocked(job, media.JobSucceeded, "")
	return nil
}

// Fail implements Queue.Fail.
func (q *MemoryQueue) Fail(_ context.Context, jobID string, reason string, retryable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return media.ErrNotFound
	}

	if !retryable || job.Attempts >= job.MaxAttempts {
		q.terminalLocked(job, media.JobFailed, reason)
		return nil
	}

	job.Status = media.JobQueued
	job.ClaimedBy = ""
	job.ClaimDeadline = time.Time{}
	job.NotBefore = q.cfg.Now().Add(q.cfg.Backoff(job.Attempts))
	job.FailReason = reason
	return nil
}

// Reap returns expired claims to the queue. Claim does this lazily; callers
// with idle workers should also run it on a ticker.
func (q *MemoryQueue) Reap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reapLocked(q.cfg.Now())
}

func (q *MemoryQueue) reapLocked(now time.Time) int {
	n := 0
	for _, id := range q.order {
		job := q.jobs[id]
		if job.Status != media.JobClaimed || job.ClaimDeadline.After(now) {
			continue
		}
		// The claiming worker is presumed dead. The claim already charged an
		// attempt, so the budget check at claim time bounds re-deliveries.
		job.Status = media.JobQueued
		job.ClaimedBy = ""
		job.ClaimDeadline = time.Time{}
		job.NotBefore = now
		n++
		q.cfg.Logger.Warn("claim expired, job re-queued",
			slog.String("job_id", job.ID),
			slog.Int("attempts", job.Attempts),
		)
	}
	return n
}

// terminalLocked finalizes the job, frees its dedupe slot and queue position,
// and hands it to the archiver. The job stays readable via Job for status
// queries.
func (q *MemoryQueue) terminalLocked(job *media.Job, status media.JobStatus, reason string) {
	job.Status = status
	job.ClaimedBy = ""
	job.ClaimDeadline = time.Time{}
	if reason != "" {
		job.FailReason = reason
	}

	delete(q.dedupe, job.DedupeKey())
	for i, id := range q.order {
		if id == job.ID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}

	if q.cfg.Archiver != nil {
		if err := q.cfg.Archiver.Archive(context.Background(), *job); err != nil {
			q.cfg.Logger.Error("archive terminal job failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Job returns a copy of the job with the given id, including terminal jobs
// retained for status queries.
func (q *MemoryQueue) Job(jobID string) (media.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return media.Job{}, false
	}
	return *job, true
}

// Depth returns the number of live (queued or claimed) jobs. Used for metrics.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
