package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"

	"streampipe/internal/media"
)

const (
	redisQueueKey  = "streampipe:queue"
	redisDelayKey  = "streampipe:delay"
	redisClaimsKey = "streampipe:claims"
	redisJobPrefix = "streampipe:job:"
	redisDedupePfx = "streampipe:dedupe:"
)

// DefaultTerminalRetention bounds how long a terminal job body stays readable
// in Redis when no explicit retention is configured.
const DefaultTerminalRetention = 24 * time.Hour

// RedisQConfig configures a RedisQ. Zero fields other than Client take the
// package defaults; Capacity 0 means unbounded.
type RedisQConfig struct {
	Client      *r.Client
	Capacity    int
	MaxAttempts int
	Visibility  time.Duration
	Backoff     BackoffPolicy
	Archiver    Archiver
	Retention   time.Duration
	Logger      *slog.Logger
}

// RedisQ is a Queue backed by Redis: a list for due jobs, a delay zset for
// backoff, and a claims zset scored by visibility deadline. Job bodies are
// JSON under streampipe:job:<id>. Suitable for multi-process worker pools.
type RedisQ struct {
	rdb         *r.Client
	capacity    int
	maxAttempts int
	visibility  time.Duration
	backoff     BackoffPolicy
	archiver    Archiver
	retention   time.Duration
	log         *slog.Logger
}

// NewRedisQ wraps an existing Redis client.
func NewRedisQ(cfg RedisQConfig) *RedisQ {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibilityTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff(DefaultBackoffBase, DefaultBackoffCap)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultTerminalRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisQ{
		rdb:         cfg.Client,
		capacity:    cfg.Capacity,
		maxAttempts: cfg.MaxAttempts,
		visibility:  cfg.Visibility,
		backoff:     cfg.Backoff,
		archiver:    cfg.Archiver,
		retention:   cfg.Retention,
		log:         cfg.Logger,
	}
}

// Enqueue implements Queue.Enqueue.
func (q *RedisQ) Enqueue(ctx context.Context, job media.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	job.Status = media.JobQueued
	job.EnqueuedAt = time.Now().UTC()

	// Dedupe: first writer wins, later submissions read back the winner.
	ok, err := q.rdb.SetNX(ctx, redisDedupePfx+job.DedupeKey(), job.ID, 0).Result()
	if err != nil {
		return "", fmt.Errorf("dedupe check: %w", err)
	}
	if !ok {
		return q.rdb.Get(ctx, redisDedupePfx+job.DedupeKey()).Result()
	}

	if q.capacity > 0 {
		depth, err := q.depth(ctx)
		if err != nil {
			q.rdb.Del(ctx, redisDedupePfx+job.DedupeKey())
			return "", err
		}
		if depth >= int64(q.capacity) {
			// Roll back the dedupe claim so a later retry of the same
			// submission is not collapsed into a job that never existed.
			q.rdb.Del(ctx, redisDedupePfx+job.DedupeKey())
			return "", media.ErrBackpressure
		}
	}

	if err := q.saveJob(ctx, &job); err != nil {
		return "", err
	}
	if err := q.rdb.LPush(ctx, redisQueueKey, job.ID).Err(); err != nil {
		return "", fmt.Errorf("push job: %w", err)
	}
	return job.ID, nil
}

// depth counts jobs that are queued, delayed, or claimed.
func (q *RedisQ) depth(ctx context.Context) (int64, error) {
	pipe := q.rdb.Pipeline()
	queued := pipe.LLen(ctx, redisQueueKey)
	delayed := pipe.ZCard(ctx, redisDelayKey)
	claimed := pipe.ZCard(ctx, redisClaimsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("measure depth: %w", err)
	}
	return queued.Val() + delayed.Val() + claimed.Val(), nil
}

// Claim implements Queue.Claim.
func (q *RedisQ) Claim(ctx context.Context, workerID string) (*media.Job, bool, error) {
	if err := q.moveDue(ctx); err != nil {
		return nil, false, err
	}
	if err := q.reap(ctx); err != nil {
		return nil, false, err
	}

	id, err := q.rdb.RPop(ctx, redisQueueKey).Result()
	if errors.Is(err, r.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pop job: %w", err)
	}

	job, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job.Attempts >= job.MaxAttempts {
		if err := q.terminal(ctx, job, media.JobFailed, "max attempts exceeded"); err != nil {
			return nil, false, err
		}
		return q.Claim(ctx, workerID)
	}

	now := time.Now().UTC()
	job.Attempts++
	job.Status = media.JobClaimed
	job.ClaimedBy = workerID
	job.ClaimDeadline = now.Add(q.visibility)
	if err := q.saveJob(ctx, job); err != nil {
		return nil, false, err
	}
	if err := q.rdb.ZAdd(ctx, redisClaimsKey, r.Z{Score: float64(job.ClaimDeadline.Unix()), Member: id}).Err(); err != nil {
		return nil, false, fmt.Errorf("record claim: %w", err)
	}
	return job, true, nil
}

// Ack implements Queue.Ack.
func (q *RedisQ) Ack(ctx context.Context, jobID string) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	return q.terminal(ctx, job, media.JobSucceeded, "")
}

// Fail implements Queue.Fail.
func (q *RedisQ) Fail(ctx context.Context, jobID string, reason string, retryable bool) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	if !retryable || job.Attempts >= job.MaxAttempts {
		return q.terminal(ctx, job, media.JobFailed, reason)
	}

	job.Status = media.JobQueued
	job.ClaimedBy = ""
	job.ClaimDeadline = time.Time{}
	job.FailReason = reason
	runAt := time.Now().UTC().Add(q.backoff(job.Attempts))
	job.NotBefore = runAt
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, redisClaimsKey, jobID)
	pipe.ZAdd(ctx, redisDelayKey, r.Z{Score: float64(runAt.Unix()), Member: jobID})
	_, err = pipe.Exec(ctx)
	return err
}

// moveDue promotes delayed jobs whose backoff has elapsed onto the queue.
func (q *RedisQ) moveDue(ctx context.Context) error {
	now := time.Now().UTC().Unix()
	ids, err := q.rdb.ZRangeByScore(ctx, redisDelayKey, &r.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 100}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, redisQueueKey, id)
		pipe.ZRem(ctx, redisDelayKey, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// reap returns jobs with expired claims to the queue; the claim-time budget
// check bounds how often an abandoned job is re-delivered.
func (q *RedisQ) reap(ctx context.Context) error {
	now := time.Now().UTC().Unix()
	ids, err := q.rdb.ZRangeByScore(ctx, redisClaimsKey, &r.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 100}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, media.ErrNotFound) {
				q.rdb.ZRem(ctx, redisClaimsKey, id)
				continue
			}
			return err
		}
		job.Status = media.JobQueued
		job.ClaimedBy = ""
		job.ClaimDeadline = time.Time{}
		if err := q.saveJob(ctx, job); err != nil {
			return err
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, redisClaimsKey, id)
		pipe.LPush(ctx, redisQueueKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Job returns the current state of a job by id.
func (q *RedisQ) Job(jobID string) (media.Job, bool) {
	job, err := q.loadJob(context.Background(), jobID)
	if err != nil {
		return media.Job{}, false
	}
	return *job, true
}

func (q *RedisQ) terminal(ctx context.Context, job *media.Job, status media.JobStatus, reason string) error {
	job.Status = status
	job.ClaimedBy = ""
	job.ClaimDeadline = time.Time{}
	if reason != "" {
		job.FailReason = reason
	}
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if q.archiver != nil {
		if err := q.archiver.Archive(ctx, *job); err != nil {
			q.log.Error("archive terminal job", "job_id", job.ID, "error", err)
		}
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, redisClaimsKey, job.ID)
	pipe.Del(ctx, redisDedupePfx+job.DedupeKey())
	// The body stays readable for status lookups until retention expires.
	pipe.Expire(ctx, redisJobPrefix+job.ID, q.retention)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQ) saveJob(ctx context.Context, job *media.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.rdb.Set(ctx, redisJobPrefix+job.ID, body, 0).Err()
}

func (q *RedisQ) loadJob(ctx context.Context, id string) (*media.Job, error) {
	body, err := q.rdb.Get(ctx, redisJobPrefix+id).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, media.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	var job media.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}
