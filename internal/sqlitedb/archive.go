package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"streampipe/internal/media"
)

// JobArchive stores terminal jobs so their status and failure reason stay
// queryable after the queue forgets them. Rows are pruned by retention.
type JobArchive struct {
	db  *sql.DB
	now func() time.Time
}

// NewJobArchive wraps an open database.
func NewJobArchive(db *sql.DB) *JobArchive {
	return &JobArchive{db: db, now: time.Now}
}

// Archive records a terminal job. Re-archiving the same job id overwrites the
// previous row, so at-least-once delivery from the queue is harmless.
func (a *JobArchive) Archive(ctx context.Context, job media.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO job_archive (id, content_id, kind, status, attempts, fail_reason, payload, archived_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			fail_reason = excluded.fail_reason,
			payload = excluded.payload,
			archived_at_ns = excluded.archived_at_ns`,
		job.ID, string(job.ContentID), string(job.Kind), string(job.Status),
		job.Attempts, job.FailReason, string(payload), a.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns an archived job by id.
func (a *JobArchive) Get(ctx context.Context, jobID string) (media.Job, error) {
	var payload string
	err := a.db.QueryRowContext(ctx,
		`SELECT payload FROM job_archive WHERE id = ?`, jobID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return media.Job{}, media.ErrNotFound
	}
	if err != nil {
		return media.Job{}, fmt.Errorf("load archived job %s: %w", jobID, err)
	}
	var job media.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return media.Job{}, fmt.Errorf("unmarshal archived job %s: %w", jobID, err)
	}
	return job, nil
}

// PurgeOlderThan deletes archive rows older than retention and reports how
// many were removed.
func (a *JobArchive) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := a.now().Add(-retention).UnixNano()
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM job_archive WHERE archived_at_ns < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge job archive: %w", err)
	}
	return res.RowsAffected()
}
