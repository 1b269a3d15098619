package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"streampipe/internal/media"
)

// SQLiteTracker persists positions in the watch_progress table. The LWW
// comparison runs inside the upsert so concurrent writers cannot interleave a
// stale sample between read and write.
type SQLiteTracker struct {
	db *sql.DB
}

// NewSQLiteTracker wraps an open database with the streampipe schema applied.
func NewSQLiteTracker(db *sql.DB) *SQLiteTracker {
	return &SQLiteTracker{db: db}
}

// Record implements Tracker.
func (t *SQLiteTracker) Record(ctx context.Context, p media.WatchProgress) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO watch_progress (user_id, content_id, position, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, content_id) DO UPDATE SET
			position = excluded.position,
			updated_at_ns = excluded.updated_at_ns
		WHERE excluded.updated_at_ns > watch_progress.updated_at_ns`,
		p.UserID, string(p.ContentID), p.Position, p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record progress for %s/%s: %w", p.UserID, p.ContentID, err)
	}
	return nil
}

// Resolve implements Tracker.
func (t *SQLiteTracker) Resolve(ctx context.Context, userID string, contentID media.ContentID) (media.WatchProgress, bool, error) {
	var (
		position  float64
		updatedNs int64
	)
	err := t.db.QueryRowContext(ctx, `
		SELECT position, updated_at_ns FROM watch_progress
		WHERE user_id = ? AND content_id = ?`,
		userID, string(contentID),
	).Scan(&position, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return media.WatchProgress{}, false, nil
	}
	if err != nil {
		return media.WatchProgress{}, false, fmt.Errorf("resolve progress for %s/%s: %w", userID, contentID, err)
	}
	return media.WatchProgress{
		UserID:    userID,
		ContentID: contentID,
		Position:  position,
		UpdatedAt: time.Unix(0, updatedNs).UTC(),
	}, true, nil
}
