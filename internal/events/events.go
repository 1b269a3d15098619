package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	r "github.com/redis/go-redis/v9"

	"streampipe/internal/media"
)

// ContentReady announces that a content's manifest reached a final state and
// is fully playable. The search/metadata indexer consumes these passively;
// it is never a call dependency of the pipeline.
type ContentReady struct {
	ContentID   media.ContentID    `json:"content_id"`
	Duration    float64            `json:"duration"`
	Resolutions []media.Resolution `json:"resolutions"`
}

// Publisher delivers pipeline events to subscribers. Publishing is
// best-effort: a failed delivery must never fail the pipeline.
type Publisher interface {
	ContentReady(ctx context.Context, ev ContentReady) error
}

// LogPublisher writes events to the structured log, the default when no
// broker is configured.
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher returns a Publisher backed by log.
func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

// ContentReady implements Publisher.
func (p *LogPublisher) ContentReady(_ context.Context, ev ContentReady) error {
	p.log.Info("content ready",
		slog.String("content_id", string(ev.ContentID)),
		slog.Float64("duration", ev.Duration),
		slog.Int("resolutions", len(ev.Resolutions)),
	)
	return nil
}

// RedisPublisher fans events out over Redis Pub/Sub as JSON.
type RedisPublisher struct {
	rdb     *r.Client
	channel string
}

// NewRedisPublisher returns a Publisher that publishes to channel.
func NewRedisPublisher(rdb *r.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = "streampipe:content-ready"
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// ContentReady implements Publisher.
func (p *RedisPublisher) ContentReady(ctx context.Context, ev ContentReady) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
