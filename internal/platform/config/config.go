package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration of the pipeline, parsed from the
// environment. A .env file in the working directory is loaded first when
// present.
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// DataDir, when set, switches the segment store to the durable
	// filesystem backend and places the sqlite database under it.
	DataDir string `env:"DATA_DIR"`

	// RedisAddr, when set, switches the job queue to the Redis backend and
	// publishes content-ready events over Redis Pub/Sub.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"4"`
	QueueCapacity     int           `env:"QUEUE_CAPACITY" envDefault:"256"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"30s"`
	BackoffBase       time.Duration `env:"BACKOFF_BASE" envDefault:"2s"`
	BackoffCap        time.Duration `env:"BACKOFF_CAP" envDefault:"2m"`

	ChunkDuration float64 `env:"CHUNK_DURATION_SECONDS" envDefault:"4"`

	// LiveSLAMultiplier bounds glass-to-glass latency: a live chunk not
	// appended within ChunkDuration*multiplier flags the session degraded.
	LiveSLAMultiplier float64       `env:"LIVE_SLA_MULTIPLIER" envDefault:"3"`
	LiveGraceDeadline time.Duration `env:"LIVE_GRACE_DEADLINE" envDefault:"10s"`
	IngestSilence     time.Duration `env:"INGEST_SILENCE_TIMEOUT" envDefault:"30s"`

	ArchiveRetention time.Duration `env:"ARCHIVE_RETENTION" envDefault:"168h"`

	IngestRPS   float64 `env:"INGEST_RATE_LIMIT_RPS" envDefault:"0"`
	IngestBurst int     `env:"INGEST_RATE_LIMIT_BURST" envDefault:"0"`
}

// Load reads an optional .env file and parses the environment into a Config.
func Load(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	// Missing .env is fine; system env and defaults still apply.
	_ = godotenv.Load(paths...)

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return c, nil
}
