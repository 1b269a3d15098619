package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"streampipe/internal/api"
	"streampipe/internal/catalog"
	"streampipe/internal/dispatch"
	"streampipe/internal/events"
	"streampipe/internal/live"
	"streampipe/internal/manifest"
	"streampipe/internal/platform/config"
	"streampipe/internal/platform/logger"
	"streampipe/internal/platform/metrics"
	"streampipe/internal/progress"
	"streampipe/internal/sqlitedb"
	"streampipe/internal/store"
	"streampipe/internal/worker"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = 5 * time.Second
	purgeInterval   = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	// Segment store: durable filesystem backend when a data dir is
	// configured, in-memory otherwise.
	var segments store.Store = store.NewMemoryStore()
	if cfg.DataDir != "" {
		fs, err := store.NewFileStore(filepath.Join(cfg.DataDir, "segments"))
		if err != nil {
			log.Error("open segment store", "error", err)
			os.Exit(1)
		}
		segments = fs
	}

	// Durable state (resume positions, terminal job archive) follows the
	// same switch.
	var (
		tracker progress.Tracker = progress.NewMemoryTracker()
		archive *sqlitedb.JobArchive
	)
	if cfg.DataDir != "" {
		db, err := sqlitedb.Open(filepath.Join(cfg.DataDir, "streampipe.db"))
		if err != nil {
			log.Error("open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		tracker = progress.NewSQLiteTracker(db)
		archive = sqlitedb.NewJobArchive(db)
	}

	backoff := dispatch.ExponentialBackoff(cfg.BackoffBase, cfg.BackoffCap)

	var (
		rdb       *redis.Client
		queue     dispatch.Queue
		jobs      api.JobIndex
		memQueue  *dispatch.MemoryQueue
		publisher events.Publisher = events.NewLogPublisher(logger.WithComponent(log, "events"))
	)
	var archiver dispatch.Archiver
	if archive != nil {
		archiver = archive
	}
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		rq := dispatch.NewRedisQ(dispatch.RedisQConfig{
			Client:      rdb,
			Capacity:    cfg.QueueCapacity,
			MaxAttempts: cfg.MaxAttempts,
			Visibility:  cfg.VisibilityTimeout,
			Backoff:     backoff,
			Archiver:    archiver,
			Retention:   cfg.ArchiveRetention,
			Logger:      logger.WithComponent(log, "queue"),
		})
		queue, jobs = rq, rq
		publisher = events.NewRedisPublisher(rdb, "")
	} else {
		memQueue = dispatch.NewMemoryQueue(dispatch.MemoryQueueConfig{
			Capacity:    cfg.QueueCapacity,
			MaxAttempts: cfg.MaxAttempts,
			Visibility:  cfg.VisibilityTimeout,
			Backoff:     backoff,
			Archiver:    archiver,
			Logger:      logger.WithComponent(log, "queue"),
		})
		queue, jobs = memQueue, memQueue
	}

	manifests := manifest.NewBuilder(segments)

	controller := live.NewController(live.Config{
		Queue:         queue,
		Manifests:     manifests,
		Logger:        logger.WithComponent(log, "live"),
		Metrics:       met,
		ChunkDuration: cfg.ChunkDuration,
		SLAMultiplier: cfg.LiveSLAMultiplier,
		Grace:         cfg.LiveGraceDeadline,
		Silence:       cfg.IngestSilence,
	})

	pool := worker.New(worker.Config{
		Queue:     queue,
		Segments:  segments,
		Manifests: manifests,
		Encoder:   &worker.SliceEncoder{Root: filepath.Join(cfg.DataDir, "uploads"), ChunkDuration: cfg.ChunkDuration},
		Events:    publisher,
		Logger:    logger.WithComponent(log, "worker"),
		Metrics:   met,
		Size:      cfg.WorkerPoolSize,
	})

	h := api.NewHandler(api.HandlerConfig{
		Queue:     queue,
		Jobs:      jobs,
		Archive:   archiveOrNil(archive),
		Segments:  segments,
		Manifests: manifests,
		Live:      controller,
		Tracker:   tracker,
		Catalog:   catalog.New(manifests),
		Logger:    logger.WithComponent(log, "api"),
		Metrics:   met,
	})

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetLiveSessions(controller.ActiveCount())
			if memQueue != nil {
				met.SetQueueDepth(memQueue.Depth())
			}
		}).ServeHTTP(w, req)
	})
	h.Routes(r, api.RouterConfig{IngestRPS: cfg.IngestRPS, IngestBurst: cfg.IngestBurst})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			log.Error("worker pool stopped", "error", err)
		}
	}()
	go runTickers(ctx, cfg, log, controller, memQueue, archive)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"workers", cfg.WorkerPoolSize,
		"queue", queueBackend(cfg),
		"data_dir", cfg.DataDir,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	cancel()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		log.Warn("worker pool did not drain in time")
	}

	log.Info("server stopped")
}

// runTickers drives the periodic maintenance work: live session sweeps,
// visibility-timeout reaping, and archive retention.
func runTickers(ctx context.Context, cfg config.Config, log *slog.Logger, controller *live.Controller, memQueue *dispatch.MemoryQueue, archive *sqlitedb.JobArchive) {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			controller.Sweep(ctx)
			if memQueue != nil {
				memQueue.Reap()
			}
		case <-purge.C:
			if archive != nil {
				n, err := archive.PurgeOlderThan(ctx, cfg.ArchiveRetention)
				if err != nil {
					log.Warn("archive purge failed", "error", err)
				} else if n > 0 {
					log.Info("purged archived jobs", "count", n)
				}
			}
		}
	}
}

func queueBackend(cfg config.Config) string {
	if cfg.RedisAddr != "" {
		return "redis"
	}
	return "memory"
}

// archiveOrNil keeps a typed-nil *JobArchive out of the handler's interface
// field.
func archiveOrNil(a *sqlitedb.JobArchive) api.ArchiveIndex {
	if a == nil {
		return nil
	}
	return a
}
