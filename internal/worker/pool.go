package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"streampipe/internal/dispatch"
	"streampipe/internal/events"
	"streampipe/internal/manifest"
	"streampipe/internal/media"
	"streampipe/internal/platform/metrics"
	"streampipe/internal/store"
)

// DefaultPollInterval is how long an idle worker waits before re-polling the
// queue.
const DefaultPollInterval = 500 * time.Millisecond

// Config wires a Pool to its collaborators. Size defaults to 1, Poll to
// DefaultPollInterval; Metrics and Events may be nil.
type Config struct {
	Queue     dispatch.Queue
	Segments  store.Store
	Manifests *manifest.Builder
	Encoder   Encoder
	Events    events.Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Size      int
	Poll      time.Duration
}

// Pool claims transcode jobs and drives them to a terminal status. Each
// worker owns one job fully before claiming another; scaling out is adding
// workers, since all shared mutation is serialized per (content, resolution)
// downstream.
type Pool struct {
	cfg Config
}

// New returns a Pool; it does not start any workers.
func New(cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{cfg: cfg}
}

// Run starts the worker loops and blocks until ctx is cancelled. A worker
// finishes its current job before exiting.
func (p *Pool) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < p.cfg.Size; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			p.runWorker(ctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	log := p.cfg.Logger.With(slog.String("worker_id", workerID))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := p.cfg.Queue.Claim(ctx, workerID)
		if err != nil {
			log.Error("claim failed", slog.String("error", err.Error()))
			sleep(ctx, p.cfg.Poll)
			continue
		}
		if !ok {
			sleep(ctx, p.cfg.Poll)
			continue
		}

		p.Process(ctx, log, job)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Process runs one claimed job to a terminal report: ack on success, fail
// with the dispatcher's retry policy otherwise. Exposed so tests can drive
// jobs without the polling loop.
func (p *Pool) Process(ctx context.Context, log *slog.Logger, job *media.Job) {
	log = log.With(
		slog.String("job_id", job.ID),
		slog.String("content_id", string(job.ContentID)),
		slog.String("kind", string(job.Kind)),
	)

	var err error
	switch job.Kind {
	case media.KindVOD:
		err = p.processVOD(ctx, job)
	case media.KindLiveChunk:
		err = p.processLiveChunk(ctx, job)
	default:
		err = media.Fatal("unknown job kind "+string(job.Kind), nil)
	}

	if err == nil {
		if ackErr := p.cfg.Queue.Ack(ctx, job.ID); ackErr != nil {
			log.Error("ack failed", slog.String("error", ackErr.Error()))
			return
		}
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.IncJobsSucceeded()
		}
		log.Info("job succeeded", slog.Int("attempts", job.Attempts))
		return
	}

	// Only explicitly transient errors re-queue; gaps, checksum mismatches,
	// and malformed sources are terminal.
	retryable := media.IsTransient(err)
	var gap *media.SequenceGapError
	if errors.As(err, &gap) && p.cfg.Metrics != nil {
		p.cfg.Metrics.IncSequenceGaps()
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.IncJobsFailed()
	}
	log.Warn("job failed",
		slog.Bool("retryable", retryable),
		slog.String("error", err.Error()),
	)
	if failErr := p.cfg.Queue.Fail(ctx, job.ID, err.Error(), retryable); failErr != nil {
		log.Error("fail report failed", slog.String("error", failErr.Error()))
	}
}

// processVOD encodes every target resolution, appending each chunk to the
// manifest as soon as it is durable so playback can start before the whole
// encode finishes. On full success the manifest flips to ready and a
// content-ready event is emitted.
func (p *Pool) processVOD(ctx context.Context, job *media.Job) error {
	if len(job.Resolutions) == 0 {
		return media.Fatal("vod job without target resolutions", nil)
	}
	p.cfg.Manifests.Open(job.ContentID, job.Resolutions, media.ManifestBuilding)

	g, gctx := errgroup.WithContext(ctx)
	for _, res := range job.Resolutions {
		g.Go(func() error {
			return p.encodeRendition(gctx, job, res)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := p.cfg.Manifests.Finalize(job.ContentID); err != nil {
		return err
	}
	p.publishReady(ctx, job.ContentID)
	return nil
}

func (p *Pool) encodeRendition(ctx context.Context, job *media.Job, res media.Resolution) error {
	reader, err := p.cfg.Encoder.Open(ctx, job.SourceRef, res)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		chunk, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return p.cfg.Manifests.MarkEnded(job.ContentID, res)
		}
		if err != nil {
			return err
		}
		if err := p.writeSegment(job.ContentID, res, chunk); err != nil {
			return err
		}
	}
}

// processLiveChunk encodes a single live chunk into the sequence slot the
// controller assigned. Replays after a visibility-timeout re-claim are
// no-ops all the way down.
func (p *Pool) processLiveChunk(ctx context.Context, job *media.Job) error {
	if len(job.Resolutions) != 1 {
		return media.Fatal("live chunk job must carry exactly one resolution", nil)
	}
	res := job.Resolutions[0]

	reader, err := p.cfg.Encoder.Open(ctx, job.SourceRef, res)
	if err != nil {
		return err
	}
	defer reader.Close()

	chunk, err := reader.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return media.Fatal("live chunk source produced no output", nil)
		}
		return err
	}
	chunk.Sequence = job.Sequence
	if job.Duration > 0 {
		chunk.Duration = job.Duration
	}
	return p.writeSegment(job.ContentID, res, chunk)
}

// writeSegment makes the chunk durable, then advertises it. Order matters:
// the manifest must never reference a segment the store has not acknowledged.
func (p *Pool) writeSegment(content media.ContentID, res media.Resolution, chunk Chunk) error {
	seg := media.Segment{
		ContentID:  content,
		Resolution: res,
		Sequence:   chunk.Sequence,
		URI:        fmt.Sprintf("/segments/%s/%s/%d.ts", content, res, chunk.Sequence),
		Duration:   chunk.Duration,
		Checksum:   store.Checksum(chunk.Data),
	}

	if err := p.cfg.Segments.Put(seg.Key(), chunk.Data); err != nil {
		return err
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.IncSegmentsWritten()
	}

	if _, err := p.cfg.Manifests.Append(content, res, seg); err != nil {
		return err
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.IncManifestAppends()
	}
	return nil
}

func (p *Pool) publishReady(ctx context.Context, content media.ContentID) {
	if p.cfg.Events == nil {
		return
	}
	m, err := p.cfg.Manifests.Read(content)
	if err != nil {
		return
	}
	resolutions := make([]media.Resolution, 0, len(m.Renditions))
	for res := range m.Renditions {
		resolutions = append(resolutions, res)
	}
	ev := events.ContentReady{
		ContentID:   content,
		Duration:    m.TotalDuration(),
		Resolutions: resolutions,
	}
	if err := p.cfg.Events.ContentReady(ctx, ev); err != nil {
		p.cfg.Logger.Warn("content ready event not delivered",
			slog.String("content_id", string(content)),
			slog.String("error", err.Error()),
		)
	}
}
