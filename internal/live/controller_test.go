package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"streampipe/internal/dispatch"
	"streampipe/internal/manifest"
	"streampipe/internal/media"
	"streampipe/internal/platform/metrics"
	"streampipe/internal/store"
)

type fixture struct {
	queue     *dispatch.MemoryQueue
	segments  *store.MemoryStore
	manifests *manifest.Builder
	ctrl      *Controller
	clock     *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, mutate func(*Config), queueCapacity int) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	queue := dispatch.NewMemoryQueue(dispatch.MemoryQueueConfig{
		Capacity: queueCapacity,
		Logger:   slog.New(slog.DiscardHandler),
	})
	segments := store.NewMemoryStore()
	manifests := manifest.NewBuilder(segments)
	cfg := Config{
		Queue:         queue,
		Manifests:     manifests,
		Logger:        slog.New(slog.DiscardHandler),
		ChunkDuration: 4,
		SLAMultiplier: 3,
		Grace:         20 * time.Millisecond,
		Silence:       30 * time.Second,
		Now:           clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{
		queue:     queue,
		segments:  segments,
		manifests: manifests,
		ctrl:      NewController(cfg),
		clock:     clock,
	}
}

// processAll plays the worker pool's part: claim every due live chunk job,
// write its segment, append it, ack.
func (f *fixture) processAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		job, ok, err := f.queue.Claim(ctx, "test-worker")
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if !ok {
			return
		}
		res := job.Resolutions[0]
		data := []byte(fmt.Sprintf("%s/%s/%d", job.SourceRef, res, job.Sequence))
		seg := media.Segment{
			ContentID:  job.ContentID,
			Resolution: res,
			Sequence:   job.Sequence,
			URI:        fmt.Sprintf("/segments/%s/%s/%d.ts", job.ContentID, res, job.Sequence),
			Duration:   job.Duration,
			Checksum:   store.Checksum(data),
		}
		if err := f.segments.Put(seg.Key(), data); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := f.manifests.Append(job.ContentID, res, seg); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := f.queue.Ack(ctx, job.ID); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
}

func TestController_start(t *testing.T) {
	f := newFixture(t, nil, 0)

	view, err := f.ctrl.Start(context.Background(), "s1", []media.Resolution{"720p", "480p"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if view.State != media.SessionActive {
		t.Errorf("state = %s, want active", view.State)
	}

	m, err := f.manifests.Read("s1")
	if err != nil {
		t.Fatalf("manifest should be open: %v", err)
	}
	if m.Status != media.ManifestLive {
		t.Errorf("manifest status = %s, want live", m.Status)
	}
	if f.ctrl.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", f.ctrl.ActiveCount())
	}
}

func TestController_ingest_stop_closes_manifest(t *testing.T) {
	f := newFixture(t, nil, 0)
	ctx := context.Background()

	view, _ := f.ctrl.Start(ctx, "s1", []media.Resolution{"720p", "480p"})
	const chunks = 5
	for i := 0; i < chunks; i++ {
		shed, err := f.ctrl.Ingest(ctx, view.ID, fmt.Sprintf("ingest://s1/%d", i), 4)
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		if shed != 0 {
			t.Fatalf("Ingest %d shed %d chunks", i, shed)
		}
		f.processAll(t)
	}

	final, err := f.ctrl.Stop(ctx, view.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if final.State != media.SessionEnded {
		t.Errorf("state = %s, want ended", final.State)
	}
	if final.Degraded {
		t.Error("session should not be degraded")
	}

	m, _ := f.manifests.Read("s1")
	if m.Status != media.ManifestClosed {
		t.Errorf("manifest status = %s, want closed", m.Status)
	}
	for _, res := range []media.Resolution{"720p", "480p"} {
		segs := m.Renditions[res]
		if len(segs) != chunks {
			t.Fatalf("%s has %d segments, want %d", res, len(segs), chunks)
		}
		for i, seg := range segs {
			if seg.Sequence != int64(i+1) {
				t.Errorf("%s segment %d out of order: %d", res, i, seg.Sequence)
			}
		}
	}
}

func TestController_stop_finalizes_despite_inflight_tail(t *testing.T) {
	f := newFixture(t, nil, 0)
	ctx := context.Background()

	view, _ := f.ctrl.Start(ctx, "s1", []media.Resolution{"720p"})
	if _, err := f.ctrl.Ingest(ctx, view.ID, "ingest://s1/0", 4); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	f.processAll(t)
	// Second chunk stays in flight: nobody processes it before Stop.
	if _, err := f.ctrl.Ingest(ctx, view.ID, "ingest://s1/1", 4); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	final, err := f.ctrl.Stop(ctx, view.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if final.State != media.SessionEnded {
		t.Errorf("state = %s, want ended", final.State)
	}

	m, _ := f.manifests.Read("s1")
	if m.Status != media.ManifestClosed {
		t.Errorf("manifest must close after grace even with a lost tail, got %s", m.Status)
	}
	if got := len(m.Renditions["720p"]); got != 1 {
		t.Errorf("closed manifest has %d segments, want the 1 that landed", got)
	}
}

func TestController_ingest_after_stop(t *testing.T) {
	f := newFixture(t, nil, 0)
	ctx := context.Background()

	view, _ := f.ctrl.Start(ctx, "s1", []media.Resolution{"720p"})
	if _, err := f.ctrl.Ingest(ctx, view.ID, "ingest://s1/0", 4); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	f.processAll(t)
	if _, err := f.ctrl.Stop(ctx, view.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := f.ctrl.Ingest(ctx, view.ID, "ingest://s1/1", 4); !errors.Is(err, media.ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded, got %v", err)
	}
}

func TestController_backpressure_sheds_and_degrades(t *testing.T) {
	f := newFixture(t, nil, 1)
	ctx := context.Background()

	view, _ := f.ctrl.Start(ctx, "s1", []media.Resolution{"720p"})

	if shed, err := f.ctrl.Ingest(ctx, view.ID, "ingest://s1/0", 4); err != nil || shed != 0 {
		t.Fatalf("first Ingest: shed=%d err=%v", shed, err)
	}
	// Queue capacity 1 is exhausted: the second chunk is shed, not queued.
	shed, err := f.ctrl.Ingest(ctx, view.ID, "ingest://s1/1", 4)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if shed != 1 {
		t.Fatalf("shed = %d, want 1", shed)
	}

	got, _ := f.ctrl.Session(view.ID)
	if !got.Degraded {
		t.Error("session should be degraded after shedding")
	}
	if got.SheddedChunks != 1 {
		t.Errorf("SheddedChunks = %d, want 1", got.SheddedChunks)
	}

	// The shed chunk's slot was never allocated: draining and ingesting again
	// keeps the published numbering contiguous.
	f.processAll(t)
	if shed, err := f.ctrl.Ingest(ctx, view.ID, "ingest://s1/2", 4); err != nil || shed != 0 {
		t.Fatalf("third Ingest: shed=%d err=%v", shed, err)
	}
	f.processAll(t)

	m, _ := f.manifests.Read("s1")
	segs := m.Renditions["720p"]
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if segs[0].Sequence != 1 || segs[1].Sequence != 2 {
		t.Errorf("sequences = %d,%d, want 1,2", segs[0].Sequence, segs[1].Sequence)
	}
}

func TestController_sweep_flags_sla_violation(t *testing.T) {
	f := newFixture(t, nil, 0)
	ctx := context.Background()

	view, _ := f.ctrl.Start(ctx, "s1", []media.Resolution{"720p"})
	if _, err := f.ctrl.Ingest(ctx, view.ID, "ingest://s1/0", 4); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// SLA window is 4s * 3 = 12s; nothing has processed the chunk.
	f.clock.Advance(13 * time.Second)
	f.ctrl.Sweep(ctx)

	got, _ := f.ctrl.Session(view.ID)
	if !got.Degraded {
		t.Error("session should be degraded after missing the append SLA")
	}
	if got.State != media.SessionActive {
		t.Errorf("SLA violation is observable, not fatal: state = %s", got.State)
	}
}

func TestController_sweep_ends_silent_session(t *testing.T) {
	f := newFixture(t, nil, 0)
	ctx := context.Background()

	view, _ := f.ctrl.Start(ctx, "s1", []media.Resolution{"720p"})
	if _, err := f.ctrl.Ingest(ctx, view.ID, "ingest://s1/0", 4); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	f.processAll(t)

	f.clock.Advance(31 * time.Second)
	f.ctrl.Sweep(ctx)

	got, _ := f.ctrl.Session(view.ID)
	if got.State != media.SessionEnded {
		t.Errorf("silent session should be ended, state = %s", got.State)
	}
	if f.ctrl.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", f.ctrl.ActiveCount())
	}
}

func TestController_replay_materialization(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaterializeReplay = true }, 0)
	ctx := context.Background()

	view, _ := f.ctrl.Start(ctx, "s1", []media.Resolution{"720p"})
	if _, err := f.ctrl.Ingest(ctx, view.ID, "ingest://s1/0", 4); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	f.processAll(t)
	if _, err := f.ctrl.Stop(ctx, view.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	job, ok, err := f.queue.Claim(ctx, "test-worker")
	if err != nil || !ok {
		t.Fatalf("expected a replay job: ok=%v err=%v", ok, err)
	}
	if job.Kind != media.KindVOD {
		t.Errorf("replay kind = %s, want vod", job.Kind)
	}
	if job.ContentID != "s1/replay" {
		t.Errorf("replay content = %s, want s1/replay", job.ContentID)
	}
	if job.SourceRef != "replay://s1" {
		t.Errorf("replay source = %s", job.SourceRef)
	}
}

// slowQueue dedupes like the real backends but holds every new submission
// open for a moment, so overlapping Ingest calls that allocated the same
// sequence would collide on the dedupe key instead of failing fast.
type slowQueue struct {
	hold time.Duration

	mu     sync.Mutex
	jobs   []media.Job
	dedupe map[string]string
}

func newSlowQueue(hold time.Duration) *slowQueue {
	return &slowQueue{hold: hold, dedupe: make(map[string]string)}
}

func (q *slowQueue) Enqueue(_ context.Context, job media.Job) (string, error) {
	q.mu.Lock()
	if id, ok := q.dedupe[job.DedupeKey()]; ok {
		q.mu.Unlock()
		return id, nil
	}
	q.mu.Unlock()

	time.Sleep(q.hold)

	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.dedupe[job.DedupeKey()]; ok {
		return id, nil
	}
	job.ID = fmt.Sprintf("job-%d", len(q.jobs)+1)
	q.dedupe[job.DedupeKey()] = job.ID
	q.jobs = append(q.jobs, job)
	return job.ID, nil
}

func (q *slowQueue) Claim(context.Context, string) (*media.Job, bool, error) {
	return nil, false, nil
}
func (q *slowQueue) Ack(context.Context, string) error { return nil }
func (q *slowQueue) Fail(context.Context, string, string, bool) error {
	return nil
}

func TestController_concurrent_ingest_allocates_distinct_sequences(t *testing.T) {
	queue := newSlowQueue(20 * time.Millisecond)
	manifests := manifest.NewBuilder(store.NewMemoryStore())
	ctrl := NewController(Config{
		Queue:     queue,
		Manifests: manifests,
		Logger:    slog.New(slog.DiscardHandler),
	})
	ctx := context.Background()

	view, err := ctrl.Start(ctx, "s1", []media.Resolution{"720p"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for _, ref := range []string{"ingest://s1/chunkA", "ingest://s1/chunkB"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shed, err := ctrl.Ingest(ctx, view.ID, ref, 4)
			if err != nil {
				t.Errorf("Ingest(%s): %v", ref, err)
			}
			if shed != 0 {
				t.Errorf("Ingest(%s) shed %d chunks", ref, shed)
			}
		}()
	}
	wg.Wait()

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.jobs) != 2 {
		t.Fatalf("enqueued %d jobs for 2 chunks, one chunk's media was dropped", len(queue.jobs))
	}
	seen := map[int64]string{}
	for _, job := range queue.jobs {
		if prev, ok := seen[job.Sequence]; ok {
			t.Fatalf("sequence %d assigned to both %s and %s", job.Sequence, prev, job.SourceRef)
		}
		seen[job.Sequence] = job.SourceRef
	}
	for seq := int64(1); seq <= 2; seq++ {
		if _, ok := seen[seq]; !ok {
			t.Errorf("sequence %d never allocated", seq)
		}
	}
}

func TestController_ingest_counts_enqueued_jobs(t *testing.T) {
	met := metrics.New()
	f := newFixture(t, func(cfg *Config) {
		cfg.Metrics = met
		cfg.MaterializeReplay = true
	}, 0)
	ctx := context.Background()

	view, _ := f.ctrl.Start(ctx, "s1", []media.Resolution{"720p"})
	for i := 0; i < 2; i++ {
		if _, err := f.ctrl.Ingest(ctx, view.ID, fmt.Sprintf("ingest://s1/%d", i), 4); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		f.processAll(t)
	}
	if _, err := f.ctrl.Stop(ctx, view.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// 2 live chunks plus the materialized replay job.
	rec := httptest.NewRecorder()
	met.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "pipeline_jobs_enqueued_total 3") {
		t.Errorf("jobs-enqueued counter missing live and replay enqueues:\n%s", rec.Body.String())
	}
}

func TestController_unknown_session(t *testing.T) {
	f := newFixture(t, nil, 0)
	if _, err := f.ctrl.Ingest(context.Background(), "nope", "x", 4); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
	if _, err := f.ctrl.Stop(context.Background(), "nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}
