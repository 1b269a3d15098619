package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"streampipe/internal/dispatch"
	"streampipe/internal/manifest"
	"streampipe/internal/media"
	"streampipe/internal/platform/metrics"
)

// ErrUnknownSession is returned for operations on a session id that was never
// started.
var ErrUnknownSession = errors.New("unknown live session")

// Config wires a Controller. ChunkDuration is the nominal chunk length in
// seconds; SLAMultiplier bounds glass-to-glass latency: a chunk not appended
// within ChunkDuration*SLAMultiplier flags the session degraded.
type Config struct {
	Queue         dispatch.Queue
	Manifests     *manifest.Builder
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	ChunkDuration float64
	SLAMultiplier float64

	// Grace bounds how long Stop waits for in-flight chunk jobs before the
	// manifest is finalized regardless (best-effort tail).
	Grace time.Duration

	// Silence ends a session that stops delivering chunks.
	Silence time.Duration

	// MaterializeReplay, when set, hands a finished session to the VOD path
	// as a replay under "<content>/replay".
	MaterializeReplay bool

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Controller manages the lifecycle of active live ingests: it slices the
// incoming feed into per-resolution chunk jobs, tracks their append SLA, and
// drives the manifest through live to closed.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id          string
	contentID   media.ContentID
	resolutions []media.Resolution
	state       media.SessionState
	startedAt   time.Time
	lastIngest  time.Time
	degraded    bool
	shed        int

	// ingestMu serializes the allocate-then-enqueue window. Without it two
	// concurrent Ingest calls can read the same next sequence and the queue's
	// dedupe collapses the second chunk into the first job, dropping its
	// media without any error.
	ingestMu sync.Mutex

	// lastAllocated holds the highest sequence handed to the queue per
	// resolution; a shed chunk allocates nothing, so published numbering
	// stays contiguous and the viewer sees a time jump instead of a stall.
	lastAllocated map[media.Resolution]int64

	// pending tracks submitted-but-not-yet-appended sequences for SLA checks.
	pending map[media.Resolution]map[int64]time.Time
}

// SessionView is a read snapshot of a session, safe to hand to HTTP handlers.
type SessionView struct {
	ID            string             `json:"id"`
	ContentID     media.ContentID    `json:"content_id"`
	Resolutions   []media.Resolution `json:"resolutions"`
	State         media.SessionState `json:"state"`
	StartedAt     time.Time          `json:"started_at"`
	Degraded      bool               `json:"degraded"`
	SheddedChunks int                `json:"shedded_chunks"`
}

// NewController returns a Controller with no sessions.
func NewController(cfg Config) *Controller {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 4
	}
	if cfg.SLAMultiplier <= 0 {
		cfg.SLAMultiplier = 3
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.Silence <= 0 {
		cfg.Silence = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{cfg: cfg, sessions: make(map[string]*session)}
}

func (c *Controller) slaWindow() time.Duration {
	return time.Duration(c.cfg.ChunkDuration * c.cfg.SLAMultiplier * float64(time.Second))
}

// Start allocates a session for contentID, opens a live manifest per target
// resolution, and moves the session to active.
func (c *Controller) Start(_ context.Context, contentID media.ContentID, resolutions []media.Resolution) (SessionView, error) {
	if len(resolutions) == 0 {
		return SessionView{}, errors.New("live session needs at least one resolution")
	}

	now := c.cfg.Now()
	s := &session{
		id:            uuid.NewString(),
		contentID:     contentID,
		resolutions:   resolutions,
		state:         media.SessionStarting,
		startedAt:     now,
		lastIngest:    now,
		lastAllocated: make(map[media.Resolution]int64, len(resolutions)),
		pending:       make(map[media.Resolution]map[int64]time.Time, len(resolutions)),
	}
	for _, res := range resolutions {
		s.pending[res] = make(map[int64]time.Time)
	}

	c.cfg.Manifests.Open(contentID, resolutions, media.ManifestLive)
	s.state = media.SessionActive

	c.mu.Lock()
	c.sessions[s.id] = s
	view := c.viewLocked(s)
	c.mu.Unlock()

	c.cfg.Logger.Info("live session started",
		slog.String("session_id", s.id),
		slog.String("content_id", string(contentID)),
		slog.Int("resolutions", len(resolutions)),
	)
	return view, nil
}

// Ingest submits one chunk boundary: a live_chunk job per resolution, each at
// that resolution's next sequence. A resolution whose enqueue hits
// backpressure is shed: the chunk is dropped, the session flagged degraded,
// and the sequence slot left unallocated so the published stream stays
// contiguous. shed reports how many resolutions dropped this chunk.
func (c *Controller) Ingest(ctx context.Context, sessionID, sourceRef string, duration float64) (shed int, err error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return 0, ErrUnknownSession
	}
	if s.state != media.SessionActive {
		c.mu.Unlock()
		return 0, media.ErrSessionEnded
	}
	now := c.cfg.Now()
	s.lastIngest = now
	c.mu.Unlock()

	if duration <= 0 {
		duration = c.cfg.ChunkDuration
	}

	// One chunk boundary at a time per session: a sequence is only handed to
	// a second caller after this one's enqueue committed or shed it.
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	for _, res := range s.resolutions {
		c.mu.Lock()
		seq := s.lastAllocated[res] + 1
		c.mu.Unlock()

		_, enqErr := c.cfg.Queue.Enqueue(ctx, media.Job{
			ContentID:   s.contentID,
			Kind:        media.KindLiveChunk,
			Resolutions: []media.Resolution{res},
			SourceRef:   sourceRef,
			Sequence:    seq,
			Duration:    duration,
		})
		c.mu.Lock()
		switch {
		case errors.Is(enqErr, media.ErrBackpressure):
			// Live cannot wait out backpressure the way VOD can: the chunk
			// is gone and the viewer gets a gap in time, not in numbering.
			shed++
			s.shed++
			c.flagDegradedLocked(s, "chunk shed under backpressure")
		case enqErr != nil:
			c.mu.Unlock()
			return shed, enqErr
		default:
			s.lastAllocated[res] = seq
			s.pending[res][seq] = now
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.IncJobsEnqueued()
			}
		}
		c.mu.Unlock()
	}

	if shed > 0 && c.cfg.Metrics != nil {
		for i := 0; i < shed; i++ {
			c.cfg.Metrics.IncChunksShed()
		}
	}
	return shed, nil
}

// Stop moves the session to ending, waits up to the grace deadline for
// in-flight chunk jobs to land, then finalizes the manifest regardless and
// marks the session ended. Stopping an already-ended session is a no-op.
func (c *Controller) Stop(ctx context.Context, sessionID string) (SessionView, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return SessionView{}, ErrUnknownSession
	}
	if s.state == media.SessionEnded {
		view := c.viewLocked(s)
		c.mu.Unlock()
		return view, nil
	}
	s.state = media.SessionEnding
	c.mu.Unlock()

	c.awaitTail(ctx, s)
	c.finishSession(ctx, s)

	c.mu.Lock()
	view := c.viewLocked(s)
	c.mu.Unlock()
	return view, nil
}

// awaitTail polls until every submitted sequence has been appended or the
// grace deadline passes.
func (c *Controller) awaitTail(ctx context.Context, s *session) {
	deadline := time.NewTimer(c.cfg.Grace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		c.reconcilePending(s)
		c.mu.Lock()
		outstanding := 0
		for _, seqs := range s.pending {
			outstanding += len(seqs)
		}
		c.mu.Unlock()
		if outstanding == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			c.cfg.Logger.Warn("grace deadline passed with chunks in flight",
				slog.String("session_id", s.id),
				slog.Int("outstanding", outstanding),
			)
			return
		case <-tick.C:
		}
	}
}

// finishSession closes the manifest and optionally hands the stream to the
// VOD path as a replay.
func (c *Controller) finishSession(ctx context.Context, s *session) {
	for _, res := range s.resolutions {
		if err := c.cfg.Manifests.MarkEnded(s.contentID, res); err != nil {
			c.cfg.Logger.Error("mark rendition ended failed",
				slog.String("session_id", s.id),
				slog.String("resolution", string(res)),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := c.cfg.Manifests.Finalize(s.contentID); err != nil {
		// A session that never produced a chunk has nothing to close.
		c.cfg.Logger.Warn("finalize live manifest failed",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()),
		)
	}

	c.mu.Lock()
	s.state = media.SessionEnded
	shed := s.shed
	c.mu.Unlock()

	c.cfg.Logger.Info("live session ended",
		slog.String("session_id", s.id),
		slog.String("content_id", string(s.contentID)),
		slog.Int("shedded_chunks", shed),
	)

	if c.cfg.MaterializeReplay {
		replay := media.Job{
			ContentID:   s.contentID + "/replay",
			Kind:        media.KindVOD,
			Resolutions: s.resolutions,
			SourceRef:   "replay://" + string(s.contentID),
		}
		if _, err := c.cfg.Queue.Enqueue(ctx, replay); err != nil {
			c.cfg.Logger.Warn("replay materialization not enqueued",
				slog.String("session_id", s.id),
				slog.String("error", err.Error()),
			)
		} else if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncJobsEnqueued()
		}
	}
}

// Sweep runs the periodic checks: append-SLA violations flag sessions
// degraded, and sessions silent past the ingest timeout are stopped. Callers
// run it on a ticker.
func (c *Controller) Sweep(ctx context.Context) {
	now := c.cfg.Now()

	c.mu.Lock()
	var active []*session
	for _, s := range c.sessions {
		if s.state == media.SessionActive {
			active = append(active, s)
		}
	}
	c.mu.Unlock()

	for _, s := range active {
		c.reconcilePending(s)

		c.mu.Lock()
		for res, seqs := range s.pending {
			for seq, submitted := range seqs {
				if now.Sub(submitted) > c.slaWindow() {
					c.flagDegradedLocked(s, "append SLA exceeded")
					c.cfg.Logger.Warn("live chunk missed SLA",
						slog.String("session_id", s.id),
						slog.String("resolution", string(res)),
						slog.Int64("sequence", seq),
					)
				}
			}
		}
		silent := now.Sub(s.lastIngest) > c.cfg.Silence
		c.mu.Unlock()

		if silent {
			c.cfg.Logger.Info("live session silent, stopping",
				slog.String("session_id", s.id),
			)
			if _, err := c.Stop(ctx, s.id); err != nil {
				c.cfg.Logger.Error("silence stop failed",
					slog.String("session_id", s.id),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// reconcilePending drops pending entries the manifest has since appended.
func (c *Controller) reconcilePending(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for res, seqs := range s.pending {
		appended := c.cfg.Manifests.LastSequence(s.contentID, res)
		for seq := range seqs {
			if seq <= appended {
				delete(seqs, seq)
			}
		}
	}
}

func (c *Controller) flagDegradedLocked(s *session, reason string) {
	if s.degraded {
		return
	}
	s.degraded = true
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncDegraded()
	}
	c.cfg.Logger.Warn("live session degraded",
		slog.String("session_id", s.id),
		slog.String("reason", reason),
	)
}

// Session returns a snapshot of the session, if it exists.
func (c *Controller) Session(sessionID string) (SessionView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return SessionView{}, false
	}
	return c.viewLocked(s), true
}

// ActiveCount returns the number of sessions not yet ended. Used for metrics.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sessions {
		if s.state != media.SessionEnded {
			n++
		}
	}
	return n
}

// viewLocked builds a snapshot; callers hold c.mu or own s exclusively.
func (c *Controller) viewLocked(s *session) SessionView {
	resolutions := make([]media.Resolution, len(s.resolutions))
	copy(resolutions, s.resolutions)
	return SessionView{
		ID:            s.id,
		ContentID:     s.contentID,
		Resolutions:   resolutions,
		State:         s.state,
		StartedAt:     s.startedAt,
		Degraded:      s.degraded,
		SheddedChunks: s.shed,
	}
}
