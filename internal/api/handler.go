// Package api exposes the pipeline over HTTP using go-chi: upload intake,
// manifest and playlist reads, segment delivery, live session control,
// playback resume, and catalog listing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sethvargo/go-retry"

	"streampipe/internal/catalog"
	"streampipe/internal/dispatch"
	"streampipe/internal/live"
	"streampipe/internal/manifest"
	"streampipe/internal/media"
	"streampipe/internal/platform/metrics"
	"streampipe/internal/progress"
	"streampipe/internal/store"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// JobIndex looks up a job's current state by id. The in-memory and Redis
// queues both satisfy it.
type JobIndex interface {
	Job(id string) (media.Job, bool)
}

// ArchiveIndex looks up jobs the queue has already forgotten.
type ArchiveIndex interface {
	Get(ctx context.Context, jobID string) (media.Job, error)
}

// Handler exposes the pipeline's HTTP endpoints.
type Handler struct {
	queue     dispatch.Queue
	jobs      JobIndex
	archive   ArchiveIndex
	segments  store.Store
	manifests *manifest.Builder
	live      *live.Controller
	tracker   progress.Tracker
	catalog   *catalog.Catalog
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// HandlerConfig wires a Handler. Archive and Metrics may be nil.
type HandlerConfig struct {
	Queue     dispatch.Queue
	Jobs      JobIndex
	Archive   ArchiveIndex
	Segments  store.Store
	Manifests *manifest.Builder
	Live      *live.Controller
	Tracker   progress.Tracker
	Catalog   *catalog.Catalog
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// NewHandler returns a Handler over the given components.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		queue:     cfg.Queue,
		jobs:      cfg.Jobs,
		archive:   cfg.Archive,
		segments:  cfg.Segments,
		manifests: cfg.Manifests,
		live:      cfg.Live,
		tracker:   cfg.Tracker,
		catalog:   cfg.Catalog,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// CompleteUpload handles POST /uploads/complete.
// Body: { "content_id": "c1", "source_ref": "upload://c1", "resolutions": ["720p"] }.
// Unlike live ingest, an upload can wait out queue backpressure, so enqueue is
// retried with exponential backoff before giving up with 503.
func (h *Handler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentID   media.ContentID    `json:"content_id"`
		SourceRef   string             `json:"source_ref"`
		Resolutions []media.Resolution `json:"resolutions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid upload body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.ContentID == "" || req.SourceRef == "" || len(req.Resolutions) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	job := media.Job{
		ContentID:   req.ContentID,
		Kind:        media.KindVOD,
		Resolutions: req.Resolutions,
		SourceRef:   req.SourceRef,
	}

	var jobID string
	backoff := retry.WithMaxRetries(5, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(r.Context(), backoff, func(ctx context.Context) error {
		id, err := h.queue.Enqueue(ctx, job)
		if errors.Is(err, media.ErrBackpressure) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		jobID = id
		return nil
	})
	if errors.Is(err, media.ErrBackpressure) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		h.log.Error("enqueue upload failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.IncJobsEnqueued()
	}
	h.log.Info("upload accepted",
		slog.String("content_id", string(req.ContentID)),
		slog.String("job_id", jobID),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// GetManifest handles GET /contents/{content_id}/manifest.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	contentID := media.ContentID(chi.URLParam(r, "content_id"))
	m, err := h.manifests.Read(contentID)
	if errors.Is(err, media.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("read manifest failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	type rendition struct {
		Resolution  media.Resolution `json:"resolution"`
		SegmentURLs []string         `json:"segment_urls"`
	}
	resp := struct {
		ContentID  media.ContentID      `json:"content_id"`
		Status     media.ManifestStatus `json:"status"`
		Version    uint64               `json:"version"`
		Renditions []rendition          `json:"renditions"`
	}{ContentID: m.ContentID, Status: m.Status, Version: m.Version}

	for _, res := range sortedResolutions(m) {
		segs := m.Renditions[res]
		urls := make([]string, len(segs))
		for i, seg := range segs {
			urls[i] = seg.URI
		}
		resp.Renditions = append(resp.Renditions, rendition{Resolution: res, SegmentURLs: urls})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPlaylist handles GET /contents/{content_id}/renditions/{resolution}/playlist.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	contentID := media.ContentID(chi.URLParam(r, "content_id"))
	resolution := media.Resolution(chi.URLParam(r, "resolution"))

	m, err := h.manifests.Read(contentID)
	if errors.Is(err, media.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("read manifest failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	segs, ok := m.Renditions[resolution]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ended := m.Status == media.ManifestReady || m.Status == media.ManifestClosed
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(manifest.BuildMediaPlaylist(segs, ended)))
}

// GetSegment handles GET /segments/{content_id}/{resolution}/{sequence}.ts.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	sequence, err := strconv.ParseInt(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	key := media.SegmentKey{
		ContentID:  media.ContentID(chi.URLParam(r, "content_id")),
		Resolution: media.Resolution(chi.URLParam(r, "resolution")),
		Sequence:   sequence,
	}

	data, err := h.segments.Get(key)
	if errors.Is(err, media.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("read segment failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetJob handles GET /contents/{content_id}/jobs/{job_id}. Terminal jobs fall
// through to the archive when configured.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	job, ok := h.jobs.Job(jobID)
	if !ok && h.archive != nil {
		archived, err := h.archive.Get(r.Context(), jobID)
		if err == nil {
			job, ok = archived, true
		} else if !errors.Is(err, media.ErrNotFound) {
			h.log.Error("read archived job failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
	if !ok || job.ContentID != media.ContentID(chi.URLParam(r, "content_id")) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		ID         string          `json:"id"`
		ContentID  media.ContentID `json:"content_id"`
		Kind       media.JobKind   `json:"kind"`
		Status     media.JobStatus `json:"status"`
		Attempts   int             `json:"attempts"`
		FailReason string          `json:"fail_reason,omitempty"`
	}{job.ID, job.ContentID, job.Kind, job.Status, job.Attempts, job.FailReason})
}

// StartLiveSession handles POST /live/sessions.
// Body: { "content_id": "s1", "resolutions": ["720p"] }.
func (h *Handler) StartLiveSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentID   media.ContentID    `json:"content_id"`
		Resolutions []media.Resolution `json:"resolutions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContentID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	view, err := h.live.Start(r.Context(), req.ContentID, req.Resolutions)
	if err != nil {
		h.log.Error("start live session failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// IngestChunk handles POST /live/sessions/{session_id}/chunks.
// Body: { "source_ref": "ingest://s1/7", "duration": 4.0 }. A 200 with
// shed > 0 means some renditions dropped this chunk under backpressure.
func (h *Handler) IngestChunk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceRef string  `json:"source_ref"`
		Duration  float64 `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceRef == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	shed, err := h.live.Ingest(r.Context(), chi.URLParam(r, "session_id"), req.SourceRef, req.Duration)
	switch {
	case errors.Is(err, live.ErrUnknownSession):
		w.WriteHeader(http.StatusNotFound)
		return
	case errors.Is(err, media.ErrSessionEnded):
		w.WriteHeader(http.StatusConflict)
		return
	case err != nil:
		h.log.Error("ingest chunk failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"shed": shed})
}

// StopLiveSession handles POST /live/sessions/{session_id}/stop.
func (h *Handler) StopLiveSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.live.Stop(r.Context(), chi.URLParam(r, "session_id"))
	if errors.Is(err, live.ErrUnknownSession) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("stop live session failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetLiveSession handles GET /live/sessions/{session_id}.
func (h *Handler) GetLiveSession(w http.ResponseWriter, r *http.Request) {
	view, ok := h.live.Session(chi.URLParam(r, "session_id"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// RecordProgress handles POST /progress.
// Body: { "user_id": "u1", "content_id": "c1", "position": 42.5, "at": "..." }.
// at defaults to the server clock; clients replaying buffered samples send
// their original timestamps so older samples lose.
func (h *Handler) RecordProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string          `json:"user_id"`
		ContentID media.ContentID `json:"content_id"`
		Position  float64         `json:"position"`
		At        time.Time       `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.ContentID == "" || req.Position < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}

	err := h.tracker.Record(r.Context(), media.WatchProgress{
		UserID:    req.UserID,
		ContentID: req.ContentID,
		Position:  req.Position,
		UpdatedAt: req.At,
	})
	if err != nil {
		h.log.Error("record progress failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetResume handles GET /resume?user_id=u1&content_id=c1. The response maps
// the stored position onto the manifest's segment index so players can seek
// without refetching every segment.
func (h *Handler) GetResume(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	contentID := media.ContentID(r.URL.Query().Get("content_id"))
	if userID == "" || contentID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	p, ok, err := h.tracker.Resolve(r.Context(), userID, contentID)
	if err != nil {
		h.log.Error("resolve progress failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	index := 0
	if m, err := h.manifests.Read(contentID); err == nil {
		index = progress.SegmentIndex(p.Position, longestRenditionDurations(m))
	}
	writeJSON(w, http.StatusOK, struct {
		Position     float64   `json:"position"`
		SegmentIndex int       `json:"segment_index"`
		UpdatedAt    time.Time `json:"updated_at"`
	}{p.Position, index, p.UpdatedAt})
}

// ListContents handles GET /contents?status=&resolution=&min_duration=&prefix=.
// Query parameters are ANDed together; an empty query lists everything.
func (h *Handler) ListContents(w http.ResponseWriter, r *http.Request) {
	var filters []catalog.Filter
	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		filters = append(filters, catalog.StatusIs(media.ManifestStatus(status)))
	}
	if res := q.Get("resolution"); res != "" {
		filters = append(filters, catalog.HasResolution(media.Resolution(res)))
	}
	if minDur := q.Get("min_duration"); minDur != "" {
		seconds, err := strconv.ParseFloat(minDur, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		filters = append(filters, catalog.MinDuration(seconds))
	}
	if prefix := q.Get("prefix"); prefix != "" {
		filters = append(filters, catalog.IDPrefix(prefix))
	}

	entries := h.catalog.List(catalog.And(filters...))
	if entries == nil {
		entries = []catalog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string][]catalog.Entry{"contents": entries})
}

func sortedResolutions(m media.Manifest) []media.Resolution {
	out := make([]media.Resolution, 0, len(m.Renditions))
	for res := range m.Renditions {
		out = append(out, res)
	}
	slices.Sort(out)
	return out
}

// longestRenditionDurations returns the duration list of the rendition with
// the most segments, the same rendition TotalDuration measures.
func longestRenditionDurations(m media.Manifest) []float64 {
	var longest []media.Segment
	for _, segs := range m.Renditions {
		if len(segs) > len(longest) {
			longest = segs
		}
	}
	durations := make([]float64, len(longest))
	for i, seg := range longest {
		durations[i] = seg.Duration
	}
	return durations
}
