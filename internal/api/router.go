package api

import (
	"github.com/go-chi/chi/v5"
)

// RouterConfig bundles the per-route middleware knobs.
type RouterConfig struct {
	// IngestRPS/IngestBurst rate-limit the upload and live ingest routes.
	// Zero disables limiting.
	IngestRPS   float64
	IngestBurst int
}

// Routes mounts every pipeline endpoint on r.
func (h *Handler) Routes(r chi.Router, cfg RouterConfig) {
	limit := RateLimit(cfg.IngestRPS, cfg.IngestBurst)

	r.With(limit).Post("/uploads/complete", h.CompleteUpload)

	r.Get("/contents", h.ListContents)
	r.Route("/contents/{content_id}", func(r chi.Router) {
		r.Get("/manifest", h.GetManifest)
		r.Get("/jobs/{job_id}", h.GetJob)
		r.Get("/renditions/{resolution}/playlist.m3u8", h.GetPlaylist)
	})

	r.Get("/segments/{content_id}/{resolution}/{sequence}.ts", h.GetSegment)

	r.Route("/live/sessions", func(r chi.Router) {
		r.With(limit).Post("/", h.StartLiveSession)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/", h.GetLiveSession)
			r.With(limit).Post("/chunks", h.IngestChunk)
			r.Post("/stop", h.StopLiveSession)
		})
	})

	r.Post("/progress", h.RecordProgress)
	r.Get("/resume", h.GetResume)
}
