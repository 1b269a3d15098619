package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the segmentation pipeline.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	rejectedTotal        prometheus.Counter
	jobsEnqueuedTotal    prometheus.Counter
	jobsSucceededTotal   prometheus.Counter
	jobsFailedTotal      prometheus.Counter
	segmentsWrittenTotal prometheus.Counter
	manifestAppendsTotal prometheus.Counter
	sequenceGapsTotal    prometheus.Counter
	chunksShedTotal      prometheus.Counter
	degradedTotal        prometheus.Counter
	queueDepth           prometheus.Gauge
	liveSessions         prometheus.Gauge
}

// New creates and registers the pipeline's Prometheus metrics on a dedicated
// registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_request_errors_total",
			Help: "Total number of HTTP responses with a server error status (5xx)",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_requests_rejected_total",
			Help: "Total number of HTTP responses with a client error status (4xx)",
		}),
		jobsEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_enqueued_total",
			Help: "Total number of transcode jobs accepted by the dispatcher",
		}),
		jobsSucceededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_succeeded_total",
			Help: "Total number of jobs acked by workers",
		}),
		jobsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_failed_total",
			Help: "Total number of job attempts reported failed",
		}),
		segmentsWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_segments_written_total",
			Help: "Total number of segments durably written to the store",
		}),
		manifestAppendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_manifest_appends_total",
			Help: "Total number of segments appended to manifests",
		}),
		sequenceGapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_sequence_gaps_total",
			Help: "Total number of fatal out-of-order manifest appends",
		}),
		chunksShedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_live_chunks_shed_total",
			Help: "Total number of live chunks shed under backpressure",
		}),
		degradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_live_sessions_degraded_total",
			Help: "Total number of live sessions flagged degraded",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Number of jobs queued or claimed",
		}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_live_sessions_active",
			Help: "Number of live sessions not yet ended",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.rejectedTotal,
		m.jobsEnqueuedTotal,
		m.jobsSucceededTotal,
		m.jobsFailedTotal,
		m.segmentsWrittenTotal,
		m.manifestAppendsTotal,
		m.sequenceGapsTotal,
		m.chunksShedTotal,
		m.degradedTotal,
		m.queueDepth,
		m.liveSessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }

// IncErrors increments the server-error (5xx) counter.
func (m *Metrics) IncErrors() { m.errorsTotal.Inc() }

// IncRejected increments the client-error (4xx) counter. Backpressure 503s
// land in IncErrors, not here; rejections are the caller's fault.
func (m *Metrics) IncRejected() { m.rejectedTotal.Inc() }

// IncJobsEnqueued increments the accepted-jobs counter.
func (m *Metrics) IncJobsEnqueued() { m.jobsEnqueuedTotal.Inc() }

// IncJobsSucceeded increments the acked-jobs counter.
func (m *Metrics) IncJobsSucceeded() { m.jobsSucceededTotal.Inc() }

// IncJobsFailed increments the failed-attempts counter.
func (m *Metrics) IncJobsFailed() { m.jobsFailedTotal.Inc() }

// IncSegmentsWritten increments the durable-segment counter.
func (m *Metrics) IncSegmentsWritten() { m.segmentsWrittenTotal.Inc() }

// IncManifestAppends increments the manifest-append counter.
func (m *Metrics) IncManifestAppends() { m.manifestAppendsTotal.Inc() }

// IncSequenceGaps increments the fatal-gap counter.
func (m *Metrics) IncSequenceGaps() { m.sequenceGapsTotal.Inc() }

// IncChunksShed increments the shed-chunk counter.
func (m *Metrics) IncChunksShed() { m.chunksShedTotal.Inc() }

// IncDegraded increments the degraded-session counter.
func (m *Metrics) IncDegraded() { m.degradedTotal.Inc() }

// SetQueueDepth sets the queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// SetLiveSessions sets the active live session gauge.
func (m *Metrics) SetLiveSessions(n int) { m.liveSessions.Set(float64(n)) }

// Handler returns an http.Handler that serves the registry. updateGauges is
// called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
