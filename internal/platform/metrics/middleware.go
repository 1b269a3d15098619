package metrics

import (
	"net/http"
)

// statusRecorder captures the response status for classification.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestMiddleware returns chi-compatible middleware that counts every
// request and classifies the outcome: 5xx responses are pipeline errors,
// 4xx responses are caller rejections (bad input, rate limits, conflicts).
// Scrapes of the metrics endpoint itself are not counted.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.IncRequests()
			switch {
			case rec.status >= 500:
				m.IncErrors()
			case rec.status >= 400:
				m.IncRejected()
			}
		})
	}
}
