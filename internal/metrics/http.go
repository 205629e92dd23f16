package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the /metrics handler for Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StatusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Not thread-safe. Must only be used within a single request handler.
type StatusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// NewStatusRecorder wraps w.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w}
}

func (r *StatusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

// Status returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *StatusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// ClassifyStatus converts an HTTP status code to a metric status label.
func ClassifyStatus(httpStatus int) string {
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus >= 400 && httpStatus < 500:
		return "client_error"
	default:
		return "error"
	}
}

// Instrument wraps h so that every request is counted and timed under
// service and operation. A nil m returns h unchanged.
func Instrument(m *DFSMetrics, service, operation string, h http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewStatusRecorder(w)
		h(rec, r)
		m.RecordRequest(service, operation, ClassifyStatus(rec.Status()), time.Since(start).Seconds())
	}
}
