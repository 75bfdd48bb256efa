package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Request metrics are labelled by chi route template, never by raw path, so
// model ids in URLs do not grow the series count.
var (
	apiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trtd",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "API calls answered, by route template, method and response code.",
	}, []string{"route", "method", "code"})

	apiLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trtd",
		Subsystem: "api",
		Name:      "request_seconds",
		Help:      "Wall time from routing to the last byte written, including engine load and compile.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 12),
	}, []string{"route", "method"})

	apiActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trtd",
		Subsystem: "api",
		Name:      "active_requests",
		Help:      "API calls currently being served.",
	})

	apiRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trtd",
		Subsystem: "api",
		Name:      "rejected_total",
		Help:      "API calls answered 429 because the model could not admit them.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(apiRequests, apiLatency, apiActive, apiRejected)
}

// codeWriter remembers the response code for the request counter.
type codeWriter struct {
	http.ResponseWriter
	code int
}

func (cw *codeWriter) WriteHeader(code int) {
	cw.code = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *codeWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *codeWriter) Unwrap() http.ResponseWriter { return cw.ResponseWriter }

// Instrument counts and times every API call.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiActive.Inc()
		defer apiActive.Dec()

		cw := &codeWriter{ResponseWriter: w, code: http.StatusOK}
		t0 := time.Now()
		next.ServeHTTP(cw, r)

		route := routeTemplate(r)
		apiLatency.WithLabelValues(route, r.Method).Observe(time.Since(t0).Seconds())
		apiRequests.WithLabelValues(route, r.Method, strconv.Itoa(cw.code)).Inc()
	})
}

// routeTemplate is only meaningful after chi has routed r. Unmatched
// requests share one label.
func routeTemplate(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// CountRejection records a 429 answer; an empty reason is "unspecified".
func CountRejection(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	apiRejected.WithLabelValues(reason).Inc()
}
