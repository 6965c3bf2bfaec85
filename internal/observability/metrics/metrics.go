package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vidhub"

// Recorder owns a private Prometheus registry with the HTTP, ingest,
// streaming, view accounting, and garbage collection series. Every method is
// safe for concurrent use.
type Recorder struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	ingestResults   *prometheus.CounterVec
	ingestStages    *prometheus.HistogramVec
	streamedBytes   *prometheus.CounterVec
	activeStreams   *prometheus.GaugeVec
	viewIncrements  *prometheus.CounterVec
	viewFlushed     prometheus.Counter
	gcResults       *prometheus.CounterVec
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// New constructs a Recorder with a fresh registry that also exposes the Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ingestResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_results_total",
			Help:      "Ingestion attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		ingestStages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_stage_duration_seconds",
			Help:      "Time spent in each ingestion stage.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		streamedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamed_bytes_total",
			Help:      "Bytes written to clients by object kind.",
		}, []string{"kind"}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Responses currently streaming object bytes.",
		}, []string{"kind"}),
		viewIncrements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_increments_total",
			Help:      "View count increments by result.",
		}, []string{"result"}),
		viewFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_flushed_total",
			Help:      "Buffered views applied to the metadata store.",
		}),
		gcResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_videos_total",
			Help:      "Videos handled by the media garbage collector by result.",
		}, []string{"result"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.ingestResults,
		r.ingestStages,
		r.streamedBytes,
		r.activeStreams,
		r.viewIncrements,
		r.viewFlushed,
		r.gcResults,
	)
	return r
}

// Default returns the process-wide Recorder, creating it on first use.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = New()
	})
	return defaultRecorder
}

// Registry exposes the underlying registry so callers can register
// additional collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one HTTP request. Identifier-like path segments are
// collapsed to keep label cardinality bounded.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.requests.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

// ObserveRoute records one HTTP request labelled by the mux pattern that
// served it, e.g. "GET /{username}/video/{filename}".
func (r *Recorder) ObserveRoute(method, pattern string, status int, duration time.Duration) {
	path := strings.TrimSpace(pattern)
	if i := strings.IndexByte(path, ' '); i >= 0 {
		path = strings.TrimSpace(path[i+1:])
	}
	if path == "" {
		path = "unmatched"
	}
	m := strings.ToUpper(method)
	r.requests.WithLabelValues(m, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, path).Observe(duration.Seconds())
}

// ObserveIngest counts a finished ingestion attempt.
func (r *Recorder) ObserveIngest(strategy, outcome string) {
	r.ingestResults.WithLabelValues(normalizeName(strategy), normalizeName(outcome)).Inc()
}

// ObserveIngestStage records how long a named ingestion stage took.
func (r *Recorder) ObserveIngestStage(stage string, duration time.Duration) {
	r.ingestStages.WithLabelValues(normalizeName(stage)).Observe(duration.Seconds())
}

// StreamStarted marks a response of the given kind as actively streaming.
func (r *Recorder) StreamStarted(kind string) {
	r.activeStreams.WithLabelValues(normalizeName(kind)).Inc()
}

// StreamStopped records the bytes a finished response wrote and releases its
// slot in the active gauge.
func (r *Recorder) StreamStopped(kind string, written int64) {
	k := normalizeName(kind)
	r.activeStreams.WithLabelValues(k).Dec()
	if written > 0 {
		r.streamedBytes.WithLabelValues(k).Add(float64(written))
	}
}

// ObserveViewIncrement counts a view increment by result (ok, not_found, error).
func (r *Recorder) ObserveViewIncrement(result string) {
	r.viewIncrements.WithLabelValues(normalizeName(result)).Inc()
}

// ObserveViewsFlushed counts buffered views written through to the store.
func (r *Recorder) ObserveViewsFlushed(n int64) {
	if n > 0 {
		r.viewFlushed.Add(float64(n))
	}
}

// ObserveGC counts videos handled by one garbage collection pass.
func (r *Recorder) ObserveGC(result string, n int) {
	if n > 0 {
		r.gcResults.WithLabelValues(normalizeName(result)).Add(float64(n))
	}
}

// Handler exposes the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier treats uuid-length segments, file names, and
// digit-heavy segments as identifiers.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 24 || strings.Contains(segment, ".") {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
