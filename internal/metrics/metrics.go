package metrics

import (
	"maps"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records variant cache reads.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records variant cache writes.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationPurge records purge fan-out deletions.
	CacheOperationPurge CacheOperation = "purge"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	CacheLookupHit   CacheLookupOutcome = "hit"
	CacheLookupMiss  CacheLookupOutcome = "miss"
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache write.
type CacheStoreOutcome string

const (
	CacheStoreStored CacheStoreOutcome = "stored"
	CacheStoreError  CacheStoreOutcome = "error"
)

// Recorder publishes Prometheus metrics and keeps the local request counters
// the performance monitor samples when no edge provider is active.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	encodeLatency *prometheus.HistogramVec
	edgeCalls     *prometheus.CounterVec
	alerts        *prometheus.CounterVec

	local *Counters
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgepix",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests served.",
	}, []string{"route", "status_code", "from_cache"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edgepix",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed HTTP requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgepix",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Variant cache operations.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edgepix",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for variant cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	encodeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edgepix",
		Subsystem: "codec",
		Name:      "encode_duration_seconds",
		Help:      "Latency distribution for codec encodes by output format.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"format", "result"})

	edgeCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgepix",
		Subsystem: "edge",
		Name:      "calls_total",
		Help:      "Calls made to the edge provider.",
	}, []string{"operation", "result"})

	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgepix",
		Subsystem: "monitor",
		Name:      "alerts_total",
		Help:      "Performance alerts raised by the monitor.",
	}, []string{"severity"})

	reg.MustRegister(httpRequests, httpLatency, cacheOperations, cacheLatency, encodeLatency, edgeCalls, alerts)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		httpRequests:    httpRequests,
		httpLatency:     httpLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		encodeLatency:   encodeLatency,
		edgeCalls:       edgeCalls,
		alerts:          alerts,
		local:           NewCounters(),
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// Local returns the in-process request counters. A nil Recorder yields an
// empty, detached set.
func (r *Recorder) Local() *Counters {
	if r == nil {
		return NewCounters()
	}
	return r.local
}

// ObserveHTTP records one completed request.
func (r *Recorder) ObserveHTTP(route string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.httpRequests.WithLabelValues(routeLabel, statusLabel, strconv.FormatBool(fromCache)).Inc()
	r.httpLatency.WithLabelValues(routeLabel).Observe(duration.Seconds())
}

// ObserveDelivery feeds the local counters with one served image.
func (r *Recorder) ObserveDelivery(region string, bytes int, duration time.Duration) {
	if r == nil {
		return
	}
	r.local.addDelivery(region, bytes, duration)
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	switch result {
	case CacheLookupHit:
		r.local.hits.Add(1)
	default:
		r.local.misses.Add(1)
	}
	r.observeCache(CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache write.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(CacheOperationStore, resultLabel, duration)
}

// ObserveCachePurge records how many keys a purge removed.
func (r *Recorder) ObserveCachePurge(removed int) {
	if r == nil || removed <= 0 {
		return
	}
	r.cacheOperations.WithLabelValues(string(CacheOperationPurge), "deleted").Add(float64(removed))
}

// ObserveEncode records codec latency for one output format.
func (r *Recorder) ObserveEncode(format string, ok bool, duration time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.encodeLatency.WithLabelValues(normalizeLabel(format), result).Observe(duration.Seconds())
}

// ObserveEdgeCall records one remote call to the edge provider.
func (r *Recorder) ObserveEdgeCall(operation, result string) {
	if r == nil {
		return
	}
	r.edgeCalls.WithLabelValues(normalizeLabel(operation), normalizeLabel(result)).Inc()
}

// ObserveAlert counts a raised alert.
func (r *Recorder) ObserveAlert(severity string) {
	if r == nil {
		return
	}
	r.alerts.WithLabelValues(normalizeLabel(severity)).Inc()
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

// Counters are cumulative since process start.
type Counters struct {
	requests  atomic.Int64
	bytes     atomic.Int64
	latencyNs atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64

	mu      sync.Mutex
	regions map[string]int64
}

// NewCounters returns a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{regions: make(map[string]int64)}
}

func (c *Counters) addDelivery(region string, bytes int, duration time.Duration) {
	c.requests.Add(1)
	c.bytes.Add(int64(bytes))
	c.latencyNs.Add(int64(duration))
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		return
	}
	c.mu.Lock()
	c.regions[region]++
	c.mu.Unlock()
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Requests     int64
	Bytes        int64
	TotalLatency time.Duration
	Hits         int64
	Misses       int64
	Regions      map[string]int64
}

// Snapshot copies the current values.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	regions := maps.Clone(c.regions)
	c.mu.Unlock()
	return Snapshot{
		Requests:     c.requests.Load(),
		Bytes:        c.bytes.Load(),
		TotalLatency: time.Duration(c.latencyNs.Load()),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Regions:      regions,
	}
}

// HitRatio is hits over lookups; with no lookups it is 1.
func (s Snapshot) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 1
	}
	return float64(s.Hits) / float64(total)
}

// MeanLatency is the average delivery latency, zero without requests.
func (s Snapshot) MeanLatency() time.Duration {
	if s.Requests == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Requests)
}

// Sub returns the difference s - prev, used to turn cumulative counters into
// per-interval figures.
func (s Snapshot) Sub(prev Snapshot) Snapshot {
	out := Snapshot{
		Requests:     s.Requests - prev.Requests,
		Bytes:        s.Bytes - prev.Bytes,
		TotalLatency: s.TotalLatency - prev.TotalLatency,
		Hits:         s.Hits - prev.Hits,
		Misses:       s.Misses - prev.Misses,
		Regions:      make(map[string]int64, len(s.Regions)),
	}
	for region, n := range s.Regions {
		if d := n - prev.Regions[region]; d > 0 {
			out.Regions[region] = d
		}
	}
	return out
}
