package telemetry

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// _namespace is the constant prometheus namespace for every metric this
// engine exports.
const _namespace = "shelf"

// NewRegistry creates a registry with the default Go/process collectors
// already registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: _namespace}),
		collectors.NewBuildInfoCollector(),
	)
	return reg
}

// CacheMetrics counts cache-controller operations by field/table/writer.
type CacheMetrics struct {
	ops        *prometheus.CounterVec
	dirtyGauge prometheus.Gauge
	lockWait   *prometheus.HistogramVec
}

// NewCacheMetrics registers and returns cache-controller counters.
func NewCacheMetrics(reg *prometheus.Registry) *CacheMetrics {
	ops := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Counts of cache controller operations by field and verb.",
		},
		[]string{"field", "verb"},
	)
	dirtyGauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _namespace,
			Subsystem: "cache",
			Name:      "dirty_queue_length",
			Help:      "Number of books currently dirtied awaiting OPF backup.",
		},
	)
	lockWait := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _namespace,
			Subsystem: "cache",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire the controller lock.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
	if reg != nil {
		reg.MustRegister(ops, dirtyGauge, lockWait)
	}
	return &CacheMetrics{ops: ops, dirtyGauge: dirtyGauge, lockWait: lockWait}
}

// OpInc records one operation of the given verb against a field.
func (m *CacheMetrics) OpInc(field, verb string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(field, verb).Inc()
}

// DirtyQueueSet records the current dirtied-book queue length.
func (m *CacheMetrics) DirtyQueueSet(n int) {
	if m == nil {
		return
	}
	m.dirtyGauge.Set(float64(n))
}

// LockWaitObserve records how long a caller waited for the given lock mode
// ("read" or "write").
func (m *CacheMetrics) LockWaitObserve(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(mode).Observe(d.Seconds())
}

// StoreMetrics counts Store driver operations and retries.
type StoreMetrics struct {
	ops     *prometheus.CounterVec
	retries prometheus.Counter
}

// NewStoreMetrics registers and returns Store driver counters.
func NewStoreMetrics(reg *prometheus.Registry) *StoreMetrics {
	ops := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Counts of Store driver operations by table and verb.",
		},
		[]string{"table", "verb"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Count of transient StoreError retries.",
		},
	)
	if reg != nil {
		reg.MustRegister(ops, retries)
	}
	return &StoreMetrics{ops: ops, retries: retries}
}

// OpInc records one Store operation.
func (m *StoreMetrics) OpInc(table, verb string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(table, verb).Inc()
}

// RetryInc records one transient-error retry.
func (m *StoreMetrics) RetryInc() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// MaintainMetrics counts maintainer sweeps.
type MaintainMetrics struct {
	sweeps  *prometheus.CounterVec
	pending prometheus.Gauge
}

// NewMaintainMetrics registers and returns maintainer counters.
func NewMaintainMetrics(reg *prometheus.Registry) *MaintainMetrics {
	sweeps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: "maintain",
			Name:      "sweeps_total",
			Help:      "Counts of maintainer task sweeps by kind.",
		},
		[]string{"kind"},
	)
	pending := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _namespace,
			Subsystem: "maintain",
			Name:      "pending_records",
			Help:      "Number of dirty-record events waiting to be processed.",
		},
	)
	if reg != nil {
		reg.MustRegister(sweeps, pending)
	}
	return &MaintainMetrics{sweeps: sweeps, pending: pending}
}

// SweepInc records one maintainer sweep of the given kind.
func (m *MaintainMetrics) SweepInc(kind string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(kind).Inc()
}

// PendingSet records the current size of the dirty-record queue.
func (m *MaintainMetrics) PendingSet(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// Value is a small test helper that reads a counter/gauge's current value
// back out without a full scrape.
func Value(c prometheus.Collector) float64 {
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)
	m := <-ch
	if m == nil {
		return 0
	}
	d := &dto.Metric{}
	_ = m.Write(d)
	if d.GetCounter() != nil {
		return d.GetCounter().GetValue()
	}
	if d.GetGauge() != nil {
		return d.GetGauge().GetValue()
	}
	return 0
}

// _patternRE strips `{...}` route params so dynamic paths collapse to a
// single metrics label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	return strings.ReplaceAll(p, "//", "/")
}

// Instrument wraps an HTTP handler (the admin/metrics surface only; the
// engine does not expose a catalog wire protocol) to record request
// latency and in-flight counts.
func Instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _namespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"method", "path", "status"},
	)
	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: _namespace,
		Subsystem: "http",
		Name:      "inflight",
		Help:      "Current number of in-flight admin HTTP requests.",
	})
	if reg != nil {
		reg.MustRegister(requests, inflight)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := normalizePattern(r.Pattern)
		if path == "" {
			return
		}
		requests.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Observe(time.Since(start).Seconds())
	})
}
