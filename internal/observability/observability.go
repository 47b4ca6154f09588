// Package observability wires structured logging and metrics the way
// cuemby-warren's pkg/log and pkg/metrics do: a zerolog Logger built
// once at startup by NewLogger, and a Registry of prometheus
// client_golang collectors plus a lightweight in-process percentile
// tracker for the rolling P50/P95/P99 figures spec.md's SLOs are stated
// against (a sliding reservoir, not a metrics-backend concern, so it is
// hand-rolled rather than imported).
package observability

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config configures the global logger, mirroring cuemby-warren's
// pkg/log.Config shape (level + json-vs-console).
type Config struct {
	Level string
	JSON  bool
}

// NewLogger builds a zerolog.Logger per Config.
func NewLogger(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out zerolog.Logger
	if cfg.JSON {
		out = zerolog.New(os.Stdout)
	} else {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return out.Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger scoped to a named component,
// grounded on cuemby-warren's pkg/log.WithComponent helper.
func WithComponent(log zerolog.Logger, component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithOperation further scopes a logger to one operation within a component.
func WithOperation(log zerolog.Logger, operation string) zerolog.Logger {
	return log.With().Str("operation", operation).Logger()
}

// Registry owns the process's prometheus collectors plus the rolling
// latency reservoirs backing spec.md 4.G's P50/P95/P99 figures.
type Registry struct {
	Registerer prometheus.Registerer

	counters   *prometheus.CounterVec
	gauges     *prometheus.GaugeVec
	histograms *prometheus.HistogramVec

	mu         sync.Mutex
	reservoirs map[string]*reservoir
}

// NewRegistry constructs a Registry and registers its collectors against reg.
// Pass prometheus.NewRegistry() in production, or a fresh one per test.
func NewRegistry(reg *prometheus.Registry) *Registry {
	r := &Registry{
		Registerer: reg,
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repod",
			Name:      "events_total",
			Help:      "Monotonic counters keyed by event name.",
		}, []string{"name"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "repod",
			Name:      "gauge",
			Help:      "Point-in-time gauges keyed by name.",
		}, []string{"name"}),
		histograms: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "repod",
			Name:      "latency_ms",
			Help:      "Observed latencies in milliseconds, keyed by name.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"name"}),
		reservoirs: make(map[string]*reservoir),
	}
	reg.MustRegister(r.counters, r.gauges, r.histograms)
	return r
}

// IncCounter increments a named counter.
func (r *Registry) IncCounter(name string) {
	r.counters.WithLabelValues(name).Inc()
}

// SetGauge sets a named gauge to v.
func (r *Registry) SetGauge(name string, v float64) {
	r.gauges.WithLabelValues(name).Set(v)
}

// ObserveLatency records a latency sample against both the prometheus
// histogram (for export/alerting) and the in-process reservoir (for
// cheap synchronous P50/P95/P99 reads through Percentiles). The query
// backoff in internal/query does not read these; it keeps its own
// per-session worst observed latency.
func (r *Registry) ObserveLatency(name string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	r.histograms.WithLabelValues(name).Observe(ms)

	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservoirs[name]
	if !ok {
		res = newReservoir(512)
		r.reservoirs[name] = res
	}
	res.add(ms)
}

// Percentiles reports the rolling P50/P95/P99 for a named latency series.
func (r *Registry) Percentiles(name string) (p50, p95, p99 float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservoirs[name]
	if !ok {
		return 0, 0, 0
	}
	return res.percentile(50), res.percentile(95), res.percentile(99)
}

// reservoir is a fixed-capacity ring buffer of recent samples, sorted on
// read. 512 samples is enough resolution for P99 without unbounded memory
// growth across a long-running process.
type reservoir struct {
	samples []float64
	cap     int
	next    int
	full    bool
}

func newReservoir(cap int) *reservoir {
	return &reservoir{samples: make([]float64, cap), cap: cap}
}

func (r *reservoir) add(v float64) {
	r.samples[r.next] = v
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *reservoir) percentile(p float64) float64 {
	n := r.next
	if r.full {
		n = r.cap
	}
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, r.samples[:n])
	sort.Float64s(sorted)
	idx := int(p / 100.0 * float64(n-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
