// Package metrics provides performance tracking for the substrate using an
// in-process aggregation window plus Prometheus export.
//
// # Overview
//
// The package provides:
//   - A non-blocking Collector that components record samples into
//   - Windowed roll-ups (sum/count for counters, last value for gauges,
//     bucketed distributions for histograms) with retention-based expiry
//   - Prometheus-compatible vectors for cross-cutting series
//   - Thread-safe recording that never blocks or fails the producer
//
// # Basic Usage
//
//	collector := metrics.NewCollector(cfg)
//	defer collector.Close()
//
//	collector.RecordCounter("pool_acquires", 1, metrics.Labels{"result": "hit"})
//	collector.RecordGauge("queue_depth", float64(depth), nil)
//
//	timer := metrics.NewTimer()
//	doWork()
//	collector.RecordHistogram("flush_latency", float64(timer.Stop().Nanoseconds()), nil)
//
// # Performance Considerations
//
// Record pushes samples through a buffered channel drained by a single
// aggregator goroutine. When the buffer is full the sample is dropped and
// counted, never blocking the caller.
package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orbitdrift/substrate/pkg/config"
)

// Kind identifies the aggregation behavior of a metric.
type Kind string

const (
	// KindCounter accumulates sum and count over the window
	KindCounter Kind = "counter"
	// KindGauge keeps the last recorded value
	KindGauge Kind = "gauge"
	// KindHistogram buckets recorded values
	KindHistogram Kind = "histogram"
)

// Labels is a small key-value label set attached to a sample.
type Labels map[string]string

// Sample is a single recorded measurement.
type Sample struct {
	Name      string
	Kind      Kind
	Value     float64
	Timestamp time.Time
	Labels    Labels
}

// MetricView is the rolled-up view of one series over the current window.
type MetricView struct {
	Name    string            `json:"name"`
	Kind    Kind              `json:"kind"`
	Labels  Labels            `json:"labels,omitempty"`
	Sum     float64           `json:"sum"`
	Count   int64             `json:"count"`
	Last    float64           `json:"last"`
	Buckets map[float64]int64 `json:"buckets,omitempty"`
	Updated time.Time         `json:"updated"`
}

// defaultBuckets is the latency bucket ladder in nanoseconds, tuned for
// sub-millisecond through multi-second operations.
var defaultBuckets = []float64{
	100,    // 100ns
	1000,   // 1μs
	10000,  // 10μs
	100000, // 100μs
	1e6,    // 1ms
	1e7,    // 10ms
	1e8,    // 100ms
	1e9,    // 1s
	1e10,   // 10s
}

// timeBucket holds aggregates for one aggregation interval.
type timeBucket struct {
	sum   float64
	count int64
	hist  []int64
}

// series is the windowed state of one name+labels combination.
type series struct {
	name       string
	kind       Kind
	labels     Labels
	buckets    []timeBucket
	current    int
	last       float64
	lastUpdate time.Time
}

// Collector aggregates samples into a rolling window. It is safe for
// concurrent use and recording never blocks the caller.
type Collector struct {
	cfg     config.MetricsConfig
	samples chan Sample
	dropped int64

	mu     sync.RWMutex
	series map[string]*series

	startTime time.Time
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewCollector creates a collector and starts its aggregator goroutine.
// The configuration must already be validated.
func NewCollector(cfg config.MetricsConfig) *Collector {
	c := &Collector{
		cfg:       cfg,
		samples:   make(chan Sample, cfg.BufferSize),
		series:    make(map[string]*series),
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.aggregate()
	return c
}

// Record appends a sample. It never blocks: if the internal buffer is full
// the sample is dropped and counted in DroppedSamples.
func (c *Collector) Record(name string, kind Kind, value float64, labels Labels) {
	s := Sample{
		Name:      name,
		Kind:      kind,
		Value:     value,
		Timestamp: time.Now(),
		Labels:    labels,
	}
	select {
	case c.samples <- s:
	default:
		atomic.AddInt64(&c.dropped, 1)
	}
}

// RecordCounter records a counter sample.
func (c *Collector) RecordCounter(name string, value float64, labels Labels) {
	c.Record(name, KindCounter, value, labels)
}

// RecordGauge records a gauge sample.
func (c *Collector) RecordGauge(name string, value float64, labels Labels) {
	c.Record(name, KindGauge, value, labels)
}

// RecordHistogram records a histogram sample.
func (c *Collector) RecordHistogram(name string, value float64, labels Labels) {
	c.Record(name, KindHistogram, value, labels)
}

// GetAllMetrics returns the current window's rolled-up view keyed by
// name plus sorted labels.
func (c *Collector) GetAllMetrics() map[string]MetricView {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]MetricView, len(c.series))
	for key, s := range c.series {
		view := MetricView{
			Name:    s.name,
			Kind:    s.kind,
			Labels:  s.labels,
			Last:    s.last,
			Updated: s.lastUpdate,
		}
		for i := range s.buckets {
			view.Sum += s.buckets[i].sum
			view.Count += s.buckets[i].count
		}
		if s.kind == KindHistogram {
			view.Buckets = make(map[float64]int64, len(defaultBuckets)+1)
			for _, b := range s.buckets {
				if b.hist == nil {
					continue
				}
				for i, bound := range defaultBuckets {
					view.Buckets[bound] += b.hist[i]
				}
				view.Buckets[math.Inf(1)] += b.hist[len(defaultBuckets)]
			}
		}
		out[key] = view
	}
	return out
}

// DroppedSamples returns the number of samples dropped due to backpressure.
func (c *Collector) DroppedSamples() int64 {
	return atomic.LoadInt64(&c.dropped)
}

// StartTime returns when the collector was created.
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

// Close stops the aggregator goroutine. Samples recorded after Close are
// silently discarded.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		<-c.done
	})
}

// aggregate drains the sample buffer and advances the window on each tick.
func (c *Collector) aggregate() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.AggregationInterval)
	defer ticker.Stop()

	for {
		select {
		case s := <-c.samples:
			c.apply(s)
		case <-ticker.C:
			c.advance()
		case <-c.stopCh:
			// Drain what is already buffered before exiting
			for {
				select {
				case s := <-c.samples:
					c.apply(s)
				default:
					return
				}
			}
		}
	}
}

// apply folds one sample into its series.
func (c *Collector) apply(s Sample) {
	key := seriesKey(s.Name, s.Labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	sr, ok := c.series[key]
	if !ok {
		sr = &series{
			name:    s.Name,
			kind:    s.Kind,
			labels:  s.Labels,
			buckets: make([]timeBucket, c.numBuckets()),
		}
		c.series[key] = sr
	}

	b := &sr.buckets[sr.current]
	b.sum += s.Value
	b.count++
	if s.Kind == KindHistogram {
		if b.hist == nil {
			// One extra slot catches values past the top bound
			b.hist = make([]int64, len(defaultBuckets)+1)
		}
		idx := len(defaultBuckets)
		for i, bound := range defaultBuckets {
			if s.Value <= bound {
				idx = i
				break
			}
		}
		b.hist[idx]++
	}
	sr.last = s.Value
	sr.lastUpdate = s.Timestamp
}

// advance rotates each series ring by one interval and drops series that
// have seen no samples within the retention period.
func (c *Collector) advance() {
	cutoff := time.Now().Add(-c.cfg.RetentionPeriod)

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sr := range c.series {
		if sr.lastUpdate.Before(cutoff) {
			delete(c.series, key)
			continue
		}
		sr.current = (sr.current + 1) % len(sr.buckets)
		sr.buckets[sr.current] = timeBucket{}
	}
}

// numBuckets sizes the per-series ring so the window spans the retention period.
func (c *Collector) numBuckets() int {
	n := int(c.cfg.RetentionPeriod / c.cfg.AggregationInterval)
	if n < 1 {
		n = 1
	}
	return n
}

// seriesKey builds a stable key from a name and sorted labels.
func seriesKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteByte('{')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
		sb.WriteByte('}')
	}
	return sb.String()
}

var (
	// OperationsTotal tracks substrate operations by component and outcome.
	// Labels: component, operation, status (success/failure)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_operations_total",
			Help: "Total number of substrate operations",
		},
		[]string{"component", "operation", "status"},
	)

	// OperationLatency tracks operation latency distributions in nanoseconds.
	// Labels: component, operation
	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "substrate_operation_latency_nanoseconds",
			Help:    "Operation latency in nanoseconds",
			Buckets: defaultBuckets,
		},
		[]string{"component", "operation"},
	)

	// ConnectionsActive tracks pooled connections by state.
	// Labels: state (idle/in_use)
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "substrate_connections",
			Help: "Number of pooled connections by state",
		},
		[]string{"state"},
	)

	// CacheEntries tracks live cache entries per namespace.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "substrate_cache_entries",
			Help: "Number of live cache entries",
		},
		[]string{"namespace"},
	)

	// QueueDepth tracks queue depths across the substrate.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "substrate_queue_depth",
			Help: "Current queue depth",
		},
		[]string{"queue_name"},
	)

	// HealthStatus exposes component health (1 healthy, 0.5 degraded, 0 unhealthy).
	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "substrate_health_status",
			Help: "Component health status (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"component"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since the timer was created.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
