// Package metrics holds the Prometheus collectors exported by the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "linkbottle"

// Metrics groups the collectors for the resolution cache and the click pipeline
type Metrics struct {
	CacheLookups     *prometheus.CounterVec
	ClicksRecorded   prometheus.Counter
	FlushCycles      *prometheus.CounterVec
	ClicksFlushed    prometheus.Counter
	DroppedMembers   prometheus.Counter
	FlushDuration    prometheus.Histogram
	DirtyLinks       prometheus.Gauge
	LastFlushSuccess prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Resolution cache lookups by kind and result.",
		}, []string{"kind", "result"}),
		ClicksRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clicks",
			Name:      "recorded_total",
			Help:      "Clicks recorded into the write-back aggregator.",
		}),
		FlushCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "cycles_total",
			Help:      "Flush cycles by result.",
		}, []string{"result"}),
		ClicksFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "clicks_total",
			Help:      "Clicks committed to the durable store.",
		}),
		DroppedMembers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "dropped_members_total",
			Help:      "Dirty set members discarded because they do not name a link.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Duration of flush cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		DirtyLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "dirty_links",
			Help:      "Links with unflushed click deltas.",
		}),
		LastFlushSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful flush cycle.",
		}),
	}

	reg.MustRegister(
		m.CacheLookups,
		m.ClicksRecorded,
		m.FlushCycles,
		m.ClicksFlushed,
		m.DroppedMembers,
		m.FlushDuration,
		m.DirtyLinks,
		m.LastFlushSuccess,
	)

	return m
}

// NewNop returns metrics registered against a private registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// CacheHit records a cache hit for the given lookup kind
func (m *Metrics) CacheHit(kind string) {
	m.CacheLookups.WithLabelValues(kind, "hit").Inc()
}

// CacheMiss records a cache miss for the given lookup kind
func (m *Metrics) CacheMiss(kind string) {
	m.CacheLookups.WithLabelValues(kind, "miss").Inc()
}

// ObserveFlush records the outcome of one flush cycle
func (m *Metrics) ObserveFlush(result string, started time.Time, clicks int64) {
	m.FlushCycles.WithLabelValues(result).Inc()
	m.FlushDuration.Observe(time.Since(started).Seconds())
	if clicks > 0 {
		m.ClicksFlushed.Add(float64(clicks))
	}
}
