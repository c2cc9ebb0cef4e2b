package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Latency stages.
const (
	StageFetch  = "fetch"
	StageDecode = "decode"
	StageEncode = "encode"
)

// Metrics groups the cache counters. A nil *Metrics records nothing.
type Metrics struct {
	Requests     *prometheus.CounterVec
	Fetches      *prometheus.CounterVec
	FetchedBytes prometheus.Counter
	Variants     prometheus.Counter
	Deliveries   *prometheus.CounterVec
	Evictions    *prometheus.CounterVec
	EvictedBytes *prometheus.CounterVec
	JobsInFlight prometheus.Gauge
	LowMemory    prometheus.Counter
	Latency      *LatencyTracker
}

// New registers the cache metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "picturecache_requests_total",
			Help: "Picture requests by how they were served",
		}, []string{"source"}),
		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "picturecache_fetches_total",
			Help: "Source downloads by result",
		}, []string{"result"}),
		FetchedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "picturecache_fetched_bytes_total",
			Help: "Bytes downloaded from sources",
		}),
		Variants: f.NewCounter(prometheus.CounterOpts{
			Name: "picturecache_variants_written_total",
			Help: "Variant files written to the cache",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "picturecache_deliveries_total",
			Help: "Notifications sent to handlers by kind",
		}, []string{"kind"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "picturecache_evictions_total",
			Help: "Entries removed by eviction",
		}, []string{"lifespan"}),
		EvictedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "picturecache_evicted_bytes_total",
			Help: "Bytes freed by eviction",
		}, []string{"lifespan"}),
		JobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "picturecache_jobs_in_flight",
			Help: "Download jobs currently running",
		}),
		LowMemory: f.NewCounter(prometheus.CounterOpts{
			Name: "picturecache_low_memory_total",
			Help: "Decodes refused by the pixel budget",
		}),
		Latency: NewLatencyTracker(0.01),
	}
}

func (m *Metrics) Request(source string) {
	if m != nil {
		m.Requests.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Fetch(result string, bytes int64) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.FetchedBytes.Add(float64(bytes))
	}
}

func (m *Metrics) VariantWritten() {
	if m != nil {
		m.Variants.Inc()
	}
}

func (m *Metrics) Delivery(kind string) {
	if m != nil {
		m.Deliveries.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Evicted(lifespan string, count int, bytes int64) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(lifespan).Add(float64(count))
	m.EvictedBytes.WithLabelValues(lifespan).Add(float64(bytes))
}

func (m *Metrics) JobStarted() {
	if m != nil {
		m.JobsInFlight.Inc()
	}
}

func (m *Metrics) JobDone() {
	if m != nil {
		m.JobsInFlight.Dec()
	}
}

func (m *Metrics) OutOfMemory() {
	if m != nil {
		m.LowMemory.Inc()
	}
}

// Tracker returns the latency tracker, nil when m is nil.
func (m *Metrics) Tracker() *LatencyTracker {
	if m == nil {
		return nil
	}
	return m.Latency
}
