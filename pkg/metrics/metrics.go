// Package metrics exposes pipeline, cache and rate limiter counters to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pario-ai/persona/pkg/models"
	"github.com/pario-ai/persona/pkg/pipeline"
)

const namespace = "persona"

// CacheSource provides cache counters.
type CacheSource interface {
	Stats() (models.CacheStats, error)
}

// LimiterSource provides rate limiter counters.
type LimiterSource interface {
	Stats() models.LimiterStats
}

// Metrics implements pipeline.Observer and serves the registry.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	upstream *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry. Either source may be nil.
func New(cache CacheSource, limiter LimiterSource) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Analysis requests by terminal state and failure reason",
		}, []string{"state", "reason", "cached"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent processing analysis requests",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2.5, 10),
		}, []string{"state"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Latency of analyzer calls",
			Buckets:   prometheus.ExponentialBuckets(0.05, 1.6, 12),
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.requests, m.duration, m.upstream,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cache != nil {
		reg.MustRegister(newCacheCollector(cache))
	}
	if limiter != nil {
		reg.MustRegister(newLimiterCollector(limiter))
	}
	return m
}

// ObserveRequest counts a finished request.
func (m *Metrics) ObserveRequest(state pipeline.State, reason pipeline.Reason, cached bool, elapsed time.Duration) {
	m.requests.WithLabelValues(string(state), string(reason), strconv.FormatBool(cached)).Inc()
	m.duration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
}

// ObserveUpstream records one analyzer call. An empty reason means success.
func (m *Metrics) ObserveUpstream(elapsed time.Duration, reason pipeline.Reason) {
	result := string(reason)
	if result == "" {
		result = "ok"
	}
	m.upstream.WithLabelValues(result).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

type cacheCollector struct {
	src         CacheSource
	entries     *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	expirations *prometheus.Desc
}

func newCacheCollector(src CacheSource) *cacheCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, nil, nil)
	}
	return &cacheCollector{
		src:         src,
		entries:     desc("entries", "Entries currently stored in the result cache"),
		hits:        desc("hits_total", "Cache lookups that returned a result"),
		misses:      desc("misses_total", "Cache lookups that found nothing usable"),
		evictions:   desc("evictions_total", "Entries evicted by the capacity bound"),
		expirations: desc("expirations_total", "Entries removed after their TTL"),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.expirations
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	st, err := c.src.Stats()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.entries, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.Entries))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(st.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(st.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(st.Evictions))
	ch <- prometheus.MustNewConstMetric(c.expirations, prometheus.CounterValue, float64(st.Expirations))
}

type limiterCollector struct {
	src      LimiterSource
	clients  *prometheus.Desc
	admitted *prometheus.Desc
	rejected *prometheus.Desc
	swept    *prometheus.Desc
}

func newLimiterCollector(src LimiterSource) *limiterCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "ratelimit", name), help, nil, nil)
	}
	return &limiterCollector{
		src:      src,
		clients:  desc("clients", "Clients with a tracked request window"),
		admitted: desc("admitted_total", "Requests admitted by the rate limiter"),
		rejected: desc("rejected_total", "Requests rejected by the rate limiter"),
		swept:    desc("swept_total", "Idle client windows removed by sweeps"),
	}
}

func (c *limiterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.clients
	ch <- c.admitted
	ch <- c.rejected
	ch <- c.swept
}

func (c *limiterCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.clients, prometheus.GaugeValue, float64(st.Clients))
	ch <- prometheus.MustNewConstMetric(c.admitted, prometheus.CounterValue, float64(st.Admitted))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(st.Rejected))
	ch <- prometheus.MustNewConstMetric(c.swept, prometheus.CounterValue, float64(st.Swept))
}
