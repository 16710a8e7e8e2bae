// Package metrics exposes the gateway's ambient Prometheus counters. This is
// deliberately narrower than a health-check surface (explicitly out of
// scope): just the two counters operators asked for — retry attempts against
// the cloud API and cache hit/miss — registered on their own registry so
// /metrics never pulls in default Go-runtime collectors unasked.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector bundles the gateway's counters and satisfies
// cloudclient.RetryObserver without cloudclient importing this package.
type Collector struct {
	Registry *prometheus.Registry

	retries   *prometheus.CounterVec
	cacheHits *prometheus.CounterVec
}

// New creates and registers the gateway's counters on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cloud_retries_total",
		Help: "Number of retried cloud API calls, by operation.",
	}, []string{"op"})

	cacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_lookups_total",
		Help: "Metadata cache lookups, partitioned by hit or miss.",
	}, []string{"result"})

	reg.MustRegister(retries, cacheHits)

	return &Collector{Registry: reg, retries: retries, cacheHits: cacheHits}
}

// ObserveRetry implements cloudclient.RetryObserver.
func (c *Collector) ObserveRetry(op string) {
	c.retries.WithLabelValues(op).Inc()
}

// ObserveCacheHit records a cache lookup outcome.
func (c *Collector) ObserveCacheHit(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheHits.WithLabelValues(result).Inc()
}
