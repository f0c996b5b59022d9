package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// namespace is the leading part of all published metrics.
const namespace = "memmesh"

const cacheSubsystem = "remote_cache"

type metrics struct {
	hits      prometheus.Counter // Reads that found the address in its slot.
	misses    prometheus.Counter // Reads of an empty or foreign slot.
	writes    prometheus.Counter // Entries stored or refreshed.
	evictions prometheus.Counter // Writes that displaced a different address.
	removals  prometheus.Counter // Stale entries cleared by Remove.
}

func newMetrics() *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: cacheSubsystem,
			Name:      name,
			Help:      help,
		})
	}
	return &metrics{
		hits:      counter("hits_total", "Number of cache reads that found a valid entry."),
		misses:    counter("misses_total", "Number of cache reads that missed."),
		writes:    counter("writes_total", "Number of entries written to the cache."),
		evictions: counter("evictions_total", "Number of entries displaced by a colliding address."),
		removals:  counter("removals_total", "Number of stale entries removed."),
	}
}

// PrometheusCollectors returns the metrics of this cache.
func (c *Cache) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.metrics.hits,
		c.metrics.misses,
		c.metrics.writes,
		c.metrics.evictions,
		c.metrics.removals,
	}
}
