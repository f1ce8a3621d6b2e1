/*
Package metrics exports artifact cache events to Prometheus.

# Overview

Collector implements types.MetricsRecorder. The cache calls it on every
lookup, put, eviction and contained failure; gauges for memory tier size,
entry count and hit ratio are polled from a StatsProvider.

	┌─────────────┐
	│    Cache    │ ── RecordLookup / RecordEviction / RecordDegraded
	└──────┬──────┘
	       │ Stats() (polled)
	┌──────▼──────┐         ┌──────────────────┐
	│  Collector  │ ──────▶ │  HTTP endpoints  │
	│  registry   │         │  /metrics        │
	└─────────────┘         │  /health         │
	                        │  /debug/operations│
	                        └──────────────────┘

# Usage

	collector, err := metrics.NewCollector(metrics.DefaultConfig(), logger)
	if err != nil {
		return err
	}
	c, err := cache.New(cfg.Cache, cache.Options{Metrics: collector})
	if err != nil {
		return err
	}
	collector.SetProvider(c)
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

# Exported Series

With the default namespace:

	artifactcache_operations_total{operation, status}
	artifactcache_operation_duration_seconds{operation}
	artifactcache_artifact_size_bytes{operation}
	artifactcache_lookups_total{result, tier}
	artifactcache_evictions_total{tier}
	artifactcache_degraded_total{component, code}
	artifactcache_memory_size_bytes
	artifactcache_memory_entries
	artifactcache_hit_ratio

A disabled collector (Config.Enabled false) has no registry and ignores
every call, so callers never need to nil check it.
*/
package metrics
