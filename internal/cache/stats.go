package cache

import (
	"sync/atomic"

	"github.com/objectfs/artifactcache/internal/config"
	"github.com/objectfs/artifactcache/pkg/types"
)

// StatsReport is the full statistics snapshot of a cache
type StatsReport struct {
	Hits                    uint64             `json:"hits"`
	Misses                  uint64             `json:"misses"`
	Evictions               uint64             `json:"evictions"`
	SizeBytes               int64              `json:"size_bytes"`
	HitRatePercent          float64            `json:"hit_rate_percent"`
	MemoryEntryCount        int                `json:"memory_entry_count"`
	PersistentEntryCount    int                `json:"persistent_entry_count"`
	PersistentSizeBytes     int64              `json:"persistent_size_bytes"`
	MemoryHits              uint64             `json:"memory_hits"`
	PersistentHits          uint64             `json:"persistent_hits"`
	CompressionRatioPercent float64            `json:"compression_ratio_percent"`
	UtilizationPercent      float64            `json:"utilization_percent"`
	Puts                    uint64             `json:"puts"`
	PutFailures             uint64             `json:"put_failures"`
	Sweeps                  uint64             `json:"sweeps"`
	PressureEvictions       uint64             `json:"pressure_evictions"`
	Persistent              PersistentCounters `json:"persistent"`
	Prefetch                PrefetchStats      `json:"prefetch"`
	Config                  config.CacheConfig `json:"config"`
}

// Report returns a consistent-enough snapshot of every counter. Counters are
// read independently, so a concurrent operation may be reflected in some
// fields and not others.
func (c *Cache) Report() StatsReport {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	report := StatsReport{
		Hits:              hits,
		Misses:            misses,
		Evictions:         c.memory.Evictions(),
		SizeBytes:         c.memory.Size(),
		HitRatePercent:    percent(float64(hits), float64(hits+misses)),
		MemoryEntryCount:  c.memory.Len(),
		MemoryHits:        atomic.LoadUint64(&c.memoryHits),
		PersistentHits:    atomic.LoadUint64(&c.persistentHits),
		Puts:              atomic.LoadUint64(&c.puts),
		PutFailures:       atomic.LoadUint64(&c.putFailures),
		Sweeps:            atomic.LoadUint64(&c.sweeps),
		PressureEvictions: atomic.LoadUint64(&c.pressureEvicts),
		Prefetch:          c.prefetcher.Stats(),
		Config:            c.config,
	}
	report.UtilizationPercent = percent(float64(report.SizeBytes), float64(c.memory.Capacity()))

	// ratio of bytes saved across compressed entries; 0 when none are held
	stored, original := c.memory.CompressionTotals()
	if original > 0 {
		report.CompressionRatioPercent = percent(float64(original-stored), float64(original))
	}

	if c.persistent != nil {
		report.PersistentEntryCount, report.PersistentSizeBytes = c.persistent.Usage()
		report.Persistent = c.persistent.Counters()
	}
	return report
}

// Stats returns the memory tier counters in the shared stats shape
func (c *Cache) Stats() types.CacheStats {
	r := c.Report()
	return types.CacheStats{
		Hits:        r.Hits,
		Misses:      r.Misses,
		Evictions:   r.Evictions,
		Size:        r.SizeBytes,
		Capacity:    c.memory.Capacity(),
		Entries:     r.MemoryEntryCount,
		HitRate:     r.HitRatePercent / 100,
		Utilization: r.UtilizationPercent / 100,
	}
}

func percent(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100
}

// DiskUsage returns the number of units and bytes in the cache directory
func (c *Cache) DiskUsage() (units int, size int64) {
	if c.persistent == nil {
		return 0, 0
	}
	return c.persistent.Usage()
}

// Persisted reports whether key has a unit in the cache directory
func (c *Cache) Persisted(key string) bool {
	return c.persistent != nil && c.persistent.Has(key)
}
