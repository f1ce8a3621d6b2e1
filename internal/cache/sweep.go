package cache

import (
	"sync/atomic"
	"time"
)

// SweepResult describes one background sweep pass
type SweepResult struct {
	Expired    int
	Evicted    int
	Persistent CleanupResult
	Duration   time.Duration
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep purges expired memory entries, evicts down to the low-water mark
// once usage crosses the high-water mark, and runs persistent cleanup.
// The background loop calls it every sweep interval.
func (c *Cache) Sweep() SweepResult {
	start := time.Now()
	var result SweepResult

	result.Expired = c.memory.PurgeExpired()

	capacity := float64(c.memory.Capacity())
	high := int64(capacity * c.config.HighWaterMark)
	if c.memory.Size() > high {
		low := int64(capacity * c.config.LowWaterMark)
		result.Evicted = c.memory.Evict(low)
		if result.Evicted > 0 {
			c.metrics.RecordEviction("memory", result.Evicted)
		}
	}

	if c.persistent != nil {
		result.Persistent = c.persistent.Cleanup()
		if n := result.Persistent.Total(); n > 0 {
			c.metrics.RecordEviction("persistent", n)
		}
	}

	atomic.AddUint64(&c.sweeps, 1)
	result.Duration = time.Since(start)

	if result.Expired+result.Evicted+result.Persistent.Total() > 0 {
		c.logger.Debug("Sweep completed", map[string]interface{}{
			"expired":            result.Expired,
			"evicted":            result.Evicted,
			"persistent_removed": result.Persistent.Total(),
			"duration":           result.Duration,
		})
	}
	return result
}

// relievePressure halves the tracked memory when the process as a whole is
// over its memory limit. Tracked bytes remain the primary bound; this only
// reacts to memory the cache does not account for.
func (c *Cache) relievePressure() {
	if c.ctx.Err() != nil {
		return
	}
	evicted := c.memory.Evict(c.memory.Size() / 2)
	if evicted > 0 {
		atomic.AddUint64(&c.pressureEvicts, uint64(evicted))
		c.metrics.RecordEviction("memory", evicted)
		c.logger.Warn("Evicted entries under process memory pressure", map[string]interface{}{
			"evicted": evicted,
		})
	}
}
