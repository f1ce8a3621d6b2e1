// Package memmon samples process memory so the cache can shed entries when the
// whole process, not just the tracked entry bytes, grows too large.
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/artifactcache/pkg/utils"
)

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to collect memory stats
	SampleInterval time.Duration

	// PressureLimit is the heap size in bytes above which the process is
	// considered under memory pressure. Zero disables the check.
	PressureLimit uint64

	// AlertThreshold is the percentage of heap growth over baseline that logs an alert
	AlertThreshold float64

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// OnPressure is called from the sampling goroutine when a sample crosses PressureLimit
	OnPressure func(sample MemorySample)

	// Sampler reads the current sample; defaults to runtime.ReadMemStats
	Sampler func() MemorySample

	// Logger for monitoring events
	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 30 * time.Second,
		AlertThreshold: 50.0,
		MaxSamples:     32,
	}
}

// MemorySample represents a memory usage sample
type MemorySample struct {
	Timestamp    time.Time
	HeapAlloc    uint64 // bytes allocated in heap and still in use
	HeapInuse    uint64 // bytes in in-use spans
	Sys          uint64 // bytes obtained from system
	NumGC        uint32 // number of completed GC cycles
	NumGoroutine int
}

// MemoryStats summarizes the monitor state
type MemoryStats struct {
	CurrentSample       MemorySample
	BaselineSample      MemorySample
	SampleCount         int
	PressureEvents      uint64
	GrowthSinceBaseline float64
}

// MemoryMonitor tracks process memory usage
type MemoryMonitor struct {
	config MonitorConfig
	logger *utils.StructuredLogger

	mu             sync.RWMutex
	samples        []MemorySample
	baselineSet    bool
	baselineSample MemorySample
	currentSample  MemorySample
	pressureEvents uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	active int32
}

// ReadRuntimeSample reads a sample from the Go runtime
func ReadRuntimeSample() MemorySample {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MemorySample{
		Timestamp:    time.Now(),
		HeapAlloc:    memStats.HeapAlloc,
		HeapInuse:    memStats.HeapInuse,
		Sys:          memStats.Sys,
		NumGC:        memStats.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
	}
}

// NewMemoryMonitor creates a new memory monitor
func NewMemoryMonitor(config MonitorConfig) *MemoryMonitor {
	defaults := DefaultMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaults.SampleInterval
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = defaults.MaxSamples
	}
	if config.AlertThreshold <= 0 {
		config.AlertThreshold = defaults.AlertThreshold
	}
	if config.Sampler == nil {
		config.Sampler = ReadRuntimeSample
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}

	return &MemoryMonitor{
		config:  config,
		logger:  config.Logger.WithComponent("memmon"),
		samples: make([]MemorySample, 0, config.MaxSamples),
	}
}

// Start begins memory monitoring
func (mm *MemoryMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&mm.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}

	mm.logger.Info("Starting memory monitor", map[string]interface{}{
		"sample_interval": mm.config.SampleInterval,
		"pressure_limit":  mm.config.PressureLimit,
	})

	ctx, cancel := context.WithCancel(ctx)
	mm.cancel = cancel

	mm.wg.Add(1)
	go mm.monitorLoop(ctx)

	return nil
}

// Stop stops memory monitoring and waits for the sampling goroutine
func (mm *MemoryMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&mm.active, 1, 0) {
		return nil
	}

	mm.cancel()
	mm.wg.Wait()
	mm.logger.Info("Stopped memory monitor")

	return nil
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context) {
	defer mm.wg.Done()

	ticker := time.NewTicker(mm.config.SampleInterval)
	defer ticker.Stop()

	mm.Sample()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mm.Sample()
		}
	}
}

// Sample takes a sample now, records it and runs the pressure and growth
// checks. It is safe to call whether or not the monitor is running.
func (mm *MemoryMonitor) Sample() MemorySample {
	sample := mm.config.Sampler()

	mm.mu.Lock()
	if !mm.baselineSet {
		mm.baselineSample = sample
		mm.baselineSet = true
	}
	mm.currentSample = sample
	mm.samples = append(mm.samples, sample)
	if len(mm.samples) > mm.config.MaxSamples {
		mm.samples = mm.samples[1:]
	}
	baseline := mm.baselineSample
	pressured := mm.config.PressureLimit > 0 && sample.HeapAlloc > mm.config.PressureLimit
	if pressured {
		mm.pressureEvents++
	}
	mm.mu.Unlock()

	if baseline.HeapAlloc > 0 {
		growthPct := (float64(sample.HeapAlloc) - float64(baseline.HeapAlloc)) / float64(baseline.HeapAlloc) * 100
		if growthPct > mm.config.AlertThreshold {
			mm.logger.Debug("Heap growth over baseline", map[string]interface{}{
				"current":    sample.HeapAlloc,
				"baseline":   baseline.HeapAlloc,
				"growth_pct": growthPct,
			})
		}
	}

	if pressured {
		mm.logger.Warn("Process memory over pressure limit", map[string]interface{}{
			"heap_alloc": sample.HeapAlloc,
			"limit":      mm.config.PressureLimit,
		})
		if mm.config.OnPressure != nil {
			mm.config.OnPressure(sample)
		}
	}

	return sample
}

// UnderPressure reports whether the latest sample is above PressureLimit
func (mm *MemoryMonitor) UnderPressure() bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	if mm.config.PressureLimit == 0 || mm.currentSample.Timestamp.IsZero() {
		return false
	}
	return mm.currentSample.HeapAlloc > mm.config.PressureLimit
}

// GetStats returns current memory statistics
func (mm *MemoryMonitor) GetStats() MemoryStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	stats := MemoryStats{
		CurrentSample:  mm.currentSample,
		BaselineSample: mm.baselineSample,
		SampleCount:    len(mm.samples),
		PressureEvents: mm.pressureEvents,
	}

	if mm.baselineSet && mm.baselineSample.HeapAlloc > 0 {
		stats.GrowthSinceBaseline = (float64(mm.currentSample.HeapAlloc) - float64(mm.baselineSample.HeapAlloc)) / float64(mm.baselineSample.HeapAlloc) * 100
	}

	return stats
}

// GetSamples returns memory sample history
func (mm *MemoryMonitor) GetSamples() []MemorySample {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	samples := make([]MemorySample, len(mm.samples))
	copy(samples, mm.samples)
	return samples
}

// ResetBaseline resets the baseline to current memory usage
func (mm *MemoryMonitor) ResetBaseline() {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	mm.baselineSample = mm.currentSample
}
