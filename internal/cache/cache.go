package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/artifactcache/internal/circuit"
	"github.com/objectfs/artifactcache/internal/config"
	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
	"github.com/objectfs/artifactcache/pkg/memmon"
	"github.com/objectfs/artifactcache/pkg/retry"
	"github.com/objectfs/artifactcache/pkg/types"
	"github.com/objectfs/artifactcache/pkg/utils"
)

// Options carries collaborators that are not part of the cache configuration
type Options struct {
	// Fs backs the persistent tier and dependency fingerprints; defaults to the OS filesystem
	Fs afero.Fs

	// Logger defaults to a discarding logger
	Logger *utils.StructuredLogger

	// Metrics receives lookup and eviction events; may be nil
	Metrics types.MetricsRecorder

	// Loader renders artifacts for the prefetcher; prefetch only looks up when nil
	Loader types.Loader

	// Resilience configures persistent write retries and the circuit breaker
	Resilience *config.ResilienceConfig

	// Now is the clock used for TTL and timestamps
	Now func() time.Time

	// Sampler overrides the process memory sampler
	Sampler func() memmon.MemorySample
}

// ArtifactMetadata is caller supplied metadata for a put
type ArtifactMetadata struct {
	// TTL overrides the configured default when positive
	TTL time.Duration `json:"ttl,omitempty"`
	// Labels are persisted with the unit
	Labels map[string]string `json:"labels,omitempty"`
}

// Cache is the two-tier artifact cache. It is safe for concurrent use.
type Cache struct {
	config config.CacheConfig
	logger *utils.StructuredLogger

	memory     *MemoryTier
	persistent *PersistentTier
	compressor *Compressor
	keys       *KeyGenerator
	prefetcher *Prefetcher
	monitor    *memmon.MemoryMonitor
	metrics    types.MetricsRecorder

	lookups singleflight.Group
	now     func() time.Time

	hits           uint64
	misses         uint64
	memoryHits     uint64
	persistentHits uint64
	puts           uint64
	putFailures    uint64
	sweeps         uint64
	pressureEvicts uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	bgMu      sync.Mutex
	closed    int32
	closeOnce sync.Once
}

// New builds a cache from cfg and starts its background sweep
func New(cfg config.CacheConfig, opts Options) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Resilience == nil {
		opts.Resilience = &config.NewDefault().Resilience
	}

	compressor, err := NewCompressor(cfg.EnableCompression, cfg.CompressionLevel)
	if err != nil {
		return nil, cacheerrors.Wrap(err, cacheerrors.ErrCodeInvalidConfig, "failed to initialize compressor").
			WithComponent("cache")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		config:     cfg,
		logger:     opts.Logger.WithComponent("cache"),
		compressor: compressor,
		keys:       NewKeyGenerator(NewDependencyTracker(opts.Fs, cfg.EnableDependencyTracking)),
		metrics:    opts.Metrics,
		now:        opts.Now,
		ctx:        ctx,
		cancel:     cancel,
	}

	c.memory = NewMemoryTier(MemoryTierConfig{
		MaxBytes:       int64(cfg.MaxMemorySize),
		MaxEntries:     cfg.MaxCacheEntries,
		ValidateHashes: cfg.EnableHashValidation,
		Now:            opts.Now,
		Logger:         opts.Logger,
	})

	if cfg.EnablePersistentCache {
		var breaker *circuit.Config
		if cb := opts.Resilience.CircuitBreaker; cb.Enabled {
			breaker = &circuit.Config{
				Timeout:     cb.Timeout,
				ReadyToTrip: circuit.ConsecutiveFailures(uint32(cb.FailureThreshold)),
			}
		}
		retryCfg := retry.DefaultConfig()
		retryCfg.MaxAttempts = opts.Resilience.Retry.MaxAttempts
		retryCfg.InitialDelay = opts.Resilience.Retry.BaseDelay
		retryCfg.MaxDelay = opts.Resilience.Retry.MaxDelay

		c.persistent = NewPersistentTier(PersistentTierConfig{
			Fs:             opts.Fs,
			Directory:      cfg.CacheDirectory,
			MaxUnits:       cfg.MaxCacheEntries,
			ValidateHashes: cfg.EnableHashValidation,
			Now:            opts.Now,
			Breaker:        breaker,
			Retry:          retryCfg,
			Logger:         opts.Logger,
		})
	}

	c.prefetcher = NewPrefetcher(c, PrefetcherConfig{
		Workers:   cfg.PrefetchWorkers,
		QueueSize: cfg.PrefetchQueueSize,
		Loader:    opts.Loader,
		Logger:    opts.Logger,
	})

	if cfg.EnableMemoryMonitoring {
		c.monitor = memmon.NewMemoryMonitor(memmon.MonitorConfig{
			SampleInterval: cfg.SweepInterval,
			PressureLimit:  uint64(cfg.MemoryPressureLimit),
			OnPressure:     func(memmon.MemorySample) { c.relievePressure() },
			Sampler:        opts.Sampler,
			Logger:         opts.Logger,
		})
		if err := c.monitor.Start(ctx); err != nil {
			c.logger.Warn("Memory monitor did not start", map[string]interface{}{"error": err})
		}
	}

	c.wg.Add(1)
	go c.sweepLoop()

	c.logger.Info("Artifact cache started", map[string]interface{}{
		"max_memory_size":   cfg.MaxMemorySize.String(),
		"max_cache_entries": cfg.MaxCacheEntries,
		"persistent":        cfg.EnablePersistentCache,
		"directory":         cfg.CacheDirectory,
		"compression":       cfg.EnableCompression,
	})

	return c, nil
}

// Config returns the configuration the cache was built with
func (c *Cache) Config() config.CacheConfig {
	return c.config
}

// Get looks key up in memory, then on disk. A persistent hit is promoted
// into memory. Exactly one hit or miss is recorded per call. Only caller
// misuse and use after Close return an error; every storage failure is a
// miss.
func (c *Cache) Get(ctx context.Context, key string) (*types.Entry, bool, error) {
	start := time.Now()
	if err := c.checkOpen("get"); err != nil {
		return nil, false, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, false, withOp(err, "get")
	}

	if entry, ok := c.memory.Get(key); ok {
		if out, ok := c.decode(entry, types.SourceMemory); ok {
			c.recordHit(types.SourceMemory, start, out)
			return out, true, nil
		}
		c.memory.Delete(key)
	}

	if c.persistent != nil {
		if entry, ok := c.lookupPersistent(ctx, key); ok {
			if out, ok := c.decode(entry, types.SourcePersistent); ok {
				c.promote(entry)
				c.recordHit(types.SourcePersistent, start, out)
				return out, true, nil
			}
			c.persistent.Delete(key)
		}
	}

	atomic.AddUint64(&c.misses, 1)
	c.metrics.RecordLookup("", false)
	c.metrics.RecordOperation("get", time.Since(start), 0, false)
	return nil, false, nil
}

// lookupPersistent collapses concurrent disk reads of the same key
func (c *Cache) lookupPersistent(ctx context.Context, key string) (*types.Entry, bool) {
	ch := c.lookups.DoChan(key, func() (interface{}, error) {
		entry, ok := c.persistent.Get(key)
		if !ok {
			return nil, nil
		}
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return nil, false
	case res := <-ch:
		entry, _ := res.Val.(*types.Entry)
		return entry, entry != nil
	}
}

// promote copies a persistent entry into memory. Failure only costs a
// future disk read.
func (c *Cache) promote(entry *types.Entry) {
	evicted, err := c.memory.put(entry)
	if err != nil {
		c.logger.Debug("Persistent hit not promoted", map[string]interface{}{
			"key":   entry.Key,
			"error": err,
		})
		return
	}
	if evicted > 0 {
		c.metrics.RecordEviction("memory", evicted)
	}
}

// decode returns a caller owned copy of entry with its payload decompressed
func (c *Cache) decode(entry *types.Entry, source types.Source) (*types.Entry, bool) {
	payload, err := c.compressor.Decompress(entry.Payload, entry.Metadata.Compressed)
	if err != nil {
		c.logger.Warn("Dropping undecodable entry", map[string]interface{}{
			"key":    entry.Key,
			"source": string(source),
			"error":  err,
		})
		c.metrics.RecordDegraded("compressor", err)
		return nil, false
	}
	if !entry.Metadata.Compressed {
		payload = append([]byte(nil), payload...)
	}

	out := &types.Entry{
		Key:      entry.Key,
		Payload:  payload,
		Metadata: entry.Metadata,
	}
	out.Metadata.Source = source
	out.Metadata.Labels = copyLabels(entry.Metadata.Labels)
	return out, true
}

func (c *Cache) recordHit(source types.Source, start time.Time, entry *types.Entry) {
	atomic.AddUint64(&c.hits, 1)
	if source == types.SourceMemory {
		atomic.AddUint64(&c.memoryHits, 1)
	} else {
		atomic.AddUint64(&c.persistentHits, 1)
	}
	c.metrics.RecordLookup(source, true)
	c.metrics.RecordOperation("get", time.Since(start), int64(len(entry.Payload)), true)
}

// Put hashes, optionally compresses and stores payload in memory, then
// mirrors it to disk. It fails only for invalid input, an entry larger than
// the memory tier or use after Close; disk failures are logged and counted.
func (c *Cache) Put(ctx context.Context, key string, payload []byte, meta ArtifactMetadata) (*types.Entry, error) {
	start := time.Now()
	if err := c.checkOpen("put"); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, withOp(err, "put")
	}
	if len(payload) == 0 {
		return nil, cacheerrors.NewError(cacheerrors.ErrCodeValidationFailed, "payload is empty").
			WithComponent("cache").WithOperation("put").WithKey(key)
	}

	stored, compressed := c.compressor.Encode(payload)
	if !compressed {
		stored = append([]byte(nil), payload...)
	}

	ttl := c.config.DefaultTTL
	if meta.TTL > 0 {
		ttl = meta.TTL
	}

	entry := &types.Entry{
		Key:     key,
		Payload: stored,
		Metadata: types.Metadata{
			CachedAt:    c.now(),
			TTL:         ttl,
			SizeBytes:   int64(len(stored)),
			ContentHash: ContentHash(stored),
			Compressed:  compressed,
			Source:      types.SourceMemory,
		},
	}
	if compressed {
		entry.Metadata.OriginalSizeBytes = int64(len(payload))
	}
	if len(meta.Labels) > 0 {
		entry.Metadata.Labels = copyLabels(meta.Labels)
	}

	evicted, err := c.memory.put(entry)
	if err != nil {
		atomic.AddUint64(&c.putFailures, 1)
		c.metrics.RecordOperation("put", time.Since(start), int64(len(payload)), false)
		c.logger.Warn("Put rejected", map[string]interface{}{"key": key, "error": err})
		return nil, err
	}
	if evicted > 0 {
		c.metrics.RecordEviction("memory", evicted)
	}

	if c.persistent != nil {
		if perr := c.persistent.PutContext(ctx, entry); perr != nil {
			c.metrics.RecordDegraded("persistent", perr)
		}
	}

	atomic.AddUint64(&c.puts, 1)
	c.metrics.RecordOperation("put", time.Since(start), int64(len(payload)), true)

	result := &types.Entry{Key: key, Metadata: entry.Metadata}
	result.Metadata.Labels = copyLabels(entry.Metadata.Labels)
	return result, nil
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Contains reports whether memory holds a live entry for key without
// touching statistics or recency
func (c *Cache) Contains(key string) bool {
	return c.memory.Contains(key)
}

// Invalidate removes key from both tiers
func (c *Cache) Invalidate(key string) {
	c.memory.Delete(key)
	if c.persistent != nil {
		c.persistent.Delete(key)
	}
}

// Clear removes every entry from both tiers and resets statistics
func (c *Cache) Clear() {
	c.memory.Clear()
	if c.persistent != nil {
		c.persistent.Clear()
	}
	c.resetStats()
	c.logger.Info("Cache cleared")
}

// GenerateKey derives a key for in
func (c *Cache) GenerateKey(in KeyInput) string {
	return c.keys.Generate(in)
}

// Prefetch looks up each descriptor and queues background population of
// misses. It never blocks on population.
func (c *Cache) Prefetch(ctx context.Context, descriptors []types.LookupDescriptor) PrefetchReport {
	return c.prefetcher.Prefetch(ctx, descriptors)
}

// Close stops the sweep, the prefetcher and the memory monitor and waits
// for their goroutines. It is safe to call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.bgMu.Lock()
		atomic.StoreInt32(&c.closed, 1)
		c.bgMu.Unlock()
		c.cancel()
		c.prefetcher.Stop()
		if c.monitor != nil {
			_ = c.monitor.Stop()
		}
		c.wg.Wait()
		c.compressor.Close()
		c.logger.Info("Artifact cache stopped")
	})
	return nil
}

func (c *Cache) checkOpen(op string) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return cacheerrors.NewError(cacheerrors.ErrCodeComponentStopped, "cache is closed").
			WithComponent("cache").
			WithOperation(op)
	}
	return nil
}

func withOp(err error, op string) error {
	if ce, ok := err.(*cacheerrors.CacheError); ok {
		return ce.WithComponent("cache").WithOperation(op)
	}
	return err
}

func (c *Cache) resetStats() {
	atomic.StoreUint64(&c.hits, 0)
	atomic.StoreUint64(&c.misses, 0)
	atomic.StoreUint64(&c.memoryHits, 0)
	atomic.StoreUint64(&c.persistentHits, 0)
	atomic.StoreUint64(&c.puts, 0)
	atomic.StoreUint64(&c.putFailures, 0)
	atomic.StoreUint64(&c.sweeps, 0)
	atomic.StoreUint64(&c.pressureEvicts, 0)
	c.memory.ResetStats()
	if c.persistent != nil {
		c.persistent.ResetCounters()
	}
	c.prefetcher.ResetStats()
}

// nopRecorder discards metrics events
type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, time.Duration, int64, bool) {}
func (nopRecorder) RecordLookup(types.Source, bool)                     {}
func (nopRecorder) RecordEviction(string, int)                          {}
func (nopRecorder) RecordDegraded(string, error)                        {}
