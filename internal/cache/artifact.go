package cache

import (
	"context"
	"time"

	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
	"github.com/objectfs/artifactcache/pkg/types"
)

// CacheResult is the outcome of CacheArtifact. CacheSizeBytes is the memory
// tier's tracked size after the call whether or not it succeeded;
// StoredBytes is the size of the stored, possibly compressed, payload and
// zero on failure.
type CacheResult struct {
	Success        bool          `json:"success"`
	Key            string        `json:"key"`
	Cached         bool          `json:"cached"`
	ExecutionTime  time.Duration `json:"execution_time"`
	CacheSizeBytes int64         `json:"cache_size_bytes"`
	StoredBytes    int64         `json:"stored_bytes"`
	Error          error         `json:"-"`
}

// LookupResult is the outcome of GetCachedArtifact. On a miss Success is
// false and Error carries NOT_FOUND.
type LookupResult struct {
	Success       bool           `json:"success"`
	Payload       []byte         `json:"-"`
	Metadata      types.Metadata `json:"metadata"`
	Source        types.Source   `json:"source,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Error         error          `json:"-"`
}

// CacheArtifact stores payload under key. Failures are reported in the
// result rather than returned.
func (c *Cache) CacheArtifact(ctx context.Context, key string, payload []byte, meta ArtifactMetadata) CacheResult {
	start := time.Now()
	entry, err := c.Put(ctx, key, payload, meta)
	result := CacheResult{
		Key:            key,
		ExecutionTime:  time.Since(start),
		CacheSizeBytes: c.memory.Size(),
		Error:          err,
	}
	if err == nil {
		result.Success = true
		result.Cached = true
		result.StoredBytes = entry.Metadata.SizeBytes
	}
	return result
}

// GetCachedArtifact returns the decompressed payload for key
func (c *Cache) GetCachedArtifact(ctx context.Context, key string) LookupResult {
	start := time.Now()
	entry, ok, err := c.Get(ctx, key)
	result := LookupResult{ExecutionTime: time.Since(start)}

	switch {
	case err != nil:
		result.Error = err
	case !ok:
		result.Error = cacheerrors.NewError(cacheerrors.ErrCodeNotFound, "artifact not cached").
			WithComponent("cache").
			WithOperation("get").
			WithKey(key)
	default:
		result.Success = true
		result.Payload = entry.Payload
		result.Metadata = entry.Metadata
		result.Source = entry.Metadata.Source
	}
	return result
}

// GenerateCacheKey derives the key for a rendered component
func (c *Cache) GenerateCacheKey(component string, viewport types.Viewport, theme string, options map[string]any, dependencies []string) string {
	return c.GenerateKey(KeyInput{
		Component:    component,
		Viewport:     viewport,
		Theme:        theme,
		Options:      options,
		Dependencies: dependencies,
	})
}

// GetCacheStats returns the statistics snapshot
func (c *Cache) GetCacheStats() StatsReport {
	return c.Report()
}

// ClearCache empties both tiers and resets statistics
func (c *Cache) ClearCache() {
	c.Clear()
}

// PrefetchArtifacts starts prefetching descriptors without waiting for the
// lookups
func (c *Cache) PrefetchArtifacts(descriptors []types.LookupDescriptor) {
	if len(descriptors) == 0 {
		return
	}
	batch := append([]types.LookupDescriptor(nil), descriptors...)

	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.checkOpen("prefetch") != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Prefetch(c.ctx, batch)
	}()
}

// Teardown closes the cache
func (c *Cache) Teardown() {
	_ = c.Close()
}
