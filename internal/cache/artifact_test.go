package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
	"github.com/objectfs/artifactcache/pkg/types"
)

func TestCacheArtifactRoundTrip(t *testing.T) {
	c := newTestCache(t, testConfig(), Options{})
	ctx := context.Background()
	payload := []byte(strings.Repeat("<div class=popup>", 500))

	stored := c.CacheArtifact(ctx, "popup-dark", payload, ArtifactMetadata{
		TTL:    time.Hour,
		Labels: map[string]string{"suite": "popup"},
	})
	require.NoError(t, stored.Error)
	assert.True(t, stored.Success)
	assert.True(t, stored.Cached)
	assert.Equal(t, "popup-dark", stored.Key)
	assert.Positive(t, stored.StoredBytes)
	assert.Less(t, stored.StoredBytes, int64(len(payload)))
	assert.Equal(t, c.memory.Size(), stored.CacheSizeBytes)

	second := c.CacheArtifact(ctx, "popup-light", []byte("light"), ArtifactMetadata{})
	require.True(t, second.Success)
	assert.Equal(t, int64(5), second.StoredBytes)
	assert.Equal(t, stored.StoredBytes+5, second.CacheSizeBytes)

	found := c.GetCachedArtifact(ctx, "popup-dark")
	require.NoError(t, found.Error)
	assert.True(t, found.Success)
	assert.Equal(t, payload, found.Payload)
	assert.Equal(t, types.SourceMemory, found.Source)
	assert.Equal(t, time.Hour, found.Metadata.TTL)
	assert.Equal(t, "popup", found.Metadata.Labels["suite"])
	assert.True(t, found.Metadata.Compressed)
}

func TestGetCachedArtifactMiss(t *testing.T) {
	c := newTestCache(t, testConfig(), Options{})

	result := c.GetCachedArtifact(context.Background(), "absent")
	assert.False(t, result.Success)
	assert.Nil(t, result.Payload)
	assert.True(t, cacheerrors.IsCode(result.Error, cacheerrors.ErrCodeNotFound))
	assert.Equal(t, uint64(1), c.GetCacheStats().Misses)
}

func TestCacheArtifactReportsMisuse(t *testing.T) {
	c := newTestCache(t, testConfig(), Options{})
	ctx := context.Background()

	require.True(t, c.CacheArtifact(ctx, "held", []byte("held"), ArtifactMetadata{}).Success)

	result := c.CacheArtifact(ctx, "", []byte("x"), ArtifactMetadata{})
	assert.False(t, result.Success)
	assert.False(t, result.Cached)
	assert.Zero(t, result.StoredBytes)
	assert.Equal(t, int64(4), result.CacheSizeBytes)
	assert.True(t, cacheerrors.IsCode(result.Error, cacheerrors.ErrCodeValidationFailed))

	result = c.CacheArtifact(ctx, "empty", nil, ArtifactMetadata{})
	assert.False(t, result.Success)
	assert.True(t, cacheerrors.IsCode(result.Error, cacheerrors.ErrCodeValidationFailed))

	lookup := c.GetCachedArtifact(ctx, "bad key!")
	assert.False(t, lookup.Success)
	assert.True(t, cacheerrors.IsCode(lookup.Error, cacheerrors.ErrCodeValidationFailed))
}

func TestGenerateCacheKeyMatchesGenerator(t *testing.T) {
	c := newTestCache(t, testConfig(), Options{})
	viewport := types.Viewport{Width: 360, Height: 600}
	options := map[string]any{"locale": "en"}

	key := c.GenerateCacheKey("popup", viewport, "dark", options, nil)
	assert.Len(t, key, 64)
	assert.NoError(t, ValidateKey(key))
	assert.Equal(t, key, c.GenerateKey(KeyInput{
		Component: "popup",
		Viewport:  viewport,
		Theme:     "dark",
		Options:   options,
	}))
	assert.NotEqual(t, key, c.GenerateCacheKey("popup", viewport, "light", options, nil))
}

func TestClearCacheResetsStats(t *testing.T) {
	c := newTestCache(t, testConfig(), Options{})
	ctx := context.Background()

	require.True(t, c.CacheArtifact(ctx, "a", []byte("artifact"), ArtifactMetadata{}).Success)
	require.True(t, c.GetCachedArtifact(ctx, "a").Success)
	require.False(t, c.GetCachedArtifact(ctx, "b").Success)

	c.ClearCache()

	stats := c.GetCacheStats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Zero(t, stats.MemoryEntryCount)
	assert.Zero(t, stats.PersistentEntryCount)
	units, size := c.DiskUsage()
	assert.Zero(t, units)
	assert.Zero(t, size)
	assert.False(t, c.GetCachedArtifact(ctx, "a").Success)
}

func TestTeardownIsIdempotent(t *testing.T) {
	c := newTestCache(t, testConfig(), Options{})
	ctx := context.Background()

	c.Teardown()
	c.Teardown()

	result := c.CacheArtifact(ctx, "late", []byte("x"), ArtifactMetadata{})
	assert.True(t, cacheerrors.IsCode(result.Error, cacheerrors.ErrCodeComponentStopped))
	assert.False(t, c.GetCachedArtifact(ctx, "late").Success)
}
