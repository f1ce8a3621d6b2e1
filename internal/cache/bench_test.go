package cache

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/objectfs/artifactcache/pkg/types"
)

func benchCache(b *testing.B, persistent bool) *Cache {
	cfg := testConfig()
	cfg.MaxMemorySize = 64 << 20
	cfg.MaxCacheEntries = 10000
	cfg.EnablePersistentCache = persistent
	return newTestCache(b, cfg, Options{})
}

func randomPayload(size int) []byte {
	data := make([]byte, size)
	rand.Read(data)
	return data
}

func BenchmarkCacheGet(b *testing.B) {
	c := benchCache(b, false)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		if _, err := c.Put(ctx, fmt.Sprintf("key-%d", i), randomPayload(1024), ArtifactMetadata{}); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _, _ = c.Get(ctx, fmt.Sprintf("key-%d", i%1000))
			i++
		}
	})
}

func BenchmarkCachePut(b *testing.B) {
	c := benchCache(b, false)
	ctx := context.Background()
	data := randomPayload(1024)

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = c.Put(ctx, fmt.Sprintf("key-%d", i%5000), data, ArtifactMetadata{})
			i++
		}
	})
}

func BenchmarkCacheGetMiss(b *testing.B) {
	c := benchCache(b, true)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _, _ = c.Get(ctx, fmt.Sprintf("missing-%d", i))
			i++
		}
	})
}

// 70% reads, 25% writes, 5% invalidations
func BenchmarkCacheMixed(b *testing.B) {
	c := benchCache(b, false)
	ctx := context.Background()
	data := randomPayload(1024)

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key-%d", i%100)
			switch i % 20 {
			case 0:
				c.Invalidate(key)
			case 1, 2, 3, 4, 5:
				_, _ = c.Put(ctx, key, data, ArtifactMetadata{})
			default:
				_, _, _ = c.Get(ctx, key)
			}
			i++
		}
	})
}

func BenchmarkCacheVariousDataSizes(b *testing.B) {
	sizes := []int{256, 4096, 65536, 1 << 20}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("size-%dB", size), func(b *testing.B) {
			c := benchCache(b, true)
			ctx := context.Background()
			data := randomPayload(size)

			b.ResetTimer()
			b.ReportAllocs()
			b.SetBytes(int64(size))

			for i := 0; i < b.N; i++ {
				key := fmt.Sprintf("key-%d", i%50)
				if _, err := c.Put(ctx, key, data, ArtifactMetadata{}); err != nil {
					b.Fatal(err)
				}
				if _, hit, _ := c.Get(ctx, key); !hit {
					b.Fatal("miss after put")
				}
			}
		})
	}
}

func BenchmarkGenerateKey(b *testing.B) {
	c := benchCache(b, false)
	options := map[string]any{"locale": "en", "compact": true, "density": 2}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = c.GenerateCacheKey("popup", types.Viewport{Width: 360, Height: 600}, "dark", options, nil)
	}
}

func BenchmarkCompressor(b *testing.B) {
	comp, err := NewCompressor(true, 3)
	if err != nil {
		b.Fatal(err)
	}
	defer comp.Close()
	data := []byte(fmt.Sprintf("%01000d", 0))
	for len(data) < 100000 {
		data = append(data, data...)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		stored, compressed := comp.Encode(data)
		if _, err := comp.Decompress(stored, compressed); err != nil {
			b.Fatal(err)
		}
	}
}
