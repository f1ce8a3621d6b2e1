/*
Package cache provides the two-tier artifact cache used by the extension UI
test harness.

Rendered component artifacts (screenshots, DOM snapshots, layout dumps) are
expensive to produce. The cache keys each artifact by what it depends on and
serves repeated requests from memory or from disk instead of re-rendering.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│              Test workers                   │
	│   (CacheArtifact / GetCachedArtifact)       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 Cache                       │  ← This Package
	│   key generation, stats, prefetch, sweep    │
	└─────────────────────────────────────────────┘
	           │                       │
	┌─────────────────────┐  ┌─────────────────────┐
	│    MemoryTier       │  │   PersistentTier    │
	│  LRU, byte and      │  │  one .ace unit per  │
	│  count bounded      │  │  key, count bounded │
	└─────────────────────┘  └─────────────────────┘

Get consults the memory tier first, then the persistent tier. A persistent
hit is promoted into memory. Put stores in memory and mirrors the entry to
disk. Concurrent disk reads of the same key are collapsed into one.

# Keys

A key is the hex sha256 of the component id, the WxH viewport, the theme, the
options serialized as JSON with sorted keys and a fingerprint of the
dependency files:

	key := c.GenerateCacheKey("popup", types.Viewport{Width: 360, Height: 600},
		"dark", map[string]any{"locale": "en"}, []string{"src/popup.js"})

The fingerprint covers path, modification time and size of each dependency.
It is a proxy for content: touching a file without changing it invalidates
the key, and an edit that keeps both size and modification time does not.

# Storage Format

Payloads are compressed with zstd when that makes them smaller. The content
hash (xxhash64) always covers the stored bytes, so corruption is detected
before decompression. On disk every entry is a single unit:

	"ACE1" | u16 version | u32 header length | JSON header | u64 length | payload

Units are written to a temporary file and renamed into place, so a reader or
cleanup pass never observes a partial unit.

# Failure Model

The cache is an optimization. Only caller misuse (invalid key, empty
payload), an artifact larger than the memory tier and use after Close are
reported as errors. Disk failures, corrupt units, hash mismatches and
decompression failures degrade to a miss and are visible through logs and
StatsReport. Persistent writes retry with backoff behind a circuit breaker.

# Background Work

A sweep goroutine purges expired entries, evicts down to the low-water mark
when memory use crosses the high-water mark and runs persistent cleanup.
The prefetcher feeds a bounded queue into a fixed worker pool. With memory
monitoring enabled, whole-process pressure triggers an additional eviction.
Close stops all of it and waits for the goroutines to exit.
*/
package cache
