/*
Package types provides the shared data structures and interfaces of the
artifact cache.

# Data Model

Entry:
A cached artifact. Payload holds the stored bytes, which are compressed when
Metadata.Compressed is set. Metadata carries the write timestamp, TTL,
stored and original sizes, the content hash of the stored bytes and the tier
that resolved the lookup.

Viewport and LookupDescriptor:
The inputs callers use to derive cache keys. A LookupDescriptor either names
a key directly or carries the component, viewport, theme, option set and
dependency paths from which the key is generated.

CacheStats:
Per-tier counters (hits, misses, evictions) and size accounting.

# Interfaces

Tier:
A single storage level. Both the in-memory tier and the on-disk tier
implement it, which lets the facade treat them uniformly for deletion and
clearing.

Loader:
Caller-supplied function that renders an artifact that was not cached. The
prefetcher invokes it in the background.

MetricsRecorder:
Receives lookup, eviction and degradation events. internal/metrics provides a
Prometheus implementation.

# Thread Safety

Entries must not be mutated after they are handed to a tier. Implementations
of Tier are safe for concurrent use.
*/
package types
