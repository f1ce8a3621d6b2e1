package cache

import (
	"container/list"
	"sync"
	"time"

	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
	"github.com/objectfs/artifactcache/pkg/types"
	"github.com/objectfs/artifactcache/pkg/utils"
)

// MemoryTier is the in-process LRU tier. A single mutex guards the entry
// map, the recency list and the byte counter. Hash verification runs
// outside the lock.
type MemoryTier struct {
	mu          sync.Mutex
	maxBytes    int64
	maxEntries  int
	currentSize int64
	items       map[string]*list.Element
	evictList   *list.List
	evictions   uint64

	validate bool
	now      func() time.Time
	logger   *utils.StructuredLogger
}

// MemoryTierConfig configures the memory tier
type MemoryTierConfig struct {
	MaxBytes       int64
	MaxEntries     int
	ValidateHashes bool
	Now            func() time.Time
	Logger         *utils.StructuredLogger
}

// memoryItem is the value stored in each list element
type memoryItem struct {
	entry      *types.Entry
	size       int64
	accessTime time.Time
}

// NewMemoryTier creates a memory tier
func NewMemoryTier(config MemoryTierConfig) *MemoryTier {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}
	return &MemoryTier{
		maxBytes:   config.MaxBytes,
		maxEntries: config.MaxEntries,
		items:      make(map[string]*list.Element),
		evictList:  list.New(),
		validate:   config.ValidateHashes,
		now:        config.Now,
		logger:     config.Logger.WithComponent("cache.memory"),
	}
}

// Get returns the entry for key when it is present, not expired and, with
// validation on, matches its content hash. Stale or corrupt entries are
// removed and reported as a miss.
func (m *MemoryTier) Get(key string) (*types.Entry, bool) {
	m.mu.Lock()
	elem, exists := m.items[key]
	if !exists {
		m.mu.Unlock()
		return nil, false
	}

	item := elem.Value.(*memoryItem)
	now := m.now()
	if item.entry.Metadata.Expired(now) {
		m.removeElement(elem)
		m.mu.Unlock()
		m.logger.Debug("Expired entry purged on read", map[string]interface{}{"key": key})
		return nil, false
	}

	item.accessTime = now
	m.evictList.MoveToFront(elem)
	entry := item.entry
	m.mu.Unlock()

	if m.validate {
		if err := VerifyContentHash(entry.Payload, entry.Metadata.ContentHash); err != nil {
			m.logger.Warn("Dropping corrupt memory entry", map[string]interface{}{
				"key":   key,
				"error": err,
			})
			m.removeIfSame(key, entry)
			return nil, false
		}
	}

	return entry, true
}

// Contains reports whether key holds an unexpired entry. It does not change
// recency and does not verify the content hash.
func (m *MemoryTier) Contains(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, exists := m.items[key]
	if !exists {
		return false
	}
	return !elem.Value.(*memoryItem).entry.Metadata.Expired(m.now())
}

// Put inserts or replaces an entry and evicts least recently used entries
// until the tier is back within its byte and count bounds. An entry larger
// than the whole tier is rejected with RESOURCE_EXHAUSTED.
func (m *MemoryTier) Put(entry *types.Entry) error {
	_, err := m.put(entry)
	return err
}

// put is Put returning the number of entries evicted to make room
func (m *MemoryTier) put(entry *types.Entry) (int, error) {
	if entry == nil || entry.Key == "" {
		return 0, cacheerrors.NewError(cacheerrors.ErrCodeValidationFailed, "entry has no key").
			WithComponent("cache.memory").WithOperation("put")
	}

	size := int64(len(entry.Payload))
	if size > m.maxBytes {
		return 0, cacheerrors.Newf(cacheerrors.ErrCodeResourceExhausted,
			"entry of %d bytes exceeds memory tier capacity of %d bytes", size, m.maxBytes).
			WithComponent("cache.memory").
			WithOperation("put").
			WithKey(entry.Key).
			WithDetail("size", size).
			WithDetail("max_memory_size", m.maxBytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, exists := m.items[entry.Key]; exists {
		item := elem.Value.(*memoryItem)
		m.currentSize += size - item.size
		item.entry = entry
		item.size = size
		item.accessTime = m.now()
		m.evictList.MoveToFront(elem)
	} else {
		item := &memoryItem{entry: entry, size: size, accessTime: m.now()}
		m.items[entry.Key] = m.evictList.PushFront(item)
		m.currentSize += size
	}

	return m.evictLocked(m.maxBytes), nil
}

// Evict removes least recently used entries until tracked bytes are at or
// below targetBytes and the entry count is within bound. It returns the
// number of entries removed.
func (m *MemoryTier) Evict(targetBytes int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(targetBytes)
}

// evictLocked removes whole batches of a quarter of the current count (at
// least one) from the back of the list while the tier is over its bounds.
// Bounds are checked between batches, so a pass may free more than the
// overflow. The most recently used entry is never removed. Must be called
// with mu held.
func (m *MemoryTier) evictLocked(targetBytes int64) int {
	evicted := 0
	for m.overBound(targetBytes) && m.evictList.Len() > 1 {
		batch := max(1, m.evictList.Len()/4)
		for i := 0; i < batch && m.evictList.Len() > 1; i++ {
			elem := m.evictList.Back()
			item := elem.Value.(*memoryItem)
			m.removeElement(elem)
			evicted++
			m.logger.Debug("Evicted entry", map[string]interface{}{
				"key":  item.entry.Key,
				"size": item.size,
			})
		}
	}
	m.evictions += uint64(evicted)
	return evicted
}

func (m *MemoryTier) overBound(targetBytes int64) bool {
	if m.currentSize > targetBytes {
		return true
	}
	return m.maxEntries > 0 && m.evictList.Len() > m.maxEntries
}

// PurgeExpired removes every expired entry and returns how many were removed
func (m *MemoryTier) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for elem := m.evictList.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*memoryItem).entry.Metadata.Expired(now) {
			m.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// Delete removes key from the tier
func (m *MemoryTier) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, exists := m.items[key]; exists {
		m.removeElement(elem)
	}
}

// Clear removes every entry
func (m *MemoryTier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.evictList.Init()
	m.currentSize = 0
}

// Len returns the number of entries
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictList.Len()
}

// Size returns the tracked payload bytes
func (m *MemoryTier) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSize
}

// Capacity returns the configured byte bound
func (m *MemoryTier) Capacity() int64 {
	return m.maxBytes
}

// Evictions returns the number of entries evicted since the last ResetStats
func (m *MemoryTier) Evictions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

// ResetStats zeroes the eviction counter
func (m *MemoryTier) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions = 0
}

// CompressionTotals returns the stored and original byte totals of the
// compressed entries currently held
func (m *MemoryTier) CompressionTotals() (stored, original int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, elem := range m.items {
		item := elem.Value.(*memoryItem)
		if item.entry.Metadata.Compressed {
			stored += item.size
			original += item.entry.Metadata.OriginalSizeBytes
		}
	}
	return stored, original
}

// Keys returns keys from most to least recently used
func (m *MemoryTier) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, m.evictList.Len())
	for elem := m.evictList.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*memoryItem).entry.Key)
	}
	return keys
}

// removeIfSame deletes key only if it still maps to entry, so a concurrent
// Put of a fresh value is not lost
func (m *MemoryTier) removeIfSame(key string, entry *types.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, exists := m.items[key]; exists && elem.Value.(*memoryItem).entry == entry {
		m.removeElement(elem)
	}
}

// removeElement must be called with mu held
func (m *MemoryTier) removeElement(elem *list.Element) {
	item := elem.Value.(*memoryItem)
	m.evictList.Remove(elem)
	delete(m.items, item.entry.Key)
	m.currentSize -= item.size
}
