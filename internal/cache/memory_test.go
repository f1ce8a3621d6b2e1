package cache

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
	"github.com/objectfs/artifactcache/pkg/types"
)

// testClock is a manually advanced clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func makeEntry(key string, payload []byte, cachedAt time.Time, ttl time.Duration) *types.Entry {
	return &types.Entry{
		Key:     key,
		Payload: payload,
		Metadata: types.Metadata{
			CachedAt:    cachedAt,
			TTL:         ttl,
			SizeBytes:   int64(len(payload)),
			ContentHash: ContentHash(payload),
		},
	}
}

func TestMemoryTierPutGet(t *testing.T) {
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 1024, ValidateHashes: true})

	if err := m.Put(makeEntry("a", []byte("hello"), time.Now(), 0)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	entry, ok := m.Get("a")
	if !ok {
		t.Fatal("expected hit")
	}
	if !bytes.Equal(entry.Payload, []byte("hello")) {
		t.Errorf("payload = %q", entry.Payload)
	}
	if m.Len() != 1 || m.Size() != 5 {
		t.Errorf("Len() = %d, Size() = %d", m.Len(), m.Size())
	}

	if _, ok := m.Get("missing"); ok {
		t.Error("expected miss")
	}
}

func TestMemoryTierReplaceAdjustsSize(t *testing.T) {
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 1024})

	_ = m.Put(makeEntry("a", make([]byte, 100), time.Now(), 0))
	_ = m.Put(makeEntry("a", make([]byte, 40), time.Now(), 0))

	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
	if m.Size() != 40 {
		t.Errorf("Size() = %d, want 40", m.Size())
	}
}

func TestMemoryTierByteBound(t *testing.T) {
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 1000})

	for i := 0; i < 50; i++ {
		if err := m.Put(makeEntry(fmt.Sprintf("k%d", i), make([]byte, 90), time.Now(), 0)); err != nil {
			t.Fatalf("Put(%d) error = %v", i, err)
		}
		if m.Size() > 1000 {
			t.Fatalf("size %d exceeds bound after put %d", m.Size(), i)
		}
	}
	if m.Evictions() == 0 {
		t.Error("expected evictions")
	}
	if _, ok := m.Get("k49"); !ok {
		t.Error("most recent entry was evicted")
	}
}

func TestMemoryTierLRUOrder(t *testing.T) {
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 300})

	_ = m.Put(makeEntry("a", make([]byte, 100), time.Now(), 0))
	_ = m.Put(makeEntry("b", make([]byte, 100), time.Now(), 0))
	_ = m.Put(makeEntry("c", make([]byte, 100), time.Now(), 0))

	// touch a so b becomes least recently used
	if _, ok := m.Get("a"); !ok {
		t.Fatal("expected a")
	}
	_ = m.Put(makeEntry("d", make([]byte, 100), time.Now(), 0))

	if _, ok := m.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := m.Get(key); !ok {
			t.Errorf("%s should still be cached", key)
		}
	}
}

func TestMemoryTierEntryBound(t *testing.T) {
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 1 << 20, MaxEntries: 2})

	_ = m.Put(makeEntry("key1", []byte("one"), time.Now(), 0))
	_ = m.Put(makeEntry("key2", []byte("two"), time.Now(), 0))
	_ = m.Put(makeEntry("key3", []byte("three"), time.Now(), 0))

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	if m.Evictions() != 1 {
		t.Errorf("Evictions() = %d, want 1", m.Evictions())
	}
	if _, ok := m.Get("key1"); ok {
		t.Error("key1 should have been evicted")
	}
	if got := m.Keys(); len(got) != 2 || got[0] != "key3" || got[1] != "key2" {
		t.Errorf("Keys() = %v, want [key3 key2]", got)
	}
}

func TestMemoryTierEvictsInBatches(t *testing.T) {
	tests := []struct {
		name          string
		config        MemoryTierConfig
		puts          int
		wantLen       int
		wantEvictions uint64
	}{
		{"entry bound", MemoryTierConfig{MaxBytes: 1 << 20, MaxEntries: 8}, 9, 7, 2},
		{"byte bound", MemoryTierConfig{MaxBytes: 1000}, 11, 9, 2},
		{"single overflow", MemoryTierConfig{MaxBytes: 1 << 20, MaxEntries: 2}, 3, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemoryTier(tt.config)
			for i := 0; i < tt.puts; i++ {
				if err := m.Put(makeEntry(fmt.Sprintf("k%d", i), make([]byte, 100), time.Now(), 0)); err != nil {
					t.Fatalf("Put(%d) error = %v", i, err)
				}
			}

			if m.Len() != tt.wantLen {
				t.Errorf("Len() = %d, want %d", m.Len(), tt.wantLen)
			}
			if m.Evictions() != tt.wantEvictions {
				t.Errorf("Evictions() = %d, want %d", m.Evictions(), tt.wantEvictions)
			}
			if _, ok := m.Get(fmt.Sprintf("k%d", tt.puts-1)); !ok {
				t.Error("most recent entry was evicted")
			}
			if _, ok := m.Get("k0"); ok {
				t.Error("least recently used entry survived")
			}
		})
	}
}

func TestMemoryTierOversizedEntry(t *testing.T) {
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 10})

	err := m.Put(makeEntry("big", make([]byte, 11), time.Now(), 0))
	if !cacheerrors.IsCode(err, cacheerrors.ErrCodeResourceExhausted) {
		t.Fatalf("expected RESOURCE_EXHAUSTED, got %v", err)
	}
	if m.Len() != 0 || m.Size() != 0 {
		t.Error("rejected entry changed the tier")
	}

	err = m.Put(&types.Entry{})
	if !cacheerrors.IsCode(err, cacheerrors.ErrCodeValidationFailed) {
		t.Errorf("expected VALIDATION_FAILED for keyless entry, got %v", err)
	}
}

func TestMemoryTierTTL(t *testing.T) {
	clock := newTestClock()
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 1024, Now: clock.Now})

	_ = m.Put(makeEntry("short", []byte("s"), clock.Now(), time.Minute))
	_ = m.Put(makeEntry("forever", []byte("f"), clock.Now(), 0))

	clock.Advance(time.Minute)
	if !m.Contains("short") {
		t.Error("entry expired at exactly its TTL")
	}

	clock.Advance(time.Second)
	if m.Contains("short") {
		t.Error("Contains reported an expired entry")
	}
	if _, ok := m.Get("short"); ok {
		t.Error("Get returned an expired entry")
	}
	if m.Len() != 1 {
		t.Errorf("expired entry not purged on read, Len() = %d", m.Len())
	}

	clock.Advance(365 * 24 * time.Hour)
	if _, ok := m.Get("forever"); !ok {
		t.Error("zero TTL entry expired")
	}
}

func TestMemoryTierPurgeExpired(t *testing.T) {
	clock := newTestClock()
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 1024, Now: clock.Now})

	for i := 0; i < 5; i++ {
		_ = m.Put(makeEntry(fmt.Sprintf("e%d", i), []byte("x"), clock.Now(), time.Second))
	}
	_ = m.Put(makeEntry("keep", []byte("x"), clock.Now(), time.Hour))

	clock.Advance(2 * time.Second)
	if removed := m.PurgeExpired(); removed != 5 {
		t.Errorf("PurgeExpired() = %d, want 5", removed)
	}
	if m.Len() != 1 || m.Size() != 1 {
		t.Errorf("Len() = %d, Size() = %d after purge", m.Len(), m.Size())
	}
}

func TestMemoryTierCorruptEntry(t *testing.T) {
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 1024, ValidateHashes: true})

	entry := makeEntry("a", []byte("original"), time.Now(), 0)
	entry.Metadata.ContentHash = ContentHash([]byte("something else"))
	_ = m.Put(entry)

	if _, ok := m.Get("a"); ok {
		t.Error("corrupt entry returned")
	}
	if m.Len() != 0 {
		t.Error("corrupt entry not removed")
	}

	lax := NewMemoryTier(MemoryTierConfig{MaxBytes: 1024})
	_ = lax.Put(entry)
	if _, ok := lax.Get("a"); !ok {
		t.Error("hash checked with validation disabled")
	}
}

func TestMemoryTierEvictKeepsNewest(t *testing.T) {
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 1000})
	for i := 0; i < 8; i++ {
		_ = m.Put(makeEntry(fmt.Sprintf("k%d", i), make([]byte, 100), time.Now(), 0))
	}

	evicted := m.Evict(0)
	if evicted != 7 {
		t.Errorf("Evict(0) = %d, want 7", evicted)
	}
	if keys := m.Keys(); len(keys) != 1 || keys[0] != "k7" {
		t.Errorf("Keys() = %v, want [k7]", keys)
	}

	if got := m.Evict(1000); got != 0 {
		t.Errorf("Evict under target removed %d entries", got)
	}
}

func TestMemoryTierDeleteClearStats(t *testing.T) {
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 150})
	_ = m.Put(makeEntry("a", make([]byte, 100), time.Now(), 0))
	_ = m.Put(makeEntry("b", make([]byte, 100), time.Now(), 0))

	m.Delete("b")
	m.Delete("nope")
	if m.Len() != 0 || m.Size() != 0 {
		t.Errorf("Len() = %d, Size() = %d", m.Len(), m.Size())
	}
	if m.Evictions() != 1 {
		t.Errorf("Evictions() = %d, want 1", m.Evictions())
	}

	_ = m.Put(makeEntry("c", make([]byte, 10), time.Now(), 0))
	m.Clear()
	m.ResetStats()
	if m.Len() != 0 || m.Size() != 0 || m.Evictions() != 0 {
		t.Error("Clear/ResetStats left state behind")
	}
	if m.Capacity() != 150 {
		t.Errorf("Capacity() = %d", m.Capacity())
	}
}

func TestMemoryTierCompressionTotals(t *testing.T) {
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 1024})

	compressed := makeEntry("z", make([]byte, 20), time.Now(), 0)
	compressed.Metadata.Compressed = true
	compressed.Metadata.OriginalSizeBytes = 200
	_ = m.Put(compressed)
	_ = m.Put(makeEntry("raw", make([]byte, 50), time.Now(), 0))

	stored, original := m.CompressionTotals()
	if stored != 20 || original != 200 {
		t.Errorf("CompressionTotals() = %d, %d, want 20, 200", stored, original)
	}
}

func TestMemoryTierConcurrentAccess(t *testing.T) {
	m := NewMemoryTier(MemoryTierConfig{MaxBytes: 4096, ValidateHashes: true})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (w*7+i)%40)
				payload := bytes.Repeat([]byte{byte(i)}, 64+i%64)
				_ = m.Put(makeEntry(key, payload, time.Now(), 0))
				if entry, ok := m.Get(key); ok && entry.Key != key {
					t.Errorf("Get(%s) returned %s", key, entry.Key)
				}
				if i%50 == 0 {
					m.Evict(2048)
				}
			}
		}(w)
	}
	wg.Wait()

	if m.Size() > 4096 {
		t.Errorf("size %d exceeds bound", m.Size())
	}
	var total int64
	for _, key := range m.Keys() {
		if entry, ok := m.Get(key); ok {
			total += int64(len(entry.Payload))
		}
	}
	if total != m.Size() {
		t.Errorf("tracked size %d, sum of payloads %d", m.Size(), total)
	}
}
