package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/objectfs/artifactcache/internal/circuit"
	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
	"github.com/objectfs/artifactcache/pkg/retry"
)

const testDir = "/cache"

// failingFs injects read and write failures into an underlying Fs
type failingFs struct {
	afero.Fs
	failReads  atomic.Bool
	failWrites atomic.Bool
}

func newFailingFs() *failingFs {
	return &failingFs{Fs: afero.NewMemMapFs()}
}

func (f *failingFs) Open(name string) (afero.File, error) {
	if f.failReads.Load() {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return f.Fs.Open(name)
}

func (f *failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if f.failWrites.Load() && flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE) != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newTestPersistentTier(fs afero.Fs, clock *testClock, maxUnits int) *PersistentTier {
	return NewPersistentTier(PersistentTierConfig{
		Fs:             fs,
		Directory:      testDir,
		MaxUnits:       maxUnits,
		ValidateHashes: true,
		Now:            clock.Now,
		Retry:          fastRetry(),
	})
}

func TestPersistentTierPutGet(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newTestClock()
	p := newTestPersistentTier(fs, clock, 10)

	payload := bytes.Repeat([]byte{0x00, 0x01, 0xfe}, 100)
	if err := p.Put(makeEntry("abc", payload, clock.Now(), time.Hour)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	exists, err := afero.Exists(fs, filepath.Join(testDir, "abc"+UnitExtension))
	if err != nil || !exists {
		t.Fatalf("unit file not written: %v", err)
	}

	entry, ok := p.Get("abc")
	if !ok {
		t.Fatal("expected hit")
	}
	if !bytes.Equal(entry.Payload, payload) {
		t.Error("payload mismatch")
	}
	if p.Len() != 1 || p.Count() != 1 {
		t.Errorf("Len() = %d", p.Len())
	}
	if keys := p.Keys(); len(keys) != 1 || keys[0] != "abc" {
		t.Errorf("Keys() = %v", keys)
	}
	if units, size := p.Usage(); units != 1 || size <= int64(len(payload)) {
		t.Errorf("Usage() = %d, %d", units, size)
	}
}

func TestPersistentTierNoTempFilesLeft(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newTestPersistentTier(fs, newTestClock(), 10)

	for i := 0; i < 5; i++ {
		_ = p.Put(makeEntry("same", []byte(fmt.Sprintf("v%d", i)), time.Now(), 0))
	}

	files, err := afero.ReadDir(fs, testDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, f.Name())
		}
		t.Errorf("expected one unit, found %v", names)
	}

	entry, ok := p.Get("same")
	if !ok || string(entry.Payload) != "v4" {
		t.Error("last write did not win")
	}
}

func TestPersistentTierMiss(t *testing.T) {
	p := newTestPersistentTier(afero.NewMemMapFs(), newTestClock(), 10)

	if _, ok := p.Get("absent"); ok {
		t.Error("expected miss")
	}
	if c := p.Counters(); c.ReadErrors != 0 || c.CorruptUnits != 0 {
		t.Errorf("miss counted as error: %+v", c)
	}
}

func TestPersistentTierCorruptUnits(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newTestClock()
	p := newTestPersistentTier(fs, clock, 10)

	// garbage bytes
	_ = afero.WriteFile(fs, filepath.Join(testDir, "garbage"+UnitExtension), []byte("not a unit"), 0644)

	// valid framing, wrong hash
	bad := makeEntry("tampered", []byte("payload"), clock.Now(), 0)
	bad.Metadata.ContentHash = ContentHash([]byte("other"))
	_ = p.Put(bad)

	// unit stored under another key's name
	_ = p.Put(makeEntry("original", []byte("x"), clock.Now(), 0))
	data, _ := afero.ReadFile(fs, filepath.Join(testDir, "original"+UnitExtension))
	_ = afero.WriteFile(fs, filepath.Join(testDir, "renamed"+UnitExtension), data, 0644)

	for _, key := range []string{"garbage", "tampered", "renamed"} {
		if _, ok := p.Get(key); ok {
			t.Errorf("%s: corrupt unit returned", key)
		}
		if exists, _ := afero.Exists(fs, filepath.Join(testDir, key+UnitExtension)); exists {
			t.Errorf("%s: corrupt unit not removed", key)
		}
	}

	if c := p.Counters(); c.CorruptUnits != 3 {
		t.Errorf("CorruptUnits = %d, want 3", c.CorruptUnits)
	}
	if _, ok := p.Get("original"); !ok {
		t.Error("healthy unit affected by corrupt neighbours")
	}
}

func TestPersistentTierExpiry(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newTestClock()
	p := newTestPersistentTier(fs, clock, 10)

	_ = p.Put(makeEntry("ttl", []byte("x"), clock.Now(), time.Minute))
	clock.Advance(time.Minute + time.Second)

	if _, ok := p.Get("ttl"); ok {
		t.Error("expired unit returned")
	}
	if p.Len() != 0 {
		t.Error("expired unit not removed on read")
	}
}

func TestPersistentTierReadFailureIsMiss(t *testing.T) {
	fs := newFailingFs()
	clock := newTestClock()
	p := newTestPersistentTier(fs, clock, 10)

	if err := p.Put(makeEntry("k", []byte("x"), clock.Now(), 0)); err != nil {
		t.Fatal(err)
	}

	fs.failReads.Store(true)
	if _, ok := p.Get("k"); ok {
		t.Error("expected miss on unreadable directory")
	}
	if c := p.Counters(); c.ReadErrors != 1 {
		t.Errorf("ReadErrors = %d, want 1", c.ReadErrors)
	}
	if r := p.Cleanup(); r.Total() != 0 {
		t.Errorf("cleanup removed files from unreadable directory: %+v", r)
	}

	fs.failReads.Store(false)
	if _, ok := p.Get("k"); !ok {
		t.Error("unit lost after transient read failure")
	}
}

func TestPersistentTierWriteFailure(t *testing.T) {
	fs := newFailingFs()
	fs.failWrites.Store(true)

	var retries int
	cfg := fastRetry()
	cfg.OnRetry = func(int, error, time.Duration) { retries++ }

	p := NewPersistentTier(PersistentTierConfig{Fs: fs, Directory: testDir, Retry: cfg})

	err := p.Put(makeEntry("k", []byte("x"), time.Now(), 0))
	if !cacheerrors.IsCode(err, cacheerrors.ErrCodeStorageWrite) {
		t.Fatalf("expected STORAGE_WRITE, got %v", err)
	}
	if retries != 1 {
		t.Errorf("retries = %d, want 1", retries)
	}
	if c := p.Counters(); c.WriteErrors != 1 {
		t.Errorf("WriteErrors = %d, want 1", c.WriteErrors)
	}
	if c := p.Counters(); c.BreakerState != "DISABLED" {
		t.Errorf("BreakerState = %s", c.BreakerState)
	}
}

func TestPersistentTierCircuitBreaker(t *testing.T) {
	fs := newFailingFs()
	fs.failWrites.Store(true)
	clock := newTestClock()

	p := NewPersistentTier(PersistentTierConfig{
		Fs:        fs,
		Directory: testDir,
		Now:       clock.Now,
		Retry:     retry.Config{MaxAttempts: 1},
		Breaker: &circuit.Config{
			Timeout:     time.Minute,
			ReadyToTrip: circuit.ConsecutiveFailures(2),
		},
	})

	_ = p.Put(makeEntry("a", []byte("x"), clock.Now(), 0))
	_ = p.Put(makeEntry("b", []byte("x"), clock.Now(), 0))

	err := p.Put(makeEntry("c", []byte("x"), clock.Now(), 0))
	if !cacheerrors.IsCode(err, cacheerrors.ErrCodeCircuitOpen) {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}
	if _, ok := p.Get("a"); ok {
		t.Error("hit while breaker open")
	}

	c := p.Counters()
	if c.WriteErrors != 2 || c.Rejected != 2 || c.BreakerState != "OPEN" {
		t.Errorf("Counters() = %+v", c)
	}

	// misses and corrupt units do not trip the breaker
	fs.failWrites.Store(false)
	clock.Advance(2 * time.Minute)
	if err := p.Put(makeEntry("d", []byte("x"), clock.Now(), 0)); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		p.Get(fmt.Sprintf("missing%d", i))
	}
	if state := p.Counters().BreakerState; state != "CLOSED" {
		t.Errorf("BreakerState = %s, want CLOSED", state)
	}

	p.ResetCounters()
	if c := p.Counters(); c.WriteErrors != 0 || c.Rejected != 0 {
		t.Errorf("ResetCounters left %+v", c)
	}
}

func TestPersistentTierCleanupByCount(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newTestClock()
	p := newTestPersistentTier(fs, clock, 3)

	base := clock.Now()
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("unit%d", i)
		_ = p.Put(makeEntry(key, []byte(key), base, 0))
		mtime := base.Add(time.Duration(i) * time.Minute)
		if err := fs.Chtimes(filepath.Join(testDir, key+UnitExtension), mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}

	result := p.Cleanup()
	if result.Evicted != 2 || result.Remaining != 3 {
		t.Errorf("Cleanup() = %+v, want 2 evicted, 3 remaining", result)
	}
	for i := 0; i < 5; i++ {
		_, ok := p.Get(fmt.Sprintf("unit%d", i))
		if want := i >= 2; ok != want {
			t.Errorf("unit%d present = %v, want %v", i, ok, want)
		}
	}
}

func TestPersistentTierCleanupExpiredAndTemp(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newTestClock()
	p := newTestPersistentTier(fs, clock, 10)

	_ = p.Put(makeEntry("stale", []byte("x"), clock.Now(), time.Second))
	_ = p.Put(makeEntry("fresh", []byte("x"), clock.Now(), time.Hour))

	oldTemp := filepath.Join(testDir, tempPrefix+"old-123")
	newTemp := filepath.Join(testDir, tempPrefix+"new-456")
	_ = afero.WriteFile(fs, oldTemp, []byte("partial"), 0644)
	_ = afero.WriteFile(fs, newTemp, []byte("partial"), 0644)

	clock.Advance(time.Minute)
	longAgo := clock.Now().Add(-time.Hour)
	_ = fs.Chtimes(oldTemp, longAgo, longAgo)
	_ = fs.Chtimes(newTemp, clock.Now(), clock.Now())

	result := p.Cleanup()
	if result.Expired != 1 || result.TempFiles != 1 || result.Remaining != 1 {
		t.Errorf("Cleanup() = %+v", result)
	}
	if exists, _ := afero.Exists(fs, newTemp); !exists {
		t.Error("in-flight temp file removed")
	}
	if keys := p.Keys(); len(keys) != 1 || keys[0] != "fresh" {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestPersistentTierCleanupMissingDir(t *testing.T) {
	p := newTestPersistentTier(afero.NewMemMapFs(), newTestClock(), 1)
	if r := p.Cleanup(); r != (CleanupResult{}) {
		t.Errorf("Cleanup() on missing dir = %+v", r)
	}
}

func TestPersistentTierDeleteClear(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newTestPersistentTier(fs, newTestClock(), 10)

	for _, key := range []string{"a", "b", "c"} {
		_ = p.Put(makeEntry(key, []byte(key), time.Now(), 0))
	}
	_ = afero.WriteFile(fs, filepath.Join(testDir, "unrelated.txt"), []byte("keep"), 0644)

	p.Delete("a")
	p.Delete("missing")
	if p.Len() != 2 {
		t.Errorf("Len() = %d after delete", p.Len())
	}

	p.Clear()
	if p.Len() != 0 {
		t.Errorf("Len() = %d after clear", p.Len())
	}
	if exists, _ := afero.Exists(fs, filepath.Join(testDir, "unrelated.txt")); !exists {
		t.Error("Clear removed a file it does not own")
	}
	if !strings.HasSuffix(p.unitPath("x"), "x"+UnitExtension) || p.Directory() != testDir {
		t.Error("unexpected unit path layout")
	}
}
