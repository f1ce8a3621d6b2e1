package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/objectfs/artifactcache/internal/circuit"
	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
	"github.com/objectfs/artifactcache/pkg/retry"
	"github.com/objectfs/artifactcache/pkg/types"
	"github.com/objectfs/artifactcache/pkg/utils"
)

const (
	// UnitExtension is the file extension of persisted units
	UnitExtension = ".ace"

	tempPrefix = ".tmp-"

	// DefaultTempMaxAge is how old an orphaned temp file must be before Cleanup removes it
	DefaultTempMaxAge = 10 * time.Minute
)

// PersistentTier stores one unit file per key under a directory. Every
// failure degrades to a miss or a no-op; errors are logged and counted.
type PersistentTier struct {
	fs         afero.Fs
	dir        string
	maxUnits   int
	validate   bool
	tempMaxAge time.Duration
	now        func() time.Time

	breaker *circuit.CircuitBreaker
	retryer *retry.Retryer
	logger  *utils.StructuredLogger

	readErrors   uint64
	writeErrors  uint64
	corruptUnits uint64
	rejected     uint64
}

// PersistentTierConfig configures the persistent tier
type PersistentTierConfig struct {
	Fs             afero.Fs
	Directory      string
	MaxUnits       int
	ValidateHashes bool
	TempMaxAge     time.Duration
	Now            func() time.Time

	// Breaker is nil to disable the circuit breaker
	Breaker *circuit.Config
	Retry   retry.Config
	Logger  *utils.StructuredLogger
}

// PersistentCounters reports degraded conditions seen by the tier
type PersistentCounters struct {
	ReadErrors   uint64 `json:"read_errors"`
	WriteErrors  uint64 `json:"write_errors"`
	CorruptUnits uint64 `json:"corrupt_units"`
	Rejected     uint64 `json:"rejected"`
	BreakerState string `json:"breaker_state"`
}

// CleanupResult describes what a Cleanup pass removed
type CleanupResult struct {
	Expired   int
	Evicted   int
	TempFiles int
	Remaining int
}

// Total returns the number of files removed
func (r CleanupResult) Total() int {
	return r.Expired + r.Evicted + r.TempFiles
}

// NewPersistentTier creates the tier. The directory is created lazily on the
// first write so an unwritable location only degrades the cache.
func NewPersistentTier(config PersistentTierConfig) *PersistentTier {
	if config.Fs == nil {
		config.Fs = afero.NewOsFs()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.TempMaxAge <= 0 {
		config.TempMaxAge = DefaultTempMaxAge
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}

	p := &PersistentTier{
		fs:         config.Fs,
		dir:        config.Directory,
		maxUnits:   config.MaxUnits,
		validate:   config.ValidateHashes,
		tempMaxAge: config.TempMaxAge,
		now:        config.Now,
		retryer:    retry.New(config.Retry),
		logger:     config.Logger.WithComponent("cache.persistent"),
	}

	if config.Breaker != nil {
		bc := *config.Breaker
		if bc.Now == nil {
			bc.Now = config.Now
		}
		bc.IsSuccessful = tierHealthy
		userHook := bc.OnStateChange
		bc.OnStateChange = func(name string, from, to circuit.State) {
			p.logger.Warn("Persistent tier circuit state changed", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
			if userHook != nil {
				userHook(name, from, to)
			}
		}
		p.breaker = circuit.NewCircuitBreaker("cache.persistent", bc)
	}

	return p
}

// tierHealthy treats misses and bad units as healthy I/O; only failures to
// read or write the directory count against the breaker
func tierHealthy(err error) bool {
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	switch cacheerrors.CodeOf(err) {
	case cacheerrors.ErrCodeDecodeFailed, cacheerrors.ErrCodeIntegrityMismatch:
		return true
	}
	return false
}

// Directory returns the unit directory
func (p *PersistentTier) Directory() string {
	return p.dir
}

func (p *PersistentTier) unitPath(key string) string {
	return filepath.Join(p.dir, key+UnitExtension)
}

// Get reads the unit for key. Missing, expired, undecodable and hash
// mismatched units are misses; the latter three are removed.
func (p *PersistentTier) Get(key string) (*types.Entry, bool) {
	var entry *types.Entry
	read := func() error {
		var err error
		entry, err = p.readUnit(key)
		return err
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(read)
	} else {
		err = read()
	}

	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return nil, false
	case cacheerrors.IsCode(err, cacheerrors.ErrCodeCircuitOpen):
		atomic.AddUint64(&p.rejected, 1)
		return nil, false
	case tierHealthy(err):
		atomic.AddUint64(&p.corruptUnits, 1)
		p.logger.Warn("Removing unreadable unit", map[string]interface{}{"key": key, "error": err})
		p.remove(p.unitPath(key))
		return nil, false
	default:
		atomic.AddUint64(&p.readErrors, 1)
		p.logger.Warn("Persistent read failed", map[string]interface{}{"key": key, "error": err})
		return nil, false
	}

	if entry.Metadata.Expired(p.now()) {
		p.remove(p.unitPath(key))
		return nil, false
	}
	return entry, true
}

func (p *PersistentTier) readUnit(key string) (*types.Entry, error) {
	data, err := afero.ReadFile(p.fs, p.unitPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, cacheerrors.Wrap(err, cacheerrors.ErrCodeStorageRead, "failed to read unit").
			WithComponent("cache.persistent").
			WithOperation("get").
			WithKey(key)
	}

	entry, err := DecodeUnit(data)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		return nil, decodeError("unit key does not match file name").WithKey(key)
	}
	if p.validate {
		if err := VerifyContentHash(entry.Payload, entry.Metadata.ContentHash); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// Put writes entry to a temp file in the unit directory and renames it into
// place. Transient failures are retried; the final error is returned for the
// caller to log and count, never to fail on.
func (p *PersistentTier) Put(entry *types.Entry) error {
	return p.PutContext(context.Background(), entry)
}

// PutContext is Put with cancellation of the retry backoff
func (p *PersistentTier) PutContext(ctx context.Context, entry *types.Entry) error {
	write := func() error {
		return p.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			return p.writeUnit(entry)
		})
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(write)
	} else {
		err = write()
	}

	if err != nil {
		if cacheerrors.IsCode(err, cacheerrors.ErrCodeCircuitOpen) {
			atomic.AddUint64(&p.rejected, 1)
		} else {
			atomic.AddUint64(&p.writeErrors, 1)
			p.logger.Warn("Persistent write failed", map[string]interface{}{
				"key":   entry.Key,
				"error": err,
			})
		}
	}
	return err
}

func (p *PersistentTier) writeUnit(entry *types.Entry) error {
	wrap := func(err error, msg string) error {
		return cacheerrors.Wrap(err, cacheerrors.ErrCodeStorageWrite, msg).
			WithComponent("cache.persistent").
			WithOperation("put").
			WithKey(entry.Key)
	}

	if err := p.fs.MkdirAll(p.dir, 0750); err != nil {
		return wrap(err, "failed to create cache directory")
	}

	tmp, err := afero.TempFile(p.fs, p.dir, tempPrefix+entry.Key+"-")
	if err != nil {
		return wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()

	if err := EncodeUnit(tmp, entry); err != nil {
		_ = tmp.Close()
		p.remove(tmpName)
		return wrap(err, "failed to write unit")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		p.remove(tmpName)
		return wrap(err, "failed to sync unit")
	}
	if err := tmp.Close(); err != nil {
		p.remove(tmpName)
		return wrap(err, "failed to close unit")
	}
	if err := p.fs.Rename(tmpName, p.unitPath(entry.Key)); err != nil {
		p.remove(tmpName)
		return wrap(err, "failed to publish unit")
	}
	return nil
}

// Delete removes the unit for key
func (p *PersistentTier) Delete(key string) {
	p.remove(p.unitPath(key))
}

// Clear removes every unit and temp file
func (p *PersistentTier) Clear() {
	files, err := afero.ReadDir(p.fs, p.dir)
	if err != nil {
		return
	}
	for _, info := range files {
		name := info.Name()
		if strings.HasSuffix(name, UnitExtension) || strings.HasPrefix(name, tempPrefix) {
			p.remove(filepath.Join(p.dir, name))
		}
	}
}

// Has reports whether a unit file exists for key. The unit is not decoded.
func (p *PersistentTier) Has(key string) bool {
	exists, err := afero.Exists(p.fs, p.unitPath(key))
	return err == nil && exists
}

// Len returns the number of units
func (p *PersistentTier) Len() int {
	return len(p.listUnits())
}

// Count is Len
func (p *PersistentTier) Count() int {
	return p.Len()
}

// Usage returns the number of units and their total size on disk
func (p *PersistentTier) Usage() (units int, bytes int64) {
	files, err := afero.ReadDir(p.fs, p.dir)
	if err != nil {
		return 0, 0
	}
	for _, info := range files {
		if !info.IsDir() && strings.HasSuffix(info.Name(), UnitExtension) {
			units++
			bytes += info.Size()
		}
	}
	return units, bytes
}

// Counters returns the degraded-condition counters
func (p *PersistentTier) Counters() PersistentCounters {
	c := PersistentCounters{
		ReadErrors:   atomic.LoadUint64(&p.readErrors),
		WriteErrors:  atomic.LoadUint64(&p.writeErrors),
		CorruptUnits: atomic.LoadUint64(&p.corruptUnits),
		Rejected:     atomic.LoadUint64(&p.rejected),
		BreakerState: "DISABLED",
	}
	if p.breaker != nil {
		c.BreakerState = p.breaker.GetState().String()
	}
	return c
}

// ResetCounters zeroes the degraded-condition counters
func (p *PersistentTier) ResetCounters() {
	atomic.StoreUint64(&p.readErrors, 0)
	atomic.StoreUint64(&p.writeErrors, 0)
	atomic.StoreUint64(&p.corruptUnits, 0)
	atomic.StoreUint64(&p.rejected, 0)
}

// Cleanup removes expired units and orphaned temp files, then deletes the
// oldest units by modification time until at most maxUnits remain.
func (p *PersistentTier) Cleanup() CleanupResult {
	var result CleanupResult
	if p.breaker != nil && !p.breaker.Allow() {
		return result
	}

	files, err := afero.ReadDir(p.fs, p.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("Cleanup could not list cache directory", map[string]interface{}{"error": err})
		}
		return result
	}

	now := p.now()
	units := make([]fs.FileInfo, 0, len(files))
	for _, info := range files {
		name := info.Name()
		path := filepath.Join(p.dir, name)

		switch {
		case strings.HasPrefix(name, tempPrefix):
			if now.Sub(info.ModTime()) > p.tempMaxAge {
				if p.remove(path) {
					result.TempFiles++
				}
			}
		case strings.HasSuffix(name, UnitExtension) && !info.IsDir():
			if p.unitExpired(path, now) {
				if p.remove(path) {
					result.Expired++
				}
				continue
			}
			units = append(units, info)
		}
	}

	if p.maxUnits > 0 && len(units) > p.maxUnits {
		sort.Slice(units, func(i, j int) bool {
			return units[i].ModTime().Before(units[j].ModTime())
		})
		excess := len(units) - p.maxUnits
		for _, info := range units[:excess] {
			if p.remove(filepath.Join(p.dir, info.Name())) {
				result.Evicted++
			}
		}
		units = units[excess:]
	}
	result.Remaining = len(units)

	if result.Total() > 0 {
		p.logger.Debug("Persistent cleanup", map[string]interface{}{
			"expired":   result.Expired,
			"evicted":   result.Evicted,
			"temp":      result.TempFiles,
			"remaining": result.Remaining,
		})
	}
	return result
}

// unitExpired reads only the unit header. Units whose header cannot be read
// are left for Get to discover and remove.
func (p *PersistentTier) unitExpired(path string, now time.Time) bool {
	header, err := p.readHeader(path)
	if err != nil {
		return false
	}
	meta := types.Metadata{
		CachedAt: header.CachedAt,
		TTL:      time.Duration(header.TTLMillis) * time.Millisecond,
	}
	return meta.Expired(now)
}

func (p *PersistentTier) readHeader(path string) (*unitHeader, error) {
	f, err := p.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	prefix := make([]byte, unitPrefixLen)
	if _, err := io.ReadFull(f, prefix); err != nil {
		return nil, err
	}
	if string(prefix[:4]) != unitMagic {
		return nil, decodeError("bad magic")
	}
	hdrLen := binary.BigEndian.Uint32(prefix[6:10])
	if hdrLen > maxHeaderBytes {
		return nil, decodeError("header too large")
	}
	raw := make([]byte, hdrLen)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, err
	}
	var header unitHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, err
	}
	return &header, nil
}

// listUnits returns the unit file names in the directory
func (p *PersistentTier) listUnits() []string {
	files, err := afero.ReadDir(p.fs, p.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, info := range files {
		if !info.IsDir() && strings.HasSuffix(info.Name(), UnitExtension) {
			names = append(names, info.Name())
		}
	}
	return names
}

// Keys returns the keys of all units on disk
func (p *PersistentTier) Keys() []string {
	names := p.listUnits()
	keys := make([]string, 0, len(names))
	for _, name := range names {
		keys = append(keys, strings.TrimSuffix(name, UnitExtension))
	}
	return keys
}

// remove deletes path and reports whether a file was removed
func (p *PersistentTier) remove(path string) bool {
	err := p.fs.Remove(path)
	if err == nil {
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("Failed to remove cache file", map[string]interface{}{
			"path":  path,
			"error": err,
		})
	}
	return false
}
