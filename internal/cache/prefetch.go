package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/objectfs/artifactcache/pkg/types"
	"github.com/objectfs/artifactcache/pkg/utils"
)

const (
	defaultPrefetchWorkers   = 4
	defaultPrefetchQueueSize = 256
	defaultLoadTimeout       = 30 * time.Second
)

// PrefetcherConfig configures background population
type PrefetcherConfig struct {
	Workers     int
	QueueSize   int
	LoadTimeout time.Duration
	Loader      types.Loader
	Logger      *utils.StructuredLogger
}

// PrefetchReport summarizes one Prefetch call
type PrefetchReport struct {
	Requested int `json:"requested"`
	Hits      int `json:"hits"`
	Enqueued  int `json:"enqueued"`
	Dropped   int `json:"dropped"`
	Invalid   int `json:"invalid"`
}

// PrefetchStats are cumulative prefetcher counters
type PrefetchStats struct {
	Requested uint64 `json:"requested"`
	Enqueued  uint64 `json:"enqueued"`
	Dropped   uint64 `json:"dropped"`
	Loaded    uint64 `json:"loaded"`
	Failed    uint64 `json:"failed"`
	Panics    uint64 `json:"panics"`
	Pending   int    `json:"pending"`
}

type prefetchJob struct {
	key  string
	desc types.LookupDescriptor
}

// Prefetcher populates misses in the background. Jobs go through a bounded
// queue into a fixed size worker pool; a full queue drops the job.
type Prefetcher struct {
	cache       *Cache
	loader      types.Loader
	loadTimeout time.Duration
	logger      *utils.StructuredLogger

	queue   chan prefetchJob
	workers *pool.Pool

	mu      sync.Mutex
	pending map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	requested uint64
	enqueued  uint64
	dropped   uint64
	loaded    uint64
	failed    uint64
	panics    uint64
}

// NewPrefetcher creates a prefetcher for c and starts its dispatcher
func NewPrefetcher(c *Cache, config PrefetcherConfig) *Prefetcher {
	if config.Workers <= 0 {
		config.Workers = defaultPrefetchWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultPrefetchQueueSize
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = defaultLoadTimeout
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Prefetcher{
		cache:       c,
		loader:      config.Loader,
		loadTimeout: config.LoadTimeout,
		logger:      config.Logger.WithComponent("cache.prefetch"),
		queue:       make(chan prefetchJob, config.QueueSize),
		workers:     pool.New().WithMaxGoroutines(config.Workers),
		pending:     make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go p.dispatch()
	return p
}

// Prefetch looks up every descriptor through the cache and queues a
// population job for each miss. Invalid descriptors are counted and skipped.
// It returns once every lookup has completed; population happens later.
func (p *Prefetcher) Prefetch(ctx context.Context, descriptors []types.LookupDescriptor) PrefetchReport {
	report := PrefetchReport{Requested: len(descriptors)}
	atomic.AddUint64(&p.requested, uint64(len(descriptors)))

	for _, desc := range descriptors {
		if ctx.Err() != nil || p.ctx.Err() != nil {
			report.Dropped++
			atomic.AddUint64(&p.dropped, 1)
			continue
		}

		key := desc.Key
		if key == "" {
			key = p.cache.GenerateKey(KeyInputFromDescriptor(desc))
		}

		_, hit, err := p.cache.Get(ctx, key)
		if err != nil {
			report.Invalid++
			p.logger.Debug("Skipping prefetch descriptor", map[string]interface{}{
				"key":   key,
				"error": err,
			})
			continue
		}
		if hit {
			report.Hits++
			continue
		}
		if p.loader == nil {
			continue
		}

		if p.enqueue(prefetchJob{key: key, desc: desc}) {
			report.Enqueued++
		} else {
			report.Dropped++
		}
	}

	if report.Enqueued > 0 || report.Dropped > 0 {
		p.logger.Debug("Prefetch batch queued", map[string]interface{}{
			"requested": report.Requested,
			"hits":      report.Hits,
			"enqueued":  report.Enqueued,
			"dropped":   report.Dropped,
		})
	}
	return report
}

// enqueue adds job unless the key is already pending, the queue is full or
// the prefetcher is stopped. The send happens under mu so Stop cannot miss
// a job it is draining.
func (p *Prefetcher) enqueue(job prefetchJob) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		atomic.AddUint64(&p.dropped, 1)
		return false
	}
	if _, exists := p.pending[job.key]; exists {
		return true
	}

	select {
	case p.queue <- job:
		p.pending[job.key] = struct{}{}
		atomic.AddUint64(&p.enqueued, 1)
		return true
	default:
		atomic.AddUint64(&p.dropped, 1)
		return false
	}
}

func (p *Prefetcher) clearPending(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

// dispatch hands queued jobs to the pool until Stop
func (p *Prefetcher) dispatch() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.queue:
			p.workers.Go(func() {
				p.run(job)
			})
		}
	}
}

// run executes one job. A failing or panicking loader only affects its own
// job.
func (p *Prefetcher) run(job prefetchJob) {
	defer p.clearPending(job.key)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.panics, 1)
			atomic.AddUint64(&p.failed, 1)
			p.logger.Error("Prefetch loader panicked", map[string]interface{}{
				"key":   job.key,
				"panic": fmt.Sprint(r),
			})
		}
	}()

	if p.ctx.Err() != nil {
		return
	}
	if p.cache.Contains(job.key) {
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.loadTimeout)
	defer cancel()

	payload, err := p.loader(ctx, job.desc)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Prefetch load failed", map[string]interface{}{
			"key":   job.key,
			"error": err,
		})
		return
	}

	if _, err := p.cache.Put(ctx, job.key, payload, ArtifactMetadata{}); err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Prefetched artifact not stored", map[string]interface{}{
			"key":   job.key,
			"error": err,
		})
		return
	}
	atomic.AddUint64(&p.loaded, 1)
}

// Stop cancels queued and running jobs and waits for the workers to exit.
// Jobs still in the queue are discarded and counted as dropped.
func (p *Prefetcher) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		<-p.done
		p.workers.Wait()

		p.mu.Lock()
		defer p.mu.Unlock()
		for {
			select {
			case job := <-p.queue:
				delete(p.pending, job.key)
				atomic.AddUint64(&p.dropped, 1)
			default:
				return
			}
		}
	})
}

// Wait blocks until the queue is empty and no job is running, or ctx ends
func (p *Prefetcher) Wait(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		idle := len(p.pending) == 0
		p.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns the cumulative counters
func (p *Prefetcher) Stats() PrefetchStats {
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()

	return PrefetchStats{
		Requested: atomic.LoadUint64(&p.requested),
		Enqueued:  atomic.LoadUint64(&p.enqueued),
		Dropped:   atomic.LoadUint64(&p.dropped),
		Loaded:    atomic.LoadUint64(&p.loaded),
		Failed:    atomic.LoadUint64(&p.failed),
		Panics:    atomic.LoadUint64(&p.panics),
		Pending:   pending,
	}
}

// ResetStats zeroes the cumulative counters
func (p *Prefetcher) ResetStats() {
	atomic.StoreUint64(&p.requested, 0)
	atomic.StoreUint64(&p.enqueued, 0)
	atomic.StoreUint64(&p.dropped, 0)
	atomic.StoreUint64(&p.loaded, 0)
	atomic.StoreUint64(&p.failed, 0)
	atomic.StoreUint64(&p.panics, 0)
}
