package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
	"github.com/objectfs/artifactcache/pkg/types"
	"github.com/objectfs/artifactcache/pkg/utils"
)

// StatsProvider is polled for gauge values
type StatsProvider interface {
	Stats() types.CacheStats
}

// Collector exports cache events as Prometheus metrics. It implements
// types.MetricsRecorder.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	lookupCounter     *prometheus.CounterVec
	evictionCounter   *prometheus.CounterVec
	degradedCounter   *prometheus.CounterVec
	sizeGauge         prometheus.Gauge
	entriesGauge      prometheus.Gauge
	hitRateGauge      prometheus.Gauge

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time
	provider   StatsProvider

	server *http.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config represents metrics configuration
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
}

// DefaultConfig returns the collector defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Port:           9464,
		Path:           "/metrics",
		Namespace:      "artifactcache",
		UpdateInterval: 15 * time.Second,
		Labels:         make(map[string]string),
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a collector. A disabled collector accepts every
// call and records nothing.
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = 15 * time.Second
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	collector := &Collector{
		config:     config,
		logger:     logger.WithComponent("metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Registry returns the registry metrics are registered with, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetProvider sets the source polled for size and hit rate gauges
func (c *Collector) SetProvider(provider StatsProvider) {
	c.mu.Lock()
	c.provider = provider
	c.mu.Unlock()
	c.Refresh()
}

// Start serves the metrics endpoint and starts polling the provider
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Metrics server stopped", map[string]interface{}{"error": err})
		}
	}()

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.updateLoop(ctx)

	c.logger.Info("Metrics endpoint listening", map[string]interface{}{
		"port": c.config.Port,
		"path": c.config.Path,
	})
	return nil
}

// Stop shuts the endpoint down and stops polling
func (c *Collector) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the Prometheus exposition handler for the registry
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordOperation records a get or put with its duration and payload size
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.TotalSize += size
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	metrics.AvgSize = float64(metrics.TotalSize) / float64(metrics.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// RecordLookup counts a hit by the tier that served it, or a miss
func (c *Collector) RecordLookup(source types.Source, hit bool) {
	if !c.config.Enabled {
		return
	}

	result, tier := "miss", "none"
	if hit {
		result, tier = "hit", string(source)
	}
	c.lookupCounter.WithLabelValues(result, tier).Inc()
}

// RecordEviction counts entries removed from a tier
func (c *Collector) RecordEviction(tier string, count int) {
	if !c.config.Enabled || count <= 0 {
		return
	}
	c.evictionCounter.WithLabelValues(tier).Add(float64(count))
}

// RecordDegraded counts a contained failure by component and error code
func (c *Collector) RecordDegraded(component string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.degradedCounter.WithLabelValues(component, string(cacheerrors.CodeOf(err))).Inc()
}

// Refresh polls the provider once
func (c *Collector) Refresh() {
	if !c.config.Enabled {
		return
	}

	c.mu.RLock()
	provider := c.provider
	c.mu.RUnlock()
	if provider == nil {
		return
	}

	stats := provider.Stats()
	c.sizeGauge.Set(float64(stats.Size))
	c.entriesGauge.Set(float64(stats.Entries))
	c.hitRateGauge.Set(stats.HitRate)
}

// GetMetrics returns a copy of the per-operation summaries
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for name, op := range c.operations {
		out[name] = *op
	}
	return out
}

// ResetMetrics clears the per-operation summaries. Prometheus counters are
// monotonic and keep their values.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("operations_total", "Total number of cache operations")),
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_duration_seconds",
			Help:        "Duration of cache operations in seconds",
			ConstLabels: c.config.Labels,
			Buckets:     prometheus.ExponentialBuckets(0.00005, 2, 16), // 50µs to ~1.6s
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "artifact_size_bytes",
			Help:        "Size of artifacts read and written in bytes",
			ConstLabels: c.config.Labels,
			Buckets:     prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
		},
		[]string{"operation"},
	)

	c.lookupCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("lookups_total", "Cache lookups by result and serving tier")),
		[]string{"result", "tier"},
	)

	c.evictionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("evictions_total", "Entries removed by eviction, expiry or cleanup")),
		[]string{"tier"},
	)

	c.degradedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("degraded_total", "Contained failures that degraded to a miss or no-op")),
		[]string{"component", "code"},
	)

	c.sizeGauge = prometheus.NewGauge(prometheus.GaugeOpts(opts("memory_size_bytes", "Tracked bytes in the memory tier")))
	c.entriesGauge = prometheus.NewGauge(prometheus.GaugeOpts(opts("memory_entries", "Entries in the memory tier")))
	c.hitRateGauge = prometheus.NewGauge(prometheus.GaugeOpts(opts("hit_ratio", "Hits over lookups since the last reset")))
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.lookupCounter,
		c.evictionCounter,
		c.degradedCounter,
		c.sizeGauge,
		c.entriesGauge,
		c.hitRateGauge,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) updateLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh()
		}
	}
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"artifactcache-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	lastReset := c.lastReset
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"last_reset": lastReset,
		"uptime":     time.Since(lastReset).String(),
		"operations": c.GetMetrics(),
	})
}
