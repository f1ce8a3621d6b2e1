package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "ARTIFACTCACHE_"

// ByteSize is a byte count that accepts either an integer or a human
// readable string ("256MB", "1 GiB") in configuration files.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("byte size must be an integer or a size string: %w", err)
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return int64(b), nil
}

// String returns the size in IEC units
func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses "1048576", "256MB" or "1 GiB"
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// CacheConfig represents the artifact cache configuration
type CacheConfig struct {
	MaxMemorySize            ByteSize      `yaml:"max_memory_size"`
	MaxCacheEntries          int           `yaml:"max_cache_entries"`
	DefaultTTL               time.Duration `yaml:"default_ttl"`
	CompressionLevel         int           `yaml:"compression_level"`
	CacheDirectory           string        `yaml:"cache_directory"`
	EnableCompression        bool          `yaml:"enable_compression"`
	EnableMemoryMonitoring   bool          `yaml:"enable_memory_monitoring"`
	EnablePersistentCache    bool          `yaml:"enable_persistent_cache"`
	EnableHashValidation     bool          `yaml:"enable_hash_validation"`
	EnableDependencyTracking bool          `yaml:"enable_dependency_tracking"`

	SweepInterval       time.Duration `yaml:"sweep_interval"`
	HighWaterMark       float64       `yaml:"high_water_mark"`
	LowWaterMark        float64       `yaml:"low_water_mark"`
	PrefetchWorkers     int           `yaml:"prefetch_workers"`
	PrefetchQueueSize   int           `yaml:"prefetch_queue_size"`
	MemoryPressureLimit ByteSize      `yaml:"memory_pressure_limit"`
}

// ResilienceConfig configures how the persistent tier reacts to I/O failures
type ResilienceConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig represents retry settings for persistent writes
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitoringConfig represents the Prometheus metrics endpoint settings
type MonitoringConfig struct {
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	MetricsPort    int           `yaml:"metrics_port"`
	MetricsPath    string        `yaml:"metrics_path"`
	Namespace      string        `yaml:"namespace"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
			LogFile:   "",
		},
		Cache: *NewDefaultCacheConfig(),
		Resilience: ResilienceConfig{
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   10 * time.Millisecond,
				MaxDelay:    200 * time.Millisecond,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: false,
			MetricsPort:    9464,
			MetricsPath:    "/metrics",
			Namespace:      "artifactcache",
			UpdateInterval: 15 * time.Second,
		},
	}
}

// NewDefaultCacheConfig returns the default cache settings
func NewDefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxMemorySize:            256 * 1024 * 1024,
		MaxCacheEntries:          1000,
		DefaultTTL:               24 * time.Hour,
		CompressionLevel:         3,
		CacheDirectory:           filepath.Join(os.TempDir(), "artifactcache"),
		EnableCompression:        true,
		EnableMemoryMonitoring:   false,
		EnablePersistentCache:    true,
		EnableHashValidation:     true,
		EnableDependencyTracking: true,
		SweepInterval:            30 * time.Second,
		HighWaterMark:            0.9,
		LowWaterMark:             0.7,
		PrefetchWorkers:          4,
		PrefetchQueueSize:        256,
		MemoryPressureLimit:      1024 * 1024 * 1024,
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return cacheerrors.Wrap(err, cacheerrors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return cacheerrors.Wrap(err, cacheerrors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from ARTIFACTCACHE_* environment variables.
// Malformed values are reported rather than silently ignored.
func (c *Configuration) LoadFromEnv() error {
	var problems []string
	env := func(name string) (string, bool) {
		val, ok := os.LookupEnv(EnvPrefix + name)
		return strings.TrimSpace(val), ok && strings.TrimSpace(val) != ""
	}
	setBool := func(name string, dst *bool) {
		if val, ok := env(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				problems = append(problems, EnvPrefix+name)
				return
			}
			*dst = b
		}
	}
	setInt := func(name string, dst *int) {
		if val, ok := env(name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				problems = append(problems, EnvPrefix+name)
				return
			}
			*dst = n
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if val, ok := env(name); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				problems = append(problems, EnvPrefix+name)
				return
			}
			*dst = d
		}
	}
	setSize := func(name string, dst *ByteSize) {
		if val, ok := env(name); ok {
			b, err := ParseByteSize(val)
			if err != nil {
				problems = append(problems, EnvPrefix+name)
				return
			}
			*dst = b
		}
	}
	setFloat := func(name string, dst *float64) {
		if val, ok := env(name); ok {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				problems = append(problems, EnvPrefix+name)
				return
			}
			*dst = f
		}
	}

	// Global settings
	if val, ok := env("LOG_LEVEL"); ok {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val, ok := env("LOG_FORMAT"); ok {
		c.Global.LogFormat = strings.ToLower(val)
	}
	if val, ok := env("LOG_FILE"); ok {
		c.Global.LogFile = val
	}

	// Cache settings
	setSize("MAX_MEMORY_SIZE", &c.Cache.MaxMemorySize)
	setInt("MAX_CACHE_ENTRIES", &c.Cache.MaxCacheEntries)
	setDuration("DEFAULT_TTL", &c.Cache.DefaultTTL)
	setInt("COMPRESSION_LEVEL", &c.Cache.CompressionLevel)
	if val, ok := env("CACHE_DIRECTORY"); ok {
		c.Cache.CacheDirectory = val
	}
	setBool("ENABLE_COMPRESSION", &c.Cache.EnableCompression)
	setBool("ENABLE_MEMORY_MONITORING", &c.Cache.EnableMemoryMonitoring)
	setBool("ENABLE_PERSISTENT_CACHE", &c.Cache.EnablePersistentCache)
	setBool("ENABLE_HASH_VALIDATION", &c.Cache.EnableHashValidation)
	setBool("ENABLE_DEPENDENCY_TRACKING", &c.Cache.EnableDependencyTracking)
	setDuration("SWEEP_INTERVAL", &c.Cache.SweepInterval)
	setFloat("HIGH_WATER_MARK", &c.Cache.HighWaterMark)
	setFloat("LOW_WATER_MARK", &c.Cache.LowWaterMark)
	setInt("PREFETCH_WORKERS", &c.Cache.PrefetchWorkers)
	setInt("PREFETCH_QUEUE_SIZE", &c.Cache.PrefetchQueueSize)
	setSize("MEMORY_PRESSURE_LIMIT", &c.Cache.MemoryPressureLimit)

	// Resilience settings
	setInt("RETRY_MAX_ATTEMPTS", &c.Resilience.Retry.MaxAttempts)
	setBool("CIRCUIT_BREAKER_ENABLED", &c.Resilience.CircuitBreaker.Enabled)

	// Monitoring settings
	setBool("METRICS_ENABLED", &c.Monitoring.MetricsEnabled)
	setInt("METRICS_PORT", &c.Monitoring.MetricsPort)

	if len(problems) > 0 {
		return cacheerrors.Newf(cacheerrors.ErrCodeConfigLoad,
			"malformed environment values: %s", strings.Join(problems, ", ")).
			WithComponent("config")
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return invalid("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch strings.ToLower(c.Global.LogFormat) {
	case "", "text", "json":
	default:
		return invalid("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if err := c.Cache.Validate(); err != nil {
		return err
	}

	if c.Resilience.Retry.MaxAttempts < 1 {
		return invalid("retry max_attempts must be at least 1")
	}
	if c.Resilience.CircuitBreaker.Enabled && c.Resilience.CircuitBreaker.FailureThreshold < 1 {
		return invalid("circuit_breaker failure_threshold must be at least 1")
	}

	if c.Monitoring.MetricsEnabled {
		if c.Monitoring.MetricsPort < 1 || c.Monitoring.MetricsPort > 65535 {
			return invalid("invalid metrics_port: %d", c.Monitoring.MetricsPort)
		}
		if !strings.HasPrefix(c.Monitoring.MetricsPath, "/") {
			return invalid("metrics_path must start with '/'")
		}
	}

	return nil
}

// Validate validates the cache settings
func (c *CacheConfig) Validate() error {
	if c.MaxMemorySize <= 0 {
		return invalid("max_memory_size must be greater than 0")
	}
	if c.MaxCacheEntries <= 0 {
		return invalid("max_cache_entries must be greater than 0")
	}
	if c.DefaultTTL < 0 {
		return invalid("default_ttl cannot be negative")
	}
	if c.EnablePersistentCache && c.CacheDirectory == "" {
		return invalid("cache_directory is required when the persistent cache is enabled")
	}
	if c.SweepInterval <= 0 {
		return invalid("sweep_interval must be greater than 0")
	}
	if c.HighWaterMark <= 0 || c.HighWaterMark > 1 {
		return invalid("high_water_mark must be in (0, 1]")
	}
	if c.LowWaterMark <= 0 || c.LowWaterMark >= c.HighWaterMark {
		return invalid("low_water_mark must be in (0, high_water_mark)")
	}
	if c.PrefetchWorkers <= 0 {
		return invalid("prefetch_workers must be greater than 0")
	}
	if c.PrefetchQueueSize <= 0 {
		return invalid("prefetch_queue_size must be greater than 0")
	}
	if c.EnableMemoryMonitoring && c.MemoryPressureLimit <= 0 {
		return invalid("memory_pressure_limit must be greater than 0 when memory monitoring is enabled")
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return cacheerrors.Newf(cacheerrors.ErrCodeConfigValidation, format, args...).
		WithComponent("config").
		WithOperation("validate")
}
