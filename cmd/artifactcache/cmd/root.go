// Package cmd implements the artifactcache command line tool for inspecting
// and maintaining a cache directory.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/objectfs/artifactcache/internal/cache"
	"github.com/objectfs/artifactcache/internal/config"
	"github.com/objectfs/artifactcache/pkg/types"
	"github.com/objectfs/artifactcache/pkg/utils"
)

var (
	configFile string
	cacheDir   string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "artifactcache",
	Short:         "Inspect and maintain the UI test artifact cache",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "dir", "", "cache directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, ARTIFACTCACHE_* variables
// and command line flags, in that order
func loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if cacheDir != "" {
		cfg.Cache.CacheDirectory = cacheDir
	}
	if logLevel != "" {
		cfg.Global.LogLevel = strings.ToUpper(logLevel)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(global config.GlobalConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(global.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := utils.ParseLogFormat(global.LogFormat)
	if err != nil {
		return nil, err
	}

	loggerCfg := utils.DefaultStructuredLoggerConfig()
	loggerCfg.Level = level
	loggerCfg.Format = format
	if global.LogFile != "" {
		loggerCfg.Rotation = &utils.RotationConfig{
			Filename:   global.LogFile,
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		}
	}
	return utils.NewStructuredLogger(loggerCfg)
}

// session is an open cache plus the logger it writes to
type session struct {
	cfg    *config.Configuration
	logger *utils.StructuredLogger
	cache  *cache.Cache
}

// openCache opens the configured cache directory. Maintenance commands
// always need the persistent tier. With mustExist false a missing directory
// is created by the first write.
func openCache(metrics types.MetricsRecorder, mustExist bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Cache.EnablePersistentCache {
		return nil, errors.New("persistent cache is disabled; nothing to maintain")
	}
	if _, err := os.Stat(cfg.Cache.CacheDirectory); mustExist && errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cache directory %s does not exist", cfg.Cache.CacheDirectory)
	}

	logger, err := newLogger(cfg.Global)
	if err != nil {
		return nil, err
	}

	c, err := cache.New(cfg.Cache, cache.Options{
		Logger:     logger,
		Metrics:    metrics,
		Resilience: &cfg.Resilience,
	})
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, cache: c}, nil
}

func (s *session) Close() {
	_ = s.cache.Close()
	_ = s.logger.Close()
}
