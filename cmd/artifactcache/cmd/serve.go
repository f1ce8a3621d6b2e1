package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/artifactcache/internal/metrics"
	"github.com/objectfs/artifactcache/pkg/types"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the cache directory swept and export Prometheus metrics",
		Long: `Run the periodic sweep against the cache directory until interrupted and
serve Prometheus metrics. With --prefetch, the listed descriptors are looked up
first so their units are promoted into memory.`,
		RunE: runServe,
	}
	serveCmd.Flags().String("prefetch", "", "YAML file with a list of lookup descriptors")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mon := cfg.Monitoring

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        true,
		Port:           mon.MetricsPort,
		Path:           mon.MetricsPath,
		Namespace:      mon.Namespace,
		UpdateInterval: mon.UpdateInterval,
	}, nil)
	if err != nil {
		return err
	}

	s, err := openCache(collector, true)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector.SetProvider(s.cache)
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = collector.Stop(shutdownCtx)
	}()

	prefetchFile, _ := cmd.Flags().GetString("prefetch")
	if prefetchFile != "" {
		descriptors, err := loadDescriptors(prefetchFile)
		if err != nil {
			return err
		}
		report := s.cache.Prefetch(ctx, descriptors)
		s.logger.Info("Prefetched descriptors", map[string]interface{}{
			"requested": report.Requested,
			"hits":      report.Hits,
			"invalid":   report.Invalid,
		})
	}

	s.logger.Info("Serving", map[string]interface{}{
		"directory": s.cfg.Cache.CacheDirectory,
		"port":      mon.MetricsPort,
	})
	<-ctx.Done()
	return nil
}

func loadDescriptors(path string) ([]types.LookupDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var descriptors []types.LookupDescriptor
	if err := yaml.Unmarshal(data, &descriptors); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return descriptors, nil
}
