package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/objectfs/artifactcache/internal/cache"
	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
)

func init() {
	getCmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Write a cached artifact to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	getCmd.Flags().StringP("output", "o", "", "write the artifact to this file")

	putCmd := &cobra.Command{
		Use:   "put KEY FILE",
		Short: "Store a file as an artifact",
		Args:  cobra.ExactArgs(2),
		RunE:  runPut,
	}
	putCmd.Flags().Duration("ttl", 0, "override the default TTL")
	putCmd.Flags().StringToString("label", nil, "label to store with the artifact (key=value)")

	rootCmd.AddCommand(getCmd, putCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	s, err := openCache(nil, true)
	if err != nil {
		return err
	}
	defer s.Close()

	result := s.cache.GetCachedArtifact(cmd.Context(), args[0])
	if !result.Success {
		return result.Error
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		_, err = cmd.OutOrStdout().Write(result.Payload)
		return err
	}
	if err := os.WriteFile(output, result.Payload, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (cached %s ago)\n",
		humanize.IBytes(uint64(len(result.Payload))),
		time.Since(result.Metadata.CachedAt).Round(time.Second))
	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	payload, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[1], err)
	}

	s, err := openCache(nil, false)
	if err != nil {
		return err
	}
	defer s.Close()

	ttl, _ := cmd.Flags().GetDuration("ttl")
	labels, _ := cmd.Flags().GetStringToString("label")

	before := s.cache.GetCacheStats().Persistent
	result := s.cache.CacheArtifact(cmd.Context(), args[0], payload, cache.ArtifactMetadata{
		TTL:    ttl,
		Labels: labels,
	})
	if !result.Success {
		return result.Error
	}

	// the memory tier dies with this process, so only the unit counts
	after := s.cache.GetCacheStats().Persistent
	if after.WriteErrors > before.WriteErrors || after.Rejected > before.Rejected || !s.cache.Persisted(args[0]) {
		return cacheerrors.Newf(cacheerrors.ErrCodeStorageWrite,
			"artifact was not written to %s", s.cfg.Cache.CacheDirectory).
			WithComponent("cli").
			WithOperation("put").
			WithKey(args[0])
	}

	fmt.Fprintf(cmd.OutOrStdout(), "stored %s as %s (%s after compression)\n",
		args[0], humanize.IBytes(uint64(len(payload))), humanize.IBytes(uint64(result.StoredBytes)))
	return nil
}
