package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove expired units, stale temp files and units over max_cache_entries",
		RunE:  runPrune,
	}

	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	s, err := openCache(nil, true)
	if err != nil {
		return err
	}
	defer s.Close()

	_, before := s.cache.DiskUsage()
	result := s.cache.Sweep()
	units, after := s.cache.DiskUsage()

	fmt.Fprintf(cmd.OutOrStdout(),
		"removed %d expired, %d over limit, %d temp files; %d units remain (%s freed)\n",
		result.Persistent.Expired,
		result.Persistent.Evicted,
		result.Persistent.TempFiles,
		units,
		humanize.IBytes(uint64(before-after)),
	)
	return nil
}
