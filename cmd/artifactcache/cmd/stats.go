package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/objectfs/artifactcache/internal/cache"
)

func init() {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache directory statistics",
		RunE:  runStats,
	}
	statsCmd.Flags().Bool("json", false, "print the full report as JSON")

	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	s, err := openCache(nil, true)
	if err != nil {
		return err
	}
	defer s.Close()

	report := s.cache.Report()
	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printStats(cmd.OutOrStdout(), s.cfg.Cache.CacheDirectory, report)
	return nil
}

func printStats(out io.Writer, dir string, r cache.StatsReport) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Directory:\t%s\n", dir)
	fmt.Fprintf(w, "Units on disk:\t%s\n", humanize.Comma(int64(r.PersistentEntryCount)))
	fmt.Fprintf(w, "Size on disk:\t%s\n", humanize.IBytes(uint64(r.PersistentSizeBytes)))
	fmt.Fprintf(w, "Max entries:\t%s\n", humanize.Comma(int64(r.Config.MaxCacheEntries)))
	fmt.Fprintf(w, "Memory limit:\t%s\n", r.Config.MaxMemorySize)
	fmt.Fprintf(w, "Default TTL:\t%s\n", r.Config.DefaultTTL)
	fmt.Fprintf(w, "Compression:\t%v (level %d)\n", r.Config.EnableCompression, r.Config.CompressionLevel)
	fmt.Fprintf(w, "Breaker:\t%s\n", r.Persistent.BreakerState)
}
