package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every unit in the cache directory",
		RunE:  runClear,
	}
	clearCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		return errors.New("refusing to clear without --yes")
	}

	s, err := openCache(nil, true)
	if err != nil {
		return err
	}
	defer s.Close()

	units, _ := s.cache.DiskUsage()
	s.cache.ClearCache()
	fmt.Fprintf(cmd.OutOrStdout(), "cleared %d units from %s\n", units, s.cfg.Cache.CacheDirectory)
	return nil
}
