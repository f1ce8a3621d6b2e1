package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/artifactcache/internal/cache"
	"github.com/objectfs/artifactcache/pkg/types"
)

func init() {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Print the cache key for a component render",
		Example: `  artifactcache key --component popup --viewport 360x600 --theme dark \
    --options '{locale: en, compact: true}' --dep src/popup.js --dep src/popup.css`,
		RunE: runKey,
	}
	keyCmd.Flags().String("component", "", "component id")
	keyCmd.Flags().String("viewport", "0x0", "viewport as WIDTHxHEIGHT")
	keyCmd.Flags().String("theme", "", "theme name")
	keyCmd.Flags().String("options", "", "render options as a YAML or JSON mapping")
	keyCmd.Flags().StringSlice("dep", nil, "dependency file (repeatable, order matters)")
	keyCmd.Flags().Bool("no-deps", false, "disable dependency tracking")
	_ = keyCmd.MarkFlagRequired("component")

	rootCmd.AddCommand(keyCmd)
}

func runKey(cmd *cobra.Command, args []string) error {
	component, _ := cmd.Flags().GetString("component")
	viewportFlag, _ := cmd.Flags().GetString("viewport")
	theme, _ := cmd.Flags().GetString("theme")
	optionsFlag, _ := cmd.Flags().GetString("options")
	deps, _ := cmd.Flags().GetStringSlice("dep")
	noDeps, _ := cmd.Flags().GetBool("no-deps")

	viewport, err := parseViewport(viewportFlag)
	if err != nil {
		return err
	}

	var options map[string]any
	if optionsFlag != "" {
		if err := yaml.Unmarshal([]byte(optionsFlag), &options); err != nil {
			return fmt.Errorf("invalid --options: %w", err)
		}
	}

	keys := cache.NewKeyGenerator(cache.NewDependencyTracker(afero.NewOsFs(), !noDeps))
	fmt.Fprintln(cmd.OutOrStdout(), keys.Generate(cache.KeyInput{
		Component:    component,
		Viewport:     viewport,
		Theme:        theme,
		Options:      options,
		Dependencies: deps,
	}))
	return nil
}

func parseViewport(s string) (types.Viewport, error) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return types.Viewport{}, fmt.Errorf("invalid viewport %q, want WIDTHxHEIGHT", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return types.Viewport{}, fmt.Errorf("invalid viewport width %q", w)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return types.Viewport{}, fmt.Errorf("invalid viewport height %q", h)
	}
	return types.Viewport{Width: width, Height: height}, nil
}
