package main

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"
)

// versionCmd prints the client version and the configured server version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "fruitsync %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		if cfg == nil || cfg.Server.Version == "" {
			fmt.Fprintln(out, "server: unknown")
			return nil
		}
		v, err := semver.NewVersion(cfg.Server.Version)
		if err != nil {
			return fmt.Errorf("invalid server.version %q: %w", cfg.Server.Version, err)
		}
		fmt.Fprintf(out, "server: %s\n", v)
		return nil
	},
}
