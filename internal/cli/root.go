// Package cli implements the ytap command-line interface using cobra.
package cli

import (
	"runtime"

	"github.com/spf13/cobra"
)

// Build metadata, set at build time via ldflags.
var (
	Version   = "0.1.0-dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Execute runs the root command.
func Execute() error {
	return rootCmd().Execute()
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ytap",
		Short: "Intercepting proxy that taps YouTube page data",
		Long: `ytap is a forward HTTP proxy that injects a capture script into
YouTube HTML responses as they pass through, making the page's initial
data available to local tooling. Responses from other hosts, non-HTML
responses, and HTTPS tunnels pass through untouched.

Quick start:
  ytap run                           # proxy on 127.0.0.1:8888
  ytap run --config ytap.yaml        # with config file
  ytap check --config ytap.yaml      # validate config`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		runCmd(),
		checkCmd(),
		versionCmd(),
	)

	return cmd
}
