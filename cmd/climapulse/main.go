// Package main is the entry point for the climapulse CLI.
//
// climapulse can be used as a library or run as a standalone binary with
// YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	climapulse watch -c config.yaml     # Poll sensors and serve the dashboard
//	climapulse validate -c config.yaml  # Validate configuration
//	climapulse simulate --port 8081     # Run a fake sensor API
//	climapulse version                  # Show version info
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd only displays help; functionality lives in subcommands.
var rootCmd = &cobra.Command{
	Use:   "climapulse",
	Short: "Resilient temperature and humidity sensor dashboard",
	Long: `climapulse polls temperature and humidity sensors over HTTP and serves
the latest readings in a web dashboard, a JSON API, and live SSE and
WebSocket streams.

When a sensor stops answering, climapulse keeps showing a plausible
synthetic reading and marks the source as degraded until it recovers.

Quick start:
  1. Run a fake sensor API: climapulse simulate --port 8081
  2. Create a config file (climapulse.yaml)
  3. Run: climapulse watch -c climapulse.yaml
  4. Open http://localhost:8080 in your browser

Example config:
  port: 8080
  sources:
    - name: bodega
      url: http://localhost:8081/api/sensors
      sensor_ids: [T-001, T-002]`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// newLogger creates a JSON logger for CLI use.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this climapulse binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "climapulse %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
}

// loggerFor returns the CLI logger, at debug level when --debug is set.
func loggerFor(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}
	return newLogger(level)
}
