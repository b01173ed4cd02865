package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jpalmerr/climapulse/internal/simulator"
)

// simulateCmd runs a fake sensor API.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a fake sensor API",
	Long: `Run a fake sensor API for local development.

Routes:
  GET  /api/sensor-data   drifting reading, updated every interval
  POST /api/sensor-data   set temperature and/or humidity (rate limited per IP)
  GET  /api/sensors       sensor table with jitter
  GET  /api/sensors/{id}  one sensor, or 404
  GET  /api/health        liveness

Example:
  climapulse simulate --port 8081
  climapulse simulate --port 8081 --rate 1 --burst 2`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Int("port", 8081, "port to listen on")
	simulateCmd.Flags().Float64("rate", simulator.DefaultRate, "manual updates per second allowed per client IP")
	simulateCmd.Flags().Int("burst", simulator.DefaultBurst, "manual update burst per client IP")
	simulateCmd.Flags().Duration("interval", simulator.DefaultUpdateInterval, "how often the reading drifts")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logger := loggerFor(cmd)

	port, _ := cmd.Flags().GetInt("port")
	perSecond, _ := cmd.Flags().GetFloat64("rate")
	burst, _ := cmd.Flags().GetInt("burst")
	interval, _ := cmd.Flags().GetDuration("interval")

	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	if perSecond <= 0 || burst < 1 {
		return fmt.Errorf("rate must be positive and burst at least 1")
	}

	sim := simulator.New(
		simulator.WithRate(rate.Limit(perSecond), burst),
		simulator.WithUpdateInterval(interval),
		simulator.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sim.Serve(ctx, fmt.Sprintf(":%d", port)); err != nil {
		return fmt.Errorf("simulator error: %w", err)
	}
	logger.Info("simulator stopped")
	return nil
}
