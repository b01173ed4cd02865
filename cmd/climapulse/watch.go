package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jpalmerr/climapulse"
	"github.com/jpalmerr/climapulse/config"
)

const (
	shutdownTimeout = 10 * time.Second
	defaultEnvFile  = ".env"
)

// watchCmd polls the configured sensors and serves the dashboard.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll sensors and serve the dashboard",
	Long: `Poll the configured sensors and serve the dashboard.

The command will:
  - Load environment variables from an env file, if present
  - Load configuration from the specified YAML file
  - Start polling every configured source
  - Serve the dashboard, API, and /metrics on the configured port

It runs until interrupted (Ctrl+C) or it receives SIGTERM.

Example:
  climapulse watch -c climapulse.yaml
  climapulse watch -c climapulse.yaml --env-file deploy/.env`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	watchCmd.Flags().String("env-file", "", "env file to load before parsing the config (default .env if present)")
	_ = watchCmd.MarkFlagRequired("config")
}

// loadEnvFile loads path into the process environment without overriding
// variables already set. An empty path loads .env when it exists.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(defaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", defaultEnvFile, err)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := loggerFor(cmd)

	envFile, _ := cmd.Flags().GetString("env-file")
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	feeds, err := config.BuildFeeds(cfg)
	if err != nil {
		return fmt.Errorf("failed to build feeds: %w", err)
	}

	logger.Info("config loaded",
		"sources", len(feeds),
		"port", cfg.Port,
		"poll_interval", cfg.PollInterval.Duration().String(),
	)

	opts := []climapulse.BoardOption{
		climapulse.WithFeeds(feeds...),
		climapulse.WithPort(cfg.Port),
		climapulse.WithBoardLogger(logger),
		// default registry so /metrics includes the Go runtime collectors
		climapulse.WithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer),
		climapulse.WithUpdateCallback(func(s climapulse.Snapshot) {
			if s.Status.State == climapulse.StateDegraded {
				logger.Debug("serving synthetic reading", "source", s.Name, "reason", s.Status.Reason)
			}
		}),
	}
	if cfg.Title != "" {
		opts = append(opts, climapulse.WithTitle(cfg.Title))
	}

	board, err := climapulse.NewBoard(opts...)
	if err != nil {
		return fmt.Errorf("failed to create board: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- board.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("board error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("board error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
