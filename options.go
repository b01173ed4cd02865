package climapulse

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// boardConfig holds mutable state during Board construction.
type boardConfig struct {
	title      string
	feeds      []Feed
	port       int
	logger     *slog.Logger
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	callbacks  []func(Snapshot)
}

// BoardOption configures a [Board] during construction.
//
// Built-in options: [WithFeed], [WithFeeds], [WithPort], [WithTitle],
// [WithBoardLogger], [WithRegistry], [WithUpdateCallback].
type BoardOption func(*boardConfig) error

// WithFeed adds a single [Feed] to the board.
//
// Can be called multiple times. At least one feed must be configured for
// [NewBoard] to succeed.
func WithFeed(f Feed) BoardOption {
	return func(cfg *boardConfig) error {
		cfg.feeds = append(cfg.feeds, f)
		return nil
	}
}

// WithFeeds adds several feeds at once. Equivalent to calling [WithFeed]
// for each.
//
// Example:
//
//	board, err := climapulse.NewBoard(
//	    climapulse.WithFeeds(feeds...),
//	)
func WithFeeds(feeds ...Feed) BoardOption {
	return func(cfg *boardConfig) error {
		cfg.feeds = append(cfg.feeds, feeds...)
		return nil
	}
}

// WithPort sets the HTTP port for the dashboard and API.
// Defaults to 8080.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) BoardOption {
	return func(cfg *boardConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithTitle sets the dashboard title. Defaults to "ClimaPulse".
func WithTitle(title string) BoardOption {
	return func(cfg *boardConfig) error {
		cfg.title = title
		return nil
	}
}

// WithBoardLogger sets the logger for the board and, unless a feed sets its
// own with [WithLogger], for every source. Defaults to slog.Default().
//
// Returns an error if the logger is nil.
func WithBoardLogger(logger *slog.Logger) BoardOption {
	return func(cfg *boardConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithRegistry sets where metrics are registered and gathered from for
// /metrics. Passing prometheus.DefaultRegisterer and
// prometheus.DefaultGatherer adds the Go runtime collectors. Defaults to a
// private registry.
//
// Returns an error if either argument is nil.
func WithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) BoardOption {
	return func(cfg *boardConfig) error {
		if reg == nil || g == nil {
			return errors.New("registerer and gatherer cannot be nil")
		}
		cfg.registerer = reg
		cfg.gatherer = g
		return nil
	}
}

// WithUpdateCallback registers fn to receive every snapshot any source on
// the board publishes, after the store has been updated.
//
// Callbacks run synchronously on the publishing goroutine and must not
// block. Panics are recovered and logged. Nil callbacks are ignored.
//
// Example:
//
//	board, err := climapulse.NewBoard(
//	    climapulse.WithFeed(feed),
//	    climapulse.WithUpdateCallback(func(s climapulse.Snapshot) {
//	        if s.Status.State == climapulse.StateDegraded {
//	            log.Printf("%s degraded: %s", s.Name, s.Status.Reason)
//	        }
//	    }),
//	)
func WithUpdateCallback(fn func(Snapshot)) BoardOption {
	return func(cfg *boardConfig) error {
		if fn == nil {
			return nil
		}
		cfg.callbacks = append(cfg.callbacks, fn)
		return nil
	}
}
