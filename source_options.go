package climapulse

import (
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/jpalmerr/climapulse/metrics"
)

// DefaultTimeout bounds each request when [WithTimeout] is not given.
const DefaultTimeout = 6 * time.Second

// DefaultName is used when [WithName] is not given.
const DefaultName = "sensor"

// Option configures a [Source].
//
// Options are passed to [NewSource] and applied in order. Each option
// validates its input and returns an error if invalid.
type Option func(*sourceConfig) error

// sourceConfig holds configuration for a [Source] during construction.
type sourceConfig struct {
	name       string
	timeout    time.Duration
	timeoutSet bool
	fallback   Fallback
	sensorID   string
	headers    map[string]string
	fetcher    Fetcher
	logger     *slog.Logger
	recorder   *metrics.Recorder
	rng        *rand.Rand
}

func defaultSourceConfig() *sourceConfig {
	return &sourceConfig{
		name:     DefaultName,
		timeout:  DefaultTimeout,
		fallback: DefaultFallback(),
		headers:  make(map[string]string),
	}
}

// WithName sets the name used in logs, metrics, and the board's store.
//
// Returns an error if the name is empty or only whitespace.
func WithName(name string) Option {
	return func(cfg *sourceConfig) error {
		if strings.TrimSpace(name) == "" {
			return errors.New("name cannot be empty")
		}
		cfg.name = name
		return nil
	}
}

// WithTimeout bounds each fetch attempt.
//
// An attempt that has not completed within d is cancelled and treated as a
// failure with reason "timeout". Defaults to 6 seconds, or four fifths of
// the poll interval when that is shorter. [Source.Start] rejects an
// explicit timeout that is not shorter than the poll interval.
//
// Returns an error if the duration is zero or negative.
func WithTimeout(d time.Duration) Option {
	return func(cfg *sourceConfig) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		cfg.timeout = d
		cfg.timeoutSet = true
		return nil
	}
}

// WithFallback sets the envelopes for synthetic readings.
//
// Example:
//
//	src, err := climapulse.NewSource(
//	    climapulse.WithFallback(climapulse.Fallback{
//	        Temperature: climapulse.Envelope{Min: 2, Max: 8, Step: 0.5},
//	        Humidity:    climapulse.Envelope{Min: 30, Max: 60, Step: 2},
//	    }),
//	)
//
// Returns an error if min is not below max or a step is negative.
func WithFallback(f Fallback) Option {
	return func(cfg *sourceConfig) error {
		if err := f.validate(); err != nil {
			return err
		}
		cfg.fallback = f
		return nil
	}
}

// WithSensorID selects one sensor from endpoints that return a
// {"sensors": [...]} list. Without it the first entry is used.
func WithSensorID(id string) Option {
	return func(cfg *sourceConfig) error {
		cfg.sensorID = id
		return nil
	}
}

// WithHeaders sets custom HTTP headers on every request.
//
// Headers are specified as key-value pairs:
//
//	src, err := climapulse.NewSource(
//	    climapulse.WithHeaders("X-Api-Key", key, "X-Site", "norte"),
//	)
//
// Returns an error if an odd number of arguments is provided.
func WithHeaders(keyValues ...string) Option {
	return func(cfg *sourceConfig) error {
		if len(keyValues)%2 != 0 {
			return errors.New("WithHeaders requires an even number of arguments (key-value pairs)")
		}
		for i := 0; i < len(keyValues); i += 2 {
			cfg.headers[keyValues[i]] = keyValues[i+1]
		}
		return nil
	}
}

// WithFetcher replaces the HTTP fetcher. Headers and sensor ID options are
// then ignored; the timeout still applies through the context.
//
// Returns an error if f is nil.
func WithFetcher(f Fetcher) Option {
	return func(cfg *sourceConfig) error {
		if f == nil {
			return errors.New("fetcher cannot be nil")
		}
		cfg.fetcher = f
		return nil
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *sourceConfig) error {
		if l == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = l
		return nil
	}
}

// WithMetrics records attempts, skips, state and readings in r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(cfg *sourceConfig) error {
		cfg.recorder = r
		return nil
	}
}

// WithRand sets the random source for synthetic readings. Tests use it to
// make the fallback walk deterministic.
func WithRand(r *rand.Rand) Option {
	return func(cfg *sourceConfig) error {
		if r == nil {
			return errors.New("rand cannot be nil")
		}
		cfg.rng = r
		return nil
	}
}
