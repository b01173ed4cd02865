package climapulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/climapulse/dashboard"
	"github.com/jpalmerr/climapulse/internal/server"
	"github.com/jpalmerr/climapulse/internal/store"
	"github.com/jpalmerr/climapulse/metrics"
)

const defaultPort = 8080

// ErrUnknownSource is returned by [Board.Override] for a name that no feed
// uses.
var ErrUnknownSource = server.ErrUnknownSource

// Board runs a set of sources and serves their readings.
//
// Board builds one [Source] per [Feed], keeps the latest snapshot of each in
// memory, and serves a dashboard, a JSON API with live SSE and WebSocket
// streams, and Prometheus metrics. It is created with [NewBoard] and run
// with [Board.Start].
//
// The typical lifecycle is:
//
//	board, err := climapulse.NewBoard(climapulse.WithFeed(feed))
//	if err != nil {
//	    slog.Error("failed to create board", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	board.Start(ctx) // blocks until ctx is cancelled
type Board struct {
	title     string
	feeds     []Feed
	port      int
	logger    *slog.Logger
	gatherer  prometheus.Gatherer
	callbacks []func(Snapshot)

	sources map[string]*Source
	store   *store.MemoryStore

	mu      sync.Mutex
	started bool
}

// NewBoard creates a [Board] with the given options.
//
// At least one feed must be configured via [WithFeed] or [WithFeeds], and
// feed names must be unique. The port defaults to 8080.
//
// Every feed's [Source] is built here, so invalid source options are
// reported now rather than at Start.
//
// Example:
//
//	board, err := climapulse.NewBoard(
//	    climapulse.WithFeeds(feeds...),
//	    climapulse.WithPort(9090),
//	    climapulse.WithTitle("Planta Norte"),
//	)
func NewBoard(opts ...BoardOption) (*Board, error) {
	cfg := &boardConfig{port: defaultPort}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, &ConfigError{Field: "board option", Msg: err.Error()}
		}
	}

	if len(cfg.feeds) == 0 {
		return nil, configErr("feeds", "at least one feed is required")
	}
	seen := make(map[string]bool, len(cfg.feeds))
	for _, f := range cfg.feeds {
		if err := f.validate(); err != nil {
			return nil, err
		}
		if seen[f.Name] {
			return nil, configErr("feeds", "duplicate feed name %q", f.Name)
		}
		seen[f.Name] = true
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.registerer == nil {
		reg := prometheus.NewRegistry()
		cfg.registerer, cfg.gatherer = reg, reg
	}
	recorder, err := metrics.NewRecorder(cfg.registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	b := &Board{
		title:     cfg.title,
		feeds:     cfg.feeds,
		port:      cfg.port,
		logger:    logger,
		gatherer:  cfg.gatherer,
		callbacks: cfg.callbacks,
		sources:   make(map[string]*Source, len(cfg.feeds)),
		store:     store.NewMemoryStore(),
	}

	for _, f := range cfg.feeds {
		// feed options come first so a feed may override the logger; the
		// name always matches the feed so store keys stay consistent
		srcOpts := []Option{WithLogger(logger)}
		srcOpts = append(srcOpts, f.Options...)
		srcOpts = append(srcOpts, WithName(f.Name), WithMetrics(recorder))

		src, err := NewSource(srcOpts...)
		if err != nil {
			return nil, fmt.Errorf("feed %q: %w", f.Name, err)
		}
		b.sources[f.Name] = src
	}

	return b, nil
}

// Start starts every source and serves the dashboard and API.
//
// Start blocks until ctx is cancelled, then stops all sources and shuts the
// HTTP server down. Returns nil on graceful shutdown, or an error if a
// source rejects its feed, the HTTP server fails to start, or the board was
// already started.
func (b *Board) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("board already started")
	}
	b.started = true
	b.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}

	b.logger.Info("climapulse starting", "source_count", len(b.feeds))
	b.logger.Info("dashboard available", "url", fmt.Sprintf("http://localhost:%d", b.port))

	// store first so subscribers see a source before its first attempt
	unsubscribes := make([]func(), 0, len(b.feeds))
	for _, f := range b.feeds {
		f := f
		src := b.sources[f.Name]
		b.store.Update(toReadingResult(f, src.Latest()))
		unsubscribes = append(unsubscribes, src.Subscribe(func(s Snapshot) {
			b.store.Update(toReadingResult(f, s))
			for _, cb := range b.callbacks {
				invokeCallbackSafe(cb, s, b.logger)
			}
		}))
	}

	cleanup := func() {
		for _, src := range b.sources {
			src.Stop()
		}
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}

	for _, f := range b.feeds {
		if err := b.sources[f.Name].Start(f.interval(), f.Endpoint); err != nil {
			cleanup()
			return fmt.Errorf("feed %q: %w", f.Name, err)
		}
	}

	httpServer := server.NewServer(b.store, b.port, dashboard.Assets, b.title, b.logger,
		server.WithOverride(b.serverOverride),
		server.WithMetricsHandler(metrics.Handler(b.gatherer)),
	)
	if err := httpServer.Start(ctx); err != nil {
		cleanup()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	<-ctx.Done()
	cleanup()
	b.logger.Info("climapulse stopped")
	return nil
}

// Source returns the source built for the named feed.
func (b *Board) Source(name string) (*Source, bool) {
	src, ok := b.sources[name]
	return src, ok
}

// Override publishes a user-entered reading on the named source and pauses
// it for hold. See [Source.Override].
func (b *Board) Override(name string, v OverrideValues, hold time.Duration) (Snapshot, error) {
	src, ok := b.sources[name]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return src.Override(v, hold)
}

func (b *Board) serverOverride(name string, req server.OverrideRequest) (store.ReadingResult, error) {
	snap, err := b.Override(name, OverrideValues{Temperature: req.Temperature, Humidity: req.Humidity}, req.Hold)
	if err != nil {
		return store.ReadingResult{}, err
	}
	// the subscription has already stored this snapshot; read it back so
	// the response matches what streams saw
	if r, ok := b.store.Get(name); ok {
		return r, nil
	}
	for _, f := range b.feeds {
		if f.Name == name {
			return toReadingResult(f, snap), nil
		}
	}
	return store.ReadingResult{}, ErrUnknownSource
}

// Feeds returns a copy of the configured feeds.
func (b *Board) Feeds() []Feed {
	cp := make([]Feed, len(b.feeds))
	copy(cp, b.feeds)
	return cp
}

// Port returns the configured HTTP port.
func (b *Board) Port() int {
	return b.port
}

// toReadingResult converts a snapshot to its stored JSON form.
func toReadingResult(f Feed, s Snapshot) store.ReadingResult {
	r := store.ReadingResult{
		Name:        s.Name,
		Endpoint:    f.Endpoint,
		SensorID:    s.Reading.SensorID,
		Temperature: s.Reading.Temperature,
		Humidity:    s.Reading.Humidity,
		Origin:      string(s.Reading.Origin),
		State:       string(s.Status.State),
		Reason:      s.Status.Reason,
		UpdatedAt:   time.Now(),
	}
	if !s.Reading.Timestamp.IsZero() {
		ts := s.Reading.Timestamp
		r.Timestamp = &ts
	}
	if !s.PausedUntil.IsZero() {
		until := s.PausedUntil
		r.PausedUntil = &until
	}
	return r
}

// invokeCallbackSafe calls an update callback with panic recovery.
// Panics are logged with a correlation id but do not propagate.
func invokeCallbackSafe(cb func(Snapshot), s Snapshot, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("update callback panicked",
				"correlation_id", uuid.NewString(),
				"panic", r,
				"source", s.Name,
			)
		}
	}()
	cb(s)
}
