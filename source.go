package climapulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/climapulse/internal/poller"
	"github.com/jpalmerr/climapulse/metrics"
)

// DefaultOverrideHold is how long [Source.Override] pauses polling when no
// hold is given.
const DefaultOverrideHold = 10 * time.Second

// OverrideValues carries user-entered values for [Source.Override]. A nil
// field keeps the previous value.
type OverrideValues struct {
	Temperature *float64
	Humidity    *float64
}

// Source polls one endpoint for temperature and humidity readings.
//
// Every interval it makes at most one request. When the request fails for
// any reason the source publishes a synthetic reading from its fallback walk
// instead, so subscribers always have a plausible value and a [Status] that
// says whether it is real.
//
// A Source is created idle. [Source.Start] begins polling, [Source.Pause]
// suspends it for a while, and [Source.Stop] ends it; Start may be called
// again afterwards. All methods are safe for concurrent use.
type Source struct {
	name     string
	timeout  time.Duration
	sensorID string

	// timeoutSet records an explicit WithTimeout; the default is capped
	// below the interval instead of rejected
	timeoutSet bool

	fetcher  Fetcher
	logger   *slog.Logger
	recorder *metrics.Recorder

	// defaultFetcher is set when fetcher is the built-in HTTP fetcher
	defaultFetcher *httpFetcher

	mu          sync.Mutex
	walker      walker
	latest      Snapshot
	pausedUntil time.Time
	sched       *poller.Scheduler
	gen         uint64
	running     bool

	// inFlight spans restarts: a fetch from an old cycle that ignores
	// cancellation still blocks the new cycle, which catches up (owed)
	// once it resolves
	inFlight bool
	owed     bool

	// delivering counts subscriber calls in progress; Stop defers its idle
	// snapshot until they finish
	delivering  int
	idlePending bool
	idleGen     uint64

	subMu   sync.RWMutex
	subs    map[uint64]func(Snapshot)
	nextSub uint64
}

// NewSource creates an idle [Source] with the given options.
//
// Example:
//
//	src, err := climapulse.NewSource(
//	    climapulse.WithName("bodega-norte"),
//	    climapulse.WithSensorID("T-002"),
//	    climapulse.WithTimeout(4*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	unsubscribe := src.Subscribe(func(s climapulse.Snapshot) {
//	    fmt.Println(s.Status, s.Reading.Temperature)
//	})
//	defer unsubscribe()
//	if err := src.Start(5*time.Second, "http://localhost:8081/api/sensors"); err != nil {
//	    log.Fatal(err)
//	}
//	defer src.Stop()
//
// Returns a *[ConfigError] if any option is invalid.
func NewSource(opts ...Option) (*Source, error) {
	cfg := defaultSourceConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			var ce *ConfigError
			if errors.As(err, &ce) {
				return nil, err
			}
			return nil, &ConfigError{Field: "option", Msg: err.Error()}
		}
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.rng == nil {
		cfg.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	s := &Source{
		name:       cfg.name,
		timeout:    cfg.timeout,
		sensorID:   cfg.sensorID,
		timeoutSet: cfg.timeoutSet,
		fetcher:    cfg.fetcher,
		logger:     cfg.logger.With("source", cfg.name),
		recorder:   cfg.recorder,
		walker:     walker{env: cfg.fallback, rng: cfg.rng},
		latest:     Snapshot{Name: cfg.name, Status: Idle()},
		subs:       make(map[uint64]func(Snapshot)),
	}
	if s.fetcher == nil {
		s.defaultFetcher = newHTTPFetcher(cfg.headers, cfg.timeout, cfg.sensorID)
		s.fetcher = s.defaultFetcher
	}
	s.recorder.SetState(s.name, metrics.StateIdle)

	return s, nil
}

// Name returns the source name.
func (s *Source) Name() string {
	return s.name
}

// Start begins polling endpoint every interval, with the first attempt made
// immediately.
//
// Calling Start on a running source restarts it: the old cycle is stopped,
// the result of its in-flight request is discarded, and the new cycle
// begins. A pause that is still active carries over.
//
// Returns a *[ConfigError] if interval is not positive, endpoint is empty
// or not an http(s) URL, or a timeout set with [WithTimeout] is not shorter
// than interval. The default timeout is shortened to four fifths of
// interval instead.
func (s *Source) Start(interval time.Duration, endpoint string) error {
	if interval <= 0 {
		return configErr("interval", "must be positive, got %s", interval)
	}
	if endpoint == "" {
		return configErr("endpoint", "cannot be empty")
	}
	if s.defaultFetcher != nil {
		if err := validateEndpoint(endpoint); err != nil {
			return err
		}
	}
	timeout := s.timeout
	if timeout >= interval {
		if s.timeoutSet {
			return configErr("timeout", "%s must be shorter than poll interval %s", s.timeout, interval)
		}
		timeout = cappedTimeout(interval)
	}

	s.mu.Lock()
	old := s.sched
	s.gen++
	gen := s.gen
	sched := poller.NewScheduler(interval, func(ctx context.Context) {
		s.attempt(ctx, gen, endpoint, timeout)
	}, func(reason string) {
		s.recorder.ObserveSkip(s.name, reason)
	}, s.logger)
	if time.Now().Before(s.pausedUntil) {
		sched.PauseUntil(s.pausedUntil)
	}
	s.sched = sched
	s.running = true
	s.mu.Unlock()

	if old != nil {
		old.Stop()
		s.logger.Info("source restarted", "endpoint", endpoint, "interval", interval.String())
	} else {
		s.logger.Info("source started", "endpoint", endpoint, "interval", interval.String())
	}
	sched.Start(context.Background())
	return nil
}

// cappedTimeout is the default timeout for an interval too short to hold
// it: four fifths of the interval, so a slow request resolves before the
// next tick checks the in-flight guard.
func cappedTimeout(interval time.Duration) time.Duration {
	if t := interval - interval/5; t < interval {
		return t
	}
	return interval / 2
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return configErr("endpoint", "%v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return configErr("endpoint", "scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return configErr("endpoint", "missing host")
	}
	return nil
}

// attempt is one poll cycle. gen identifies the Start call that scheduled it;
// if the source has since been stopped or restarted the result is dropped.
func (s *Source) attempt(ctx context.Context, gen uint64, endpoint string, timeout time.Duration) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		s.owed = true
		s.mu.Unlock()
		s.recorder.ObserveSkip(s.name, poller.SkipInFlight)
		s.logger.Debug("previous cycle still fetching, attempt deferred")
		return
	}
	s.inFlight = true
	s.latest.Status = Fetching()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	// a panicking fetcher or subscriber must not leave the guard set
	released := false
	defer func() {
		if !released {
			s.mu.Lock()
			s.inFlight = false
			s.mu.Unlock()
		}
	}()

	s.recorder.SetState(s.name, metrics.StateFetching)
	s.notify(gen, snap)

	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, timeout)
	reading, err := s.fetcher.Fetch(fctx, endpoint)
	cancel()
	took := time.Since(start)
	if err == nil {
		err = validateReading(reading)
	}

	s.mu.Lock()
	s.inFlight = false
	released = true
	if s.gen != gen {
		var kick *poller.Scheduler
		if s.owed && s.running {
			kick = s.sched
		}
		s.owed = false
		s.mu.Unlock()
		s.logger.Debug("discarding result from stopped cycle")
		if kick != nil {
			kick.Kick()
		}
		return
	}
	s.owed = false
	outcome := metrics.OutcomeConnected
	state := metrics.StateConnected
	if err != nil {
		outcome = reasonOf(err)
		state = metrics.StateDegraded
		t, h := s.walker.next(s.latest.Reading)
		reading = Reading{
			Temperature: t,
			Humidity:    h,
			Timestamp:   time.Now(),
			SensorID:    s.sensorID,
			Origin:      OriginSynthetic,
		}
		s.latest.Status = Degraded(outcome)
	} else {
		reading.Origin = OriginRemote
		if reading.SensorID == "" {
			reading.SensorID = s.sensorID
		}
		s.latest.Status = Connected()
	}
	s.publishLocked(reading)
	snap = s.snapshotLocked()
	s.mu.Unlock()

	s.recorder.ObserveAttempt(s.name, outcome, took)
	s.recorder.SetState(s.name, state)
	s.recorder.SetReading(s.name, snap.Reading.Temperature, snap.Reading.Humidity)

	if err != nil {
		s.logger.Warn("fetch failed, publishing synthetic reading",
			"reason", outcome,
			"error", err.Error(),
			"latency_ms", took.Milliseconds(),
		)
	} else {
		s.logger.Debug("fetch completed",
			"temperature", reading.Temperature,
			"humidity", reading.Humidity,
			"latency_ms", took.Milliseconds(),
		)
	}

	s.notify(gen, snap)
}

// validateReading checks what a Fetcher returned. The HTTP fetcher already
// guarantees this; injected fetchers may not.
func validateReading(r Reading) error {
	for _, v := range []float64{r.Temperature, r.Humidity} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &FetchError{Kind: KindValidation, Err: fmt.Errorf("non-finite value %v", v)}
		}
	}
	if r.Timestamp.IsZero() {
		return &FetchError{Kind: KindValidation, Err: errors.New("missing timestamp")}
	}
	return nil
}

// publishLocked replaces the latest reading. A timestamp older than the
// previous one is raised to it so published timestamps never go backwards.
func (s *Source) publishLocked(r Reading) {
	prev := s.latest.Reading
	if !prev.IsZero() && r.Timestamp.Before(prev.Timestamp) {
		r.Timestamp = prev.Timestamp
	}
	s.latest.Reading = r
}

func (s *Source) snapshotLocked() Snapshot {
	snap := s.latest
	if time.Now().Before(s.pausedUntil) {
		snap.PausedUntil = s.pausedUntil
	}
	return snap
}

// Pause suspends new fetch attempts for d. A request already in flight is
// not cancelled and its result is still published. Polling resumes on its
// own once d has elapsed, starting with an immediate attempt.
//
// A d of zero or less clears any pause, like [Source.Resume]. Pausing a
// stopped source only affects the next Start.
func (s *Source) Pause(d time.Duration) {
	if d <= 0 {
		s.Resume()
		return
	}
	until := time.Now().Add(d)

	s.mu.Lock()
	s.pausedUntil = until
	sched := s.sched
	s.mu.Unlock()

	if sched != nil {
		sched.PauseUntil(until)
	}
	s.logger.Debug("source paused", "until", until)
}

// Resume clears any pause. A running source makes an attempt right away.
func (s *Source) Resume() {
	s.mu.Lock()
	s.pausedUntil = time.Time{}
	sched := s.sched
	s.mu.Unlock()

	if sched != nil {
		sched.Resume()
	}
}

// Stop ends polling and cancels any in-flight request. A request that
// completes anyway is ignored.
//
// The last reading is kept and the status returns to idle. Subscribers are
// told once. If a subscriber call is in progress, including the one Stop
// is called from, the idle snapshot is delivered when it returns, so no
// snapshot from the stopped cycle reaches a subscriber after the idle one.
// Stop is idempotent.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	gen := s.gen
	sched := s.sched
	s.sched = nil
	s.pausedUntil = time.Time{}
	s.latest.Status = Idle()
	snap := s.snapshotLocked()
	deferIdle := s.delivering > 0
	if deferIdle {
		s.idlePending = true
		s.idleGen = gen
	}
	s.mu.Unlock()

	sched.Stop()
	if s.defaultFetcher != nil {
		s.defaultFetcher.Close()
	}
	s.recorder.SetState(s.name, metrics.StateIdle)
	s.logger.Info("source stopped")

	if !deferIdle {
		s.notify(gen, snap)
	}
}

// Running reports whether the source has been started and not stopped.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Latest returns the most recent snapshot without triggering a fetch.
// Before the first attempt completes the reading is the zero value.
func (s *Source) Latest() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to receive every snapshot the source publishes:
// the switch to fetching, each new reading, and the switch to idle on Stop.
//
// fn runs synchronously on the publishing goroutine and may be called
// concurrently with itself when Override races a poll, so it should be
// quick and safe for concurrent use. A panic in fn is recovered and
// logged. The returned function removes the subscription; calling it more
// than once is harmless.
func (s *Source) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Override publishes a user-entered reading and pauses polling for hold, so
// the value stays on screen before the next fetch replaces it. A hold of
// zero or less uses [DefaultOverrideHold].
//
// Returns a *[ConfigError] if both values are nil or either is not finite.
func (s *Source) Override(v OverrideValues, hold time.Duration) (Snapshot, error) {
	if v.Temperature == nil && v.Humidity == nil {
		return Snapshot{}, configErr("override", "at least one of temperature or humidity is required")
	}
	for field, p := range map[string]*float64{"temperature": v.Temperature, "humidity": v.Humidity} {
		if p != nil && (math.IsNaN(*p) || math.IsInf(*p, 0)) {
			return Snapshot{}, configErr(field, "must be a finite number")
		}
	}
	if hold <= 0 {
		hold = DefaultOverrideHold
	}
	until := time.Now().Add(hold)

	s.mu.Lock()
	prev := s.latest.Reading
	r := Reading{
		Temperature: prev.Temperature,
		Humidity:    prev.Humidity,
		Timestamp:   time.Now(),
		SensorID:    prev.SensorID,
		Origin:      OriginOverride,
	}
	if r.SensorID == "" {
		r.SensorID = s.sensorID
	}
	if v.Temperature != nil {
		r.Temperature = *v.Temperature
	}
	if v.Humidity != nil {
		r.Humidity = *v.Humidity
	}
	s.publishLocked(r)
	s.pausedUntil = until
	sched := s.sched
	gen := s.gen
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if sched != nil {
		sched.PauseUntil(until)
	}
	s.recorder.SetReading(s.name, snap.Reading.Temperature, snap.Reading.Humidity)
	s.logger.Info("reading overridden",
		"temperature", snap.Reading.Temperature,
		"humidity", snap.Reading.Humidity,
		"hold", hold.String(),
	)

	s.notify(gen, snap)
	return snap, nil
}

// notify delivers snap to every subscriber, stopping early if the
// generation moves on (the source was stopped or restarted meanwhile).
func (s *Source) notify(gen uint64, snap Snapshot) {
	s.subMu.RLock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		if !s.beginDelivery(gen) {
			return
		}
		s.invokeSafe(fn, snap)
		if idle, idleGen, ok := s.endDelivery(); ok {
			s.notify(idleGen, idle)
		}
	}
}

// beginDelivery checks the generation and counts the delivery under one
// lock, so Stop either sees it in progress or this call sees Stop.
func (s *Source) beginDelivery(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.delivering++
	return true
}

// endDelivery returns the idle snapshot Stop deferred, once the last
// delivery in progress has finished and the source is still stopped.
func (s *Source) endDelivery() (Snapshot, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivering--
	if s.delivering > 0 || !s.idlePending {
		return Snapshot{}, 0, false
	}
	s.idlePending = false
	if s.gen != s.idleGen {
		return Snapshot{}, 0, false
	}
	return s.snapshotLocked(), s.idleGen, true
}

// invokeSafe calls a subscriber with panic recovery. Panics are logged with
// a correlation id but do not propagate.
func (s *Source) invokeSafe(fn func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked",
				"correlation_id", uuid.NewString(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(snap)
}
