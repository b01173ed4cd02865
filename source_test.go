package climapulse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func newTestSource(t *testing.T, opts ...Option) *Source {
	t.Helper()
	base := []Option{WithLogger(discardLogger()), WithRand(rand.New(rand.NewSource(1)))}
	src, err := NewSource(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	t.Cleanup(src.Stop)
	return src
}

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func state(src *Source) State {
	return src.Latest().Status.State
}

func settled(src *Source) bool {
	s := state(src)
	return s == StateConnected || s == StateDegraded
}

// gatedFetcher blocks every call until release is closed, ignoring ctx, and
// counts calls.
type gatedFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	reading Reading
}

func newGatedFetcher(r Reading) *gatedFetcher {
	return &gatedFetcher{release: make(chan struct{}), reading: r}
}

func (g *gatedFetcher) Fetch(ctx context.Context, endpoint string) (Reading, error) {
	g.calls.Add(1)
	<-g.release
	return g.reading, nil
}

func remoteReading(temp, hum float64) Reading {
	return Reading{Temperature: temp, Humidity: hum, Timestamp: time.Now()}
}

func TestSource_ConnectedRoundTrip(t *testing.T) {
	ts := jsonServer(t, http.StatusOK,
		`{"success":true,"data":{"temperature":22.3,"humidity":55,"timestamp":"2024-05-01T12:00:00Z"}}`)
	src := newTestSource(t)

	if err := src.Start(time.Hour, ts.URL); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return settled(src) })

	snap := src.Latest()
	if snap.Status != Connected() {
		t.Fatalf("Status = %v, want connected", snap.Status)
	}
	if snap.Reading.Temperature != 22.3 || snap.Reading.Humidity != 55 {
		t.Errorf("Reading = %.1f/%.1f, want 22.3/55", snap.Reading.Temperature, snap.Reading.Humidity)
	}
	if snap.Reading.Origin != OriginRemote {
		t.Errorf("Origin = %q, want %q", snap.Reading.Origin, OriginRemote)
	}
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if !snap.Reading.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", snap.Reading.Timestamp, want)
	}
	if snap.Name != DefaultName {
		t.Errorf("Name = %q, want %q", snap.Name, DefaultName)
	}
}

func TestSource_SensorListSelectsByID(t *testing.T) {
	ts := jsonServer(t, http.StatusOK, `{"sensors":[
		{"id":"T-001","temperature":24.8,"humidity":58,"updatedAt":"2024-05-01T12:00:00.123Z"},
		{"id":"T-002","temperature":26.1,"humidity":62,"updatedAt":"2024-05-01T12:00:00.123Z"}]}`)
	src := newTestSource(t, WithSensorID("T-002"))

	if err := src.Start(time.Hour, ts.URL); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return settled(src) })

	r := src.Latest().Reading
	if r.SensorID != "T-002" || r.Temperature != 26.1 || r.Humidity != 62 {
		t.Errorf("Reading = %+v, want T-002 26.1/62", r)
	}
}

func TestSource_DegradedReasons(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, "http_500"},
		{"not found", http.StatusNotFound, ``, "http_404"},
		{"malformed json", http.StatusOK, `{"success":tru`, ReasonMalformed},
		{"unsuccessful envelope", http.StatusOK, `{"success":false,"message":"sensor offline"}`, ReasonValidation},
		{"non-numeric temperature", http.StatusOK, `{"temperature":"hot","humidity":50,"timestamp":"2024-05-01T12:00:00Z"}`, ReasonValidation},
		{"missing timestamp", http.StatusOK, `{"temperature":21,"humidity":50}`, ReasonValidation},
		{"empty sensor list", http.StatusOK, `{"sensors":[]}`, ReasonNoData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := jsonServer(t, tt.status, tt.body)
			src := newTestSource(t)

			if err := src.Start(time.Hour, ts.URL); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			waitFor(t, 2*time.Second, func() bool { return settled(src) })

			snap := src.Latest()
			if snap.Status != Degraded(tt.reason) {
				t.Fatalf("Status = %v, want degraded(%s)", snap.Status, tt.reason)
			}
			r := snap.Reading
			if r.Origin != OriginSynthetic {
				t.Errorf("Origin = %q, want synthetic", r.Origin)
			}
			if r.Temperature < 20 || r.Temperature > 30 {
				t.Errorf("Temperature = %v, want within [20, 30]", r.Temperature)
			}
			if r.Humidity < 40 || r.Humidity > 70 {
				t.Errorf("Humidity = %v, want within [40, 70]", r.Humidity)
			}
			if time.Since(r.Timestamp) > 5*time.Second {
				t.Errorf("synthetic Timestamp = %v, want local now", r.Timestamp)
			}
		})
	}
}

func TestSource_NetworkFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	src := newTestSource(t)
	if err := src.Start(time.Hour, url); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return settled(src) })

	if got := src.Latest().Status; got != Degraded(ReasonNetwork) {
		t.Errorf("Status = %v, want degraded(network)", got)
	}
}

func TestSource_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	src := newTestSource(t, WithTimeout(50*time.Millisecond))
	if err := src.Start(time.Hour, ts.URL); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return settled(src) })

	if got := src.Latest().Status; got != Degraded(ReasonTimeout) {
		t.Errorf("Status = %v, want degraded(timeout)", got)
	}
}

func TestSource_FallbackWalksFromLastReading(t *testing.T) {
	var fail atomic.Bool
	fetcher := FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		if fail.Load() {
			return Reading{}, &FetchError{Kind: KindNetwork, Err: errors.New("unreachable")}
		}
		return remoteReading(22.3, 55), nil
	})
	src := newTestSource(t, WithFetcher(fetcher))

	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return state(src) == StateConnected })

	fail.Store(true)
	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return state(src) == StateDegraded })

	r := src.Latest().Reading
	if math.Abs(r.Temperature-22.3) > 1.05 {
		t.Errorf("Temperature = %v, want within 1 of 22.3", r.Temperature)
	}
	if math.Abs(r.Humidity-55) > 3.05 {
		t.Errorf("Humidity = %v, want within 3 of 55", r.Humidity)
	}
}

func TestSource_AtMostOneInFlight(t *testing.T) {
	g := newGatedFetcher(remoteReading(21, 50))
	src := newTestSource(t, WithFetcher(g), WithTimeout(5*time.Millisecond))

	if err := src.Start(10*time.Millisecond, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return g.calls.Load() == 1 })

	// many ticks elapse while the first request is held open
	time.Sleep(150 * time.Millisecond)
	if got := g.calls.Load(); got != 1 {
		t.Fatalf("calls = %d while request in flight, want 1", got)
	}
	if got := state(src); got != StateFetching {
		t.Errorf("State = %v, want fetching", got)
	}

	close(g.release)
	waitFor(t, time.Second, func() bool { return g.calls.Load() >= 2 })
}

func TestSource_PauseSuppressesAttempts(t *testing.T) {
	var calls atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		calls.Add(1)
		return remoteReading(21, 50), nil
	})
	src := newTestSource(t, WithFetcher(fetcher), WithTimeout(10*time.Millisecond))

	if err := src.Start(20*time.Millisecond, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return state(src) == StateConnected })

	src.Pause(300 * time.Millisecond)
	if !src.Latest().Paused() {
		t.Error("Latest().Paused() = false after Pause")
	}
	// let any attempt dispatched just before the pause finish
	time.Sleep(30 * time.Millisecond)
	before := calls.Load()
	reading := src.Latest().Reading

	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != before {
		t.Errorf("calls went from %d to %d during pause", before, got)
	}
	if got := src.Latest().Reading; got != reading {
		t.Errorf("reading changed during pause: %+v -> %+v", reading, got)
	}

	waitFor(t, 2*time.Second, func() bool { return calls.Load() > before })
}

func TestSource_PauseMidFlightStillPublishes(t *testing.T) {
	g := newGatedFetcher(remoteReading(23, 48))
	src := newTestSource(t, WithFetcher(g))

	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return g.calls.Load() == 1 })

	src.Pause(time.Minute)
	close(g.release)

	waitFor(t, time.Second, func() bool { return state(src) == StateConnected })
	if got := src.Latest().Reading.Temperature; got != 23 {
		t.Errorf("Temperature = %v, want 23", got)
	}
}

func TestSource_ResumeAttemptsImmediately(t *testing.T) {
	var calls atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		calls.Add(1)
		return remoteReading(21, 50), nil
	})
	src := newTestSource(t, WithFetcher(fetcher))

	src.Pause(time.Hour)
	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("calls = %d while paused from the start, want 0", got)
	}

	src.Resume()
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })
}

func TestSource_StopDiscardsInFlightResult(t *testing.T) {
	g := newGatedFetcher(remoteReading(29, 69))
	src := newTestSource(t, WithFetcher(g))

	var mu sync.Mutex
	var seen []Snapshot
	src.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return g.calls.Load() == 1 })

	src.Stop()
	close(g.release)
	time.Sleep(50 * time.Millisecond)

	snap := src.Latest()
	if snap.Status != Idle() {
		t.Errorf("Status = %v, want idle", snap.Status)
	}
	if !snap.Reading.IsZero() {
		t.Errorf("Reading = %+v, want none published after Stop", snap.Reading)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		if s.Status.State == StateConnected {
			t.Errorf("subscriber saw %v after Stop", s.Status)
		}
	}
	if last := seen[len(seen)-1]; last.Status != Idle() {
		t.Errorf("last notification = %v, want idle", last.Status)
	}
}

func TestSource_StopIsIdempotent(t *testing.T) {
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		return remoteReading(21, 50), nil
	})))

	src.Stop()
	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	src.Stop()
	src.Stop()

	if src.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestSource_StopKeepsLastReading(t *testing.T) {
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		return remoteReading(24, 51), nil
	})))

	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return state(src) == StateConnected })
	src.Stop()

	snap := src.Latest()
	if snap.Status != Idle() || snap.Reading.Temperature != 24 {
		t.Errorf("Latest() = %v %.1f, want idle 24.0", snap.Status, snap.Reading.Temperature)
	}
}

func TestSource_RestartDiscardsOldCycle(t *testing.T) {
	g := newGatedFetcher(remoteReading(11, 11))
	var second atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		if endpoint == "mem://old" {
			return g.Fetch(ctx, endpoint)
		}
		second.Add(1)
		return remoteReading(25, 60), nil
	})
	src := newTestSource(t, WithFetcher(fetcher))

	if err := src.Start(time.Hour, "mem://old"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return g.calls.Load() == 1 })

	if err := src.Start(time.Hour, "mem://new"); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	// the old request ignores cancellation, so the new cycle waits for it
	time.Sleep(50 * time.Millisecond)
	if got := second.Load(); got != 0 {
		t.Fatalf("new cycle fetched %d times while old request outstanding, want 0", got)
	}

	// once it resolves the new cycle polls without waiting an interval
	close(g.release)
	waitFor(t, time.Second, func() bool { return state(src) == StateConnected })
	if got := src.Latest().Reading.Temperature; got != 25 {
		t.Errorf("Temperature = %v, want 25 from the new cycle", got)
	}
	if got := second.Load(); got != 1 {
		t.Errorf("new cycle fetched %d times, want 1", got)
	}
}

func TestSource_RestartNeverOverlapsRequests(t *testing.T) {
	var active, peak, calls atomic.Int32
	release := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		calls.Add(1)
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		return remoteReading(21, 50), nil
	})
	src := newTestSource(t, WithFetcher(fetcher))

	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })

	for i := 0; i < 3; i++ {
		if err := src.Start(time.Hour, "mem://sensor"); err != nil {
			t.Fatalf("restart %d error = %v", i, err)
		}
	}
	src.Stop()
	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	close(release)
	waitFor(t, time.Second, func() bool { return state(src) == StateConnected })
	if got := peak.Load(); got != 1 {
		t.Errorf("peak outstanding requests = %d, want 1", got)
	}
}

func TestSource_SubscriberPanicIsContained(t *testing.T) {
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		return remoteReading(21, 50), nil
	})), WithTimeout(10*time.Millisecond))

	src.Subscribe(func(Snapshot) { panic("subscriber bug") })
	var got atomic.Int32
	src.Subscribe(func(s Snapshot) {
		if s.Status.State == StateConnected {
			got.Add(1)
		}
	})

	if err := src.Start(20*time.Millisecond, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// several cycles complete despite the panicking subscriber
	waitFor(t, 2*time.Second, func() bool { return got.Load() >= 3 })
}

func TestSource_FetcherPanicReleasesGuard(t *testing.T) {
	var calls atomic.Int32
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		if calls.Add(1) == 1 {
			panic("fetcher bug")
		}
		return remoteReading(22, 52), nil
	})), WithTimeout(10*time.Millisecond))

	if err := src.Start(20*time.Millisecond, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return state(src) == StateConnected })
}

// stateRecorder collects the states a subscriber sees.
type stateRecorder struct {
	mu   sync.Mutex
	seen []State
}

func (r *stateRecorder) add(s State) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

func (r *stateRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.seen...)
}

func (r *stateRecorder) last() State {
	st := r.states()
	if len(st) == 0 {
		return ""
	}
	return st[len(st)-1]
}

func assertStates(t *testing.T, got []State, want ...State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestSource_StopIdleFollowsDeliveryInProgress(t *testing.T) {
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		return remoteReading(21, 50), nil
	})))

	rec := &stateRecorder{}
	entered := make(chan struct{})
	unblock := make(chan struct{})
	src.Subscribe(func(s Snapshot) {
		rec.add(s.Status.State)
		if s.Status.State == StateConnected {
			close(entered)
			<-unblock
		}
	})

	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("subscriber never received connected snapshot")
	}

	src.Stop()
	if got := rec.last(); got != StateConnected {
		t.Fatalf("last state = %v while connected delivery still running, want connected", got)
	}

	close(unblock)
	waitFor(t, time.Second, func() bool { return rec.last() == StateIdle })
	assertStates(t, rec.states(), StateFetching, StateConnected, StateIdle)
}

func TestSource_StopFromSubscriber(t *testing.T) {
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		return remoteReading(21, 50), nil
	})))

	rec := &stateRecorder{}
	src.Subscribe(func(s Snapshot) {
		rec.add(s.Status.State)
		if s.Status.State == StateConnected {
			src.Stop()
		}
	})

	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return rec.last() == StateIdle })
	assertStates(t, rec.states(), StateFetching, StateConnected, StateIdle)
	if src.Running() {
		t.Error("Running() = true after Stop from subscriber")
	}
}

func TestSource_NotificationSequence(t *testing.T) {
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		return remoteReading(21, 50), nil
	})))

	var mu sync.Mutex
	var states []State
	src.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.Status.State)
		mu.Unlock()
	})

	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	})
	src.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateFetching, StateConnected, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestSource_Unsubscribe(t *testing.T) {
	var calls atomic.Int32
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		return remoteReading(21, 50), nil
	})))

	unsubscribe := src.Subscribe(func(Snapshot) { calls.Add(1) })
	unsubscribe()
	unsubscribe()

	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return state(src) == StateConnected })

	if got := calls.Load(); got != 0 {
		t.Errorf("unsubscribed callback called %d times", got)
	}
}

func TestSource_LatestDoesNotFetch(t *testing.T) {
	var calls atomic.Int32
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		calls.Add(1)
		return remoteReading(21, 50), nil
	})))

	for i := 0; i < 5; i++ {
		snap := src.Latest()
		if !snap.Reading.IsZero() || snap.Status != Idle() {
			t.Fatalf("Latest() before Start = %+v", snap)
		}
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("calls = %d, want 0", got)
	}
}

func TestSource_TimestampsNeverDecrease(t *testing.T) {
	base := time.Now().Add(time.Hour)
	var n atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		// first a reading from the future, then one from the past
		if n.Add(1) == 1 {
			return Reading{Temperature: 21, Humidity: 50, Timestamp: base}, nil
		}
		return Reading{Temperature: 22, Humidity: 51, Timestamp: base.Add(-2 * time.Hour)}, nil
	})
	src := newTestSource(t, WithFetcher(fetcher), WithTimeout(10*time.Millisecond))

	var mu sync.Mutex
	var stamps []time.Time
	src.Subscribe(func(s Snapshot) {
		if s.Status.State != StateConnected {
			return
		}
		mu.Lock()
		stamps = append(stamps, s.Reading.Timestamp)
		mu.Unlock()
	})

	if err := src.Start(20*time.Millisecond, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stamps) >= 3
	})
	src.Stop()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(stamps); i++ {
		if stamps[i].Before(stamps[i-1]) {
			t.Errorf("timestamp %d (%v) before %d (%v)", i, stamps[i], i-1, stamps[i-1])
		}
	}
}

func TestSource_InjectedFetcherValidation(t *testing.T) {
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		return Reading{Temperature: math.NaN(), Humidity: 50, Timestamp: time.Now()}, nil
	})))

	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return settled(src) })

	if got := src.Latest().Status; got != Degraded(ReasonValidation) {
		t.Errorf("Status = %v, want degraded(validation)", got)
	}
}

func TestSource_PlainErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"plain error", errors.New("socket closed"), ReasonNetwork},
		{"deadline", context.DeadlineExceeded, ReasonTimeout},
		{"typed", &FetchError{Kind: KindHTTPStatus, StatusCode: 503}, "http_503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
				return Reading{}, tt.err
			})))
			if err := src.Start(time.Hour, "mem://sensor"); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			waitFor(t, time.Second, func() bool { return settled(src) })

			if got := src.Latest().Status; got != Degraded(tt.reason) {
				t.Errorf("Status = %v, want degraded(%s)", got, tt.reason)
			}
		})
	}
}

func TestSource_StartConfigErrors(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		interval time.Duration
		endpoint string
		field    string
	}{
		{"zero interval", nil, 0, "http://localhost", "interval"},
		{"negative interval", nil, -time.Second, "http://localhost", "interval"},
		{"empty endpoint", nil, time.Minute, "", "endpoint"},
		{"unsupported scheme", nil, time.Minute, "ftp://localhost/data", "endpoint"},
		{"missing host", nil, time.Minute, "http://", "endpoint"},
		{"timeout exceeds interval", []Option{WithTimeout(10 * time.Second)}, 5 * time.Second, "http://localhost", "timeout"},
		{"timeout equals interval", []Option{WithTimeout(100 * time.Millisecond)}, 100 * time.Millisecond, "http://localhost", "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newTestSource(t, tt.opts...)
			err := src.Start(tt.interval, tt.endpoint)

			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Start() error = %v, want *ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
			if src.Running() {
				t.Error("source running after rejected Start")
			}
		})
	}
}

func TestSource_DefaultTimeoutCappedAtInterval(t *testing.T) {
	// the default timeout is longer than this interval; Start shortens it
	// below the interval instead of rejecting the call
	const interval = 50 * time.Millisecond
	remaining := make(chan time.Duration, 1)
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, _ string) (Reading, error) {
		if dl, ok := ctx.Deadline(); ok {
			select {
			case remaining <- time.Until(dl):
			default:
			}
		}
		<-ctx.Done()
		return Reading{}, ctx.Err()
	})))

	if err := src.Start(interval, "http://localhost"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return state(src) == StateDegraded })

	if got := src.Latest().Status.Reason; got != "timeout" {
		t.Errorf("Reason = %q, want timeout", got)
	}
	select {
	case got := <-remaining:
		if got >= interval {
			t.Errorf("request deadline = %v, want shorter than interval %v", got, interval)
		}
	default:
		t.Fatal("fetch context had no deadline")
	}
}

func TestCappedTimeout(t *testing.T) {
	tests := []struct {
		interval time.Duration
		want     time.Duration
	}{
		{5 * time.Second, 4 * time.Second},
		{50 * time.Millisecond, 40 * time.Millisecond},
		{3 * time.Nanosecond, time.Nanosecond},
	}

	for _, tt := range tests {
		if got := cappedTimeout(tt.interval); got != tt.want {
			t.Errorf("cappedTimeout(%v) = %v, want %v", tt.interval, got, tt.want)
		}
	}
}

func TestNewSource_OptionErrors(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"empty name", WithName("  ")},
		{"zero timeout", WithTimeout(0)},
		{"odd headers", WithHeaders("X-Api-Key")},
		{"nil fetcher", WithFetcher(nil)},
		{"nil logger", WithLogger(nil)},
		{"nil rand", WithRand(nil)},
		{"inverted fallback", WithFallback(Fallback{
			Temperature: Envelope{Min: 30, Max: 20, Step: 1},
			Humidity:    Envelope{Min: 40, Max: 70, Step: 3},
		})},
		{"negative step", WithFallback(Fallback{
			Temperature: Envelope{Min: 20, Max: 30, Step: 1},
			Humidity:    Envelope{Min: 40, Max: 70, Step: -1},
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSource(tt.opt)
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("NewSource() error = %v, want *ConfigError", err)
			}
		})
	}
}

func TestSource_Override(t *testing.T) {
	var calls atomic.Int32
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		calls.Add(1)
		return remoteReading(21, 50), nil
	})), WithSensorID("T-001"))

	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return state(src) == StateConnected })

	temp := 27.5
	snap, err := src.Override(OverrideValues{Temperature: &temp}, time.Minute)
	if err != nil {
		t.Fatalf("Override() error = %v", err)
	}

	r := snap.Reading
	if r.Temperature != 27.5 || r.Humidity != 50 {
		t.Errorf("Reading = %.1f/%.1f, want 27.5/50.0", r.Temperature, r.Humidity)
	}
	if r.Origin != OriginOverride {
		t.Errorf("Origin = %q, want override", r.Origin)
	}
	if r.SensorID != "T-001" {
		t.Errorf("SensorID = %q, want T-001", r.SensorID)
	}
	if !snap.Paused() {
		t.Error("override snapshot not paused")
	}
	if got := src.Latest().Reading; got != r {
		t.Errorf("Latest() = %+v, want override %+v", got, r)
	}

	// the held value survives an explicit tick-free wait
	time.Sleep(50 * time.Millisecond)
	if got := src.Latest().Reading.Origin; got != OriginOverride {
		t.Errorf("Origin after hold = %q, want override", got)
	}
}

func TestSource_OverrideExpiryRefetches(t *testing.T) {
	var calls atomic.Int32
	src := newTestSource(t, WithFetcher(FetcherFunc(func(ctx context.Context, endpoint string) (Reading, error) {
		calls.Add(1)
		return remoteReading(21, 50), nil
	})))

	if err := src.Start(time.Hour, "mem://sensor"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return state(src) == StateConnected })

	hum := 80.0
	if _, err := src.Override(OverrideValues{Humidity: &hum}, 100*time.Millisecond); err != nil {
		t.Fatalf("Override() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return calls.Load() == 2 && src.Latest().Reading.Origin == OriginRemote
	})
}

func TestSource_OverrideErrors(t *testing.T) {
	src := newTestSource(t)
	nan := math.NaN()
	inf := math.Inf(1)

	tests := []struct {
		name string
		v    OverrideValues
	}{
		{"no values", OverrideValues{}},
		{"nan temperature", OverrideValues{Temperature: &nan}},
		{"infinite humidity", OverrideValues{Humidity: &inf}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := src.Override(tt.v, 0)
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("Override() error = %v, want *ConfigError", err)
			}
		})
	}
}
