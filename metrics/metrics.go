// Package metrics exposes Prometheus instrumentation for climapulse sources.
//
// A [Recorder] is shared by every source on a board and labels each series
// with the source name. A nil *Recorder is valid and records nothing, so
// sources built without metrics need no special casing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "climapulse"

// OutcomeConnected labels a fetch attempt that produced a remote reading.
// Failed attempts are labelled with their degraded reason.
const OutcomeConnected = "connected"

// State gauge values.
const (
	StateIdle      = 0
	StateFetching  = 1
	StateConnected = 2
	StateDegraded  = 3
)

// Recorder holds the collectors for all sources.
type Recorder struct {
	attempts    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	skipped     *prometheus.CounterVec
	state       *prometheus.GaugeVec
	temperature *prometheus.GaugeVec
	humidity    *prometheus.GaugeVec
}

// NewRecorder creates the collectors and registers them with reg.
//
// If a collector is already registered (for instance two boards sharing the
// default registry) the existing one is reused.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		return nil, errors.New("metrics: registerer cannot be nil")
	}

	r := &Recorder{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Fetch attempts by source and outcome (connected or degraded reason).",
		}, []string{"source", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of fetch attempts by source.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Poll ticks dropped because the source was paused or a fetch was in flight.",
		}, []string{"source", "reason"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_state",
			Help:      "Source state (0 idle, 1 fetching, 2 connected, 3 degraded).",
		}, []string{"source"}),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reading_temperature_celsius",
			Help:      "Temperature of the latest published reading.",
		}, []string{"source"}),
		humidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reading_humidity_percent",
			Help:      "Relative humidity of the latest published reading.",
		}, []string{"source"}),
	}

	var err error
	if r.attempts, err = register(reg, r.attempts); err != nil {
		return nil, err
	}
	if r.duration, err = register(reg, r.duration); err != nil {
		return nil, err
	}
	if r.skipped, err = register(reg, r.skipped); err != nil {
		return nil, err
	}
	if r.state, err = register(reg, r.state); err != nil {
		return nil, err
	}
	if r.temperature, err = register(reg, r.temperature); err != nil {
		return nil, err
	}
	if r.humidity, err = register(reg, r.humidity); err != nil {
		return nil, err
	}

	return r, nil
}

// register registers c, returning the already-registered collector when an
// identical one exists.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ObserveAttempt records one completed fetch attempt.
func (r *Recorder) ObserveAttempt(source, outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(source, outcome).Inc()
	r.duration.WithLabelValues(source).Observe(took.Seconds())
}

// ObserveSkip records a dropped tick.
func (r *Recorder) ObserveSkip(source, reason string) {
	if r == nil {
		return
	}
	r.skipped.WithLabelValues(source, reason).Inc()
}

// SetState records the source's current state gauge value.
func (r *Recorder) SetState(source string, state int) {
	if r == nil {
		return
	}
	r.state.WithLabelValues(source).Set(float64(state))
}

// SetReading records the latest published values.
func (r *Recorder) SetReading(source string, temperature, humidity float64) {
	if r == nil {
		return
	}
	r.temperature.WithLabelValues(source).Set(temperature)
	r.humidity.WithLabelValues(source).Set(humidity)
}

// Handler returns an HTTP handler exposing the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
