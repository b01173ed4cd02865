// Package simulator serves a fake sensor API for local development and
// tests.
//
// It exposes a single drifting reading at /api/sensor-data and a small
// table of fixed sensors at /api/sensors, in the payload shapes the
// climapulse fetcher understands.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

const (
	// DefaultUpdateInterval is how often Run moves the drifting reading.
	DefaultUpdateInterval = 2 * time.Second

	// DefaultRate and DefaultBurst limit manual updates per client IP.
	DefaultRate  = 5
	DefaultBurst = 10

	shutdownTimeout = 5 * time.Second
	visitorTTL      = 3 * time.Minute
)

// Reading is the drifting sample served at /api/sensor-data.
type Reading struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sensor is one entry of the /api/sensors table.
type Sensor struct {
	ID          string    `json:"id"`
	Location    string    `json:"location"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DefaultSensors returns the fixed sensor table.
func DefaultSensors() []Sensor {
	return []Sensor{
		{ID: "T-001", Location: "Sala de Bombas", Temperature: 24.8, Humidity: 58, Status: "OK"},
		{ID: "T-002", Location: "Bodega Norte", Temperature: 26.1, Humidity: 62, Status: "OK"},
	}
}

// Option configures a [Simulator].
type Option func(*Simulator)

// WithRate limits POST /api/sensor-data to r requests per second per
// client IP, with the given burst.
func WithRate(r rate.Limit, burst int) Option {
	return func(s *Simulator) {
		s.limiter = newIPLimiter(r, burst)
	}
}

// WithUpdateInterval sets how often [Simulator.Run] moves the reading.
func WithUpdateInterval(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRand sets the random source used for drift and jitter.
func WithRand(r *rand.Rand) Option {
	return func(s *Simulator) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSensors replaces the sensor table.
func WithSensors(sensors []Sensor) Option {
	return func(s *Simulator) {
		s.sensors = append([]Sensor(nil), sensors...)
	}
}

// Simulator owns the state of one fake sensor API. All methods are safe for
// concurrent use.
type Simulator struct {
	interval time.Duration
	logger   *slog.Logger
	limiter  *ipLimiter
	sensors  []Sensor

	mu      sync.Mutex
	rng     *rand.Rand
	reading Reading
}

// New creates a simulator starting at 23.5 °C and 45 % humidity.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		interval: DefaultUpdateInterval,
		logger:   slog.Default(),
		limiter:  newIPLimiter(DefaultRate, DefaultBurst),
		sensors:  DefaultSensors(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		reading:  Reading{Temperature: 23.5, Humidity: 45, Timestamp: time.Now()},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reading returns the current drifting reading.
func (s *Simulator) Reading() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

// Step moves the reading once: temperature by up to ±1 °C within 15–35,
// humidity by up to ±3 % within 20–80.
func (s *Simulator) Step() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	dt := (s.rng.Float64() - 0.5) * 2
	dh := (s.rng.Float64() - 0.5) * 6
	s.reading = Reading{
		Temperature: clamp(s.reading.Temperature+dt, 15, 35),
		Humidity:    clamp(s.reading.Humidity+dh, 20, 80),
		Timestamp:   time.Now(),
	}
	return s.reading
}

// Run steps the reading every update interval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := s.Step()
			s.limiter.prune(visitorTTL)
			s.logger.Debug("sensor data updated",
				"temperature", r.Temperature,
				"humidity", r.Humidity,
			)
		}
	}
}

// Handler returns the HTTP handler with all routes registered and CORS
// enabled for any origin.
func (s *Simulator) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/sensor-data", s.handleGetReading).Methods(http.MethodGet)
	r.Handle("/api/sensor-data", s.limiter.middleware(http.HandlerFunc(s.handleSetReading))).Methods(http.MethodPost)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/sensors", s.handleSensors).Methods(http.MethodGet)
	r.HandleFunc("/api/sensors/{id}", s.handleSensor).Methods(http.MethodGet)

	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(r)
}

// Serve listens on addr and serves the API while running the drift loop.
// It blocks until ctx is cancelled, then shuts down gracefully.
//
// Returns an error if addr cannot be bound.
func (s *Simulator) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("sensor simulator listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type readingResponse struct {
	Success bool    `json:"success"`
	Data    Reading `json:"data"`
	Message string  `json:"message"`
}

func (s *Simulator) handleGetReading(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, readingResponse{
		Success: true,
		Data:    s.Reading(),
		Message: "sensor data retrieved",
	})
}

// setBody accepts numbers or numeric strings for either field.
type setBody struct {
	Temperature json.RawMessage `json:"temperature"`
	Humidity    json.RawMessage `json:"humidity"`
}

func (s *Simulator) handleSetReading(w http.ResponseWriter, r *http.Request) {
	var body setBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	temp, err := parseValue(body.Temperature)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_number"})
		return
	}
	hum, err := parseValue(body.Humidity)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_number"})
		return
	}

	s.mu.Lock()
	if temp != nil {
		s.reading.Temperature = *temp
	}
	if hum != nil {
		s.reading.Humidity = *hum
	}
	s.reading.Timestamp = time.Now()
	reading := s.reading
	s.mu.Unlock()

	s.logger.Info("sensor data set manually", "temperature", reading.Temperature, "humidity", reading.Humidity)
	s.writeJSON(w, http.StatusOK, readingResponse{
		Success: true,
		Data:    reading,
		Message: "sensor data updated manually",
	})
}

func (s *Simulator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "OK", "message": "sensor API running"})
}

func (s *Simulator) handleSensors(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().UTC()
	out := make([]Sensor, len(s.sensors))
	for i, base := range s.sensors {
		out[i] = s.jittered(base, now)
	}
	s.writeJSON(w, http.StatusOK, map[string][]Sensor{"sensors": out})
}

func (s *Simulator) handleSensor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, base := range s.sensors {
		if base.ID == id {
			s.writeJSON(w, http.StatusOK, s.jittered(base, time.Now().UTC()))
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
}

// jittered returns base with temperature moved by up to ±0.7 °C and
// humidity by up to ±2 %, rounded to a whole percent within 0–100.
func (s *Simulator) jittered(base Sensor, now time.Time) Sensor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := base
	out.Temperature = s.jitter(base.Temperature, 0.7)
	out.Humidity = clamp(math.Round(s.jitter(base.Humidity, 2)), 0, 100)
	out.UpdatedAt = now
	return out
}

// jitter must be called with mu held.
func (s *Simulator) jitter(v, maxDelta float64) float64 {
	d := s.rng.Float64()*maxDelta*2 - maxDelta
	return math.Round((v+d)*10) / 10
}

func (s *Simulator) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

// parseValue reads a JSON number or numeric string. A missing or null
// field yields nil.
func parseValue(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, fmt.Errorf("not a number: %s", raw)
		}
		n = json.Number(strings.TrimSpace(str))
	}
	v, err := n.Float64()
	if err != nil {
		return nil, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("not finite: %s", raw)
	}
	return &v, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
