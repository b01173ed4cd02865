package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jpalmerr/climapulse/internal/store"
)

const (
	// streamWriteTimeout bounds a single SSE or WebSocket write so a slow or
	// vanished client cannot pin its handler. Must be <= shutdown timeout.
	streamWriteTimeout = 5 * time.Second

	// shutdownTimeout is how long in-flight requests get on shutdown.
	shutdownTimeout = 5 * time.Second

	// wsPingPeriod keeps idle WebSocket connections alive through proxies.
	wsPingPeriod = 30 * time.Second

	// maxOverrideBody caps the override request body.
	maxOverrideBody = 64 << 10

	defaultTitle     = "ClimaPulse"
	titlePlaceholder = "{{.Title}}"
)

// ErrUnknownSource is returned by an [OverrideFunc] for a name that has no
// source. The handler answers 404.
var ErrUnknownSource = errors.New("unknown source")

// OverrideRequest is the decoded body of POST /api/readings/{name}/override.
type OverrideRequest struct {
	Temperature *float64
	Humidity    *float64
	Hold        time.Duration
}

// OverrideFunc applies an override to the named source and returns its new
// snapshot. Errors other than [ErrUnknownSource] are reported as 400.
type OverrideFunc func(name string, req OverrideRequest) (store.ReadingResult, error)

// Option configures optional server features.
type Option func(*Server)

// WithOverride enables the override endpoint.
func WithOverride(fn OverrideFunc) Option {
	return func(s *Server) {
		s.override = fn
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// Server handles HTTP requests for the board dashboard and API.
//
// Routes:
//   - GET /: embedded dashboard
//   - GET /api/readings: all snapshots as JSON
//   - GET /api/readings/{name}: one snapshot
//   - POST /api/readings/{name}/override: publish a user-entered reading
//   - GET /api/sse: Server-Sent Events stream
//   - GET /api/ws: WebSocket stream
//   - GET /api/health: liveness
//   - GET /metrics: Prometheus exposition, when configured
//
// The server shuts down gracefully when its context is cancelled.
type Server struct {
	store      store.Store
	port       int
	httpServer *http.Server
	assets     fs.FS
	title      string
	logger     *slog.Logger
	override   OverrideFunc
	metrics    http.Handler
	upgrader   websocket.Upgrader
}

// NewServer creates a new HTTP [Server].
//
// Parameters:
//   - st: Store holding the latest snapshots
//   - port: TCP port to listen on (0 picks a free port)
//   - assets: Embedded filesystem containing dashboard assets (may be nil)
//   - title: Dashboard title (defaults to "ClimaPulse" if empty)
//   - logger: Logger for server events
//
// The server is not started until [Server.Start] is called.
func NewServer(st store.Store, port int, assets fs.FS, title string, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		store:  st,
		port:   port,
		assets: assets,
		title:  title,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the mobile screens connect from arbitrary origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the route table. Start serves it; tests use it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/readings", s.handleReadings)
	mux.HandleFunc("GET /api/readings/{name}", s.handleReading)
	mux.HandleFunc("POST /api/readings/{name}/override", s.handleOverride)
	mux.HandleFunc("GET /api/sse", s.handleSSE)
	mux.HandleFunc("GET /api/ws", s.handleWS)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.assets != nil {
		mux.HandleFunc("GET /", s.handleDashboard)
	}

	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns once the listener is bound. When ctx is
// cancelled the server shuts down with a 5-second grace period.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// bind synchronously so a busy port is reported to the caller
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts derive from ctx so stream handlers exit on shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// handleDashboard serves the main dashboard page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if s.assets == nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	content, err := fs.ReadFile(s.assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	title := s.title
	if title == "" {
		title = defaultTitle
	}
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, html.EscapeString(title))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write dashboard response", "error", err)
	}
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.GetAll())
}

func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	result, ok := s.store.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no source named %q", name))
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// overrideBody is the wire form of an override; hold is a Go duration
// string such as "10s".
type overrideBody struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Hold        string   `json:"hold"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if s.override == nil {
		s.writeError(w, http.StatusNotImplemented, "overrides are not enabled")
		return
	}

	var body overrideBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOverrideBody))
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	req := OverrideRequest{Temperature: body.Temperature, Humidity: body.Humidity}
	if body.Hold != "" {
		d, err := time.ParseDuration(body.Hold)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid hold %q: %v", body.Hold, err))
			return
		}
		req.Hold = d
	}

	name := r.PathValue("name")
	result, err := s.override(name, req)
	switch {
	case errors.Is(err, ErrUnknownSource):
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no source named %q", name))
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("override applied", "source", name)
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleSSE streams reading updates via Server-Sent Events.
//
// Every write carries a deadline so a slow or disconnected client cannot
// block the handler past shutdown.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)
	deadlinesSupported := true

	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch := s.store.Subscribe()
	defer s.store.Unsubscribe(ch)

	for _, result := range s.store.GetAll() {
		data, err := json.Marshal(result)
		if err != nil {
			continue
		}
		if err := writeAndFlush(data); err != nil {
			return
		}
	}

	for {
		select {
		case result, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(result)
			if err != nil {
				continue
			}
			if err := writeAndFlush(data); err != nil {
				return
			}

		case <-r.Context().Done():
			// fires on client disconnect and, via BaseContext, on shutdown
			return
		}
	}
}

// handleWS streams reading updates over a WebSocket: first every current
// snapshot, then each update as a JSON text message. Messages from the
// client are read and discarded so close frames are noticed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.store.Subscribe()
	defer s.store.Unsubscribe(ch)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(v)
	}

	for _, result := range s.store.GetAll() {
		if err := write(result); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case result, ok := <-ch:
			if !ok {
				return
			}
			if err := write(result); err != nil {
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}

		case <-closed:
			return

		case <-r.Context().Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}
