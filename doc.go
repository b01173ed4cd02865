// Package climapulse polls temperature and humidity sensors over HTTP and
// keeps a plausible reading on screen even when they stop answering.
//
// A [Source] polls one endpoint on a fixed interval, with at most one
// request in flight. A failed attempt, whatever the cause, is absorbed: the
// source publishes a synthetic reading from a bounded random walk and a
// [StateDegraded] status that names the reason, so consumers never see an
// error from a poll. Sources can be paused, stopped, restarted, and
// overridden with user-entered values.
//
// # Quick Start
//
//	src, _ := climapulse.NewSource(climapulse.WithName("bodega-norte"))
//	unsubscribe := src.Subscribe(func(s climapulse.Snapshot) {
//	    fmt.Printf("%s %.1f°C %.0f%% (%s)\n", s.Name,
//	        s.Reading.Temperature, s.Reading.Humidity, s.Status)
//	})
//	defer unsubscribe()
//
//	src.Start(5*time.Second, "http://localhost:8081/api/sensor-data")
//	defer src.Stop()
//
// # Boards
//
// A [Board] runs several sources and serves them:
//
//	board, err := climapulse.NewBoard(
//	    climapulse.WithFeeds(feeds...),
//	    climapulse.WithPort(9090),
//	)
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	board.Start(ctx) // blocks until ctx is cancelled
//
// # Payloads
//
// Endpoints may answer with a single reading, either bare or wrapped in a
// {"success": true, "data": {...}} envelope, or with a {"sensors": [...]}
// list from which [WithSensorID] picks one entry. Anything else degrades the
// source with a reason such as "malformed" or "validation".
//
// # Architecture
//
//   - internal/poller: HTTP client, payload decoding, and the interval scheduler
//   - internal/store: in-memory latest-reading store with pub/sub
//   - internal/server: JSON API, SSE and WebSocket streams, dashboard
//   - internal/simulator: a sensor API for local development
//   - config: YAML configuration
//   - metrics: Prometheus instrumentation
//   - dashboard: embedded web UI assets
package climapulse
