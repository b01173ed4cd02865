// Package server provides the HTTP API and dashboard for a climapulse board.
//
// It serves the latest snapshot of every source as JSON, streams updates
// over Server-Sent Events and WebSocket, accepts reading overrides, and
// exposes Prometheus metrics. See [Server] for the route list.
//
// The server shuts down gracefully on context cancellation, with a
// 5-second timeout for in-flight requests.
package server
