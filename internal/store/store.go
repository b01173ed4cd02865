package store

import "time"

// ReadingResult is the latest published snapshot of one source.
//
// ReadingResult is the storage representation of a source snapshot, shaped
// for JSON (used by the REST API, SSE and WebSocket streams). It is
// decoupled from the climapulse package's types so the wire format can
// evolve independently.
type ReadingResult struct {
	// Name is the source name.
	Name string `json:"name"`

	// Endpoint is the URL the source polls.
	Endpoint string `json:"endpoint"`

	// SensorID identifies the sensor within a multi-sensor endpoint.
	SensorID string `json:"sensor_id,omitempty"`

	// Temperature in degrees Celsius.
	Temperature float64 `json:"temperature"`

	// Humidity is relative humidity in percent.
	Humidity float64 `json:"humidity"`

	// Timestamp is the reading's timestamp. Nil until the first reading.
	Timestamp *time.Time `json:"timestamp"`

	// Origin is "remote", "synthetic" or "override".
	Origin string `json:"origin,omitempty"`

	// State is "idle", "fetching", "connected" or "degraded".
	State string `json:"state"`

	// Reason explains a degraded state (e.g. "timeout", "http_500").
	Reason string `json:"reason,omitempty"`

	// PausedUntil is set while polling is paused.
	PausedUntil *time.Time `json:"paused_until,omitempty"`

	// UpdatedAt is when the store received this snapshot.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the interface for storing and subscribing to reading updates.
//
// Store implementations must be safe for concurrent access. The pub/sub
// mechanism allows real-time updates to be pushed to connected clients
// (Server-Sent Events and WebSocket).
type Store interface {
	// Update stores a new result and notifies all subscribers.
	// The result is keyed by Name, so subsequent updates replace previous values.
	Update(result ReadingResult)

	// Get returns the stored result for name.
	Get(name string) (ReadingResult, bool)

	// GetAll returns all currently stored results sorted by name.
	// The returned slice is a snapshot; modifications do not affect the store.
	GetAll() []ReadingResult

	// Subscribe returns a channel that receives updates.
	// The returned channel has a buffer; slow consumers may miss updates.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan ReadingResult

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan ReadingResult)
}
