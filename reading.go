package climapulse

import "time"

// Origin records where a [Reading] came from.
type Origin string

const (
	// OriginRemote marks a reading fetched and validated from the endpoint.
	OriginRemote Origin = "remote"

	// OriginSynthetic marks a reading produced by the fallback generator
	// because the last attempt failed.
	OriginSynthetic Origin = "synthetic"

	// OriginOverride marks a value entered by a user through [Source.Override].
	OriginOverride Origin = "override"
)

// Reading is one timestamped temperature/humidity sample.
//
// Reading is an immutable value: a source supersedes it with a new Reading
// rather than modifying it. Timestamps of successive readings published by
// one source never decrease.
type Reading struct {
	// Temperature in degrees Celsius.
	Temperature float64

	// Humidity is relative humidity in percent.
	Humidity float64

	// Timestamp is when the sample was taken: the server's timestamp for
	// remote readings, local time for synthetic and override readings.
	Timestamp time.Time

	// SensorID is the sensor identifier reported by the endpoint, if any.
	SensorID string

	// Origin says whether the reading is remote, synthetic, or an override.
	Origin Origin
}

// IsZero reports whether no reading has been published yet.
func (r Reading) IsZero() bool {
	return r.Timestamp.IsZero() && r.Origin == ""
}
