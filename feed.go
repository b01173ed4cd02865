package climapulse

import (
	"strings"
	"time"
)

// DefaultInterval is the poll interval used when a [Feed] leaves Interval
// unset. It matches the five-second refresh of the sensor screens.
const DefaultInterval = 5 * time.Second

// Feed describes one [Source] run by a [Board]: what to call it, where to
// poll, how often, and any further [Option] values.
//
// Example:
//
//	feed := climapulse.Feed{
//	    Name:     "bodega-norte",
//	    Endpoint: "http://localhost:8081/api/sensors",
//	    Interval: 5 * time.Second,
//	    Options:  []climapulse.Option{climapulse.WithSensorID("T-002")},
//	}
type Feed struct {
	Name     string
	Endpoint string
	Interval time.Duration
	Options  []Option
}

func (f Feed) interval() time.Duration {
	if f.Interval == 0 {
		return DefaultInterval
	}
	return f.Interval
}

func (f Feed) validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return configErr("feed name", "cannot be empty")
	}
	if f.Endpoint == "" {
		return configErr("feed endpoint", "%q: cannot be empty", f.Name)
	}
	if f.Interval < 0 {
		return configErr("feed interval", "%q: must be positive", f.Name)
	}
	return nil
}
