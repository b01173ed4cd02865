package climapulse

import "time"

// State is the lifecycle state of a [Source].
//
// State is a string type so it serialises to readable JSON and logs.
type State string

const (
	// StateIdle indicates the source is not running.
	StateIdle State = "idle"

	// StateFetching indicates a request is outstanding. It is set exactly
	// while a request is in flight.
	StateFetching State = "fetching"

	// StateConnected indicates the latest reading came from the endpoint.
	StateConnected State = "connected"

	// StateDegraded indicates the latest attempt failed and the published
	// reading is synthetic. [Status.Reason] says why.
	StateDegraded State = "degraded"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Degraded reasons. HTTP status failures use "http_<code>", see [FetchError].
const (
	ReasonNetwork    = "network"
	ReasonTimeout    = "timeout"
	ReasonValidation = "validation"
	ReasonMalformed  = "malformed"
	ReasonNoData     = "no_data"
)

// Status is a source's state plus, when degraded, the reason.
type Status struct {
	State  State
	Reason string
}

// String renders the status as "degraded(http_500)" or just the state.
func (s Status) String() string {
	if s.State == StateDegraded && s.Reason != "" {
		return string(s.State) + "(" + s.Reason + ")"
	}
	return string(s.State)
}

// Idle returns the idle status.
func Idle() Status { return Status{State: StateIdle} }

// Fetching returns the fetching status.
func Fetching() Status { return Status{State: StateFetching} }

// Connected returns the connected status.
func Connected() Status { return Status{State: StateConnected} }

// Degraded returns a degraded status with the given reason.
func Degraded(reason string) Status { return Status{State: StateDegraded, Reason: reason} }

// Snapshot is what [Source.Latest] returns and what subscribers receive:
// the latest reading together with the status at the time of publication.
type Snapshot struct {
	// Name is the source name set with [WithName].
	Name string

	// Reading is the latest published reading. It is the zero value until
	// the first attempt completes.
	Reading Reading

	// Status is the source status.
	Status Status

	// PausedUntil is the end of the current pause, or the zero time.
	PausedUntil time.Time
}

// Paused reports whether the snapshot was taken during a pause.
func (s Snapshot) Paused() bool {
	return !s.PausedUntil.IsZero() && time.Now().Before(s.PausedUntil)
}
