// Package poller provides the fetch cycle behind a climapulse source.
//
// The main components are:
//
//   - [Client]: HTTP client wrapper with per-request timeout and size limits
//   - [Scheduler]: runs one job immediately and then on a fixed interval,
//     with an in-flight guard and a timed pause
//   - [Decode]: turns a sensor endpoint body into a validated [Sample]
//
// Users of the climapulse library should not need to interact with this
// package directly.
package poller
