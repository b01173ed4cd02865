// Package store holds the latest snapshot of every source on a board and
// fans updates out to stream subscribers.
//
// The main components are:
//
//   - [Store]: interface for storage and subscription
//   - [MemoryStore]: in-memory implementation with pub/sub
//   - [ReadingResult]: JSON representation of a source snapshot
//
// Subscribers receive updates on buffered channels with non-blocking sends:
// a slow stream client misses updates rather than stalling the sources.
package store
