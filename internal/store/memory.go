package store

import (
	"sort"
	"sync"
)

// subscriberBuffer is the channel capacity given to each subscriber.
const subscriberBuffer = 64

// MemoryStore is an in-memory implementation of [Store].
//
// Results are keyed by source name; a new result replaces the previous one.
// Subscribers receive updates on buffered channels. Sends are non-blocking:
// when a subscriber's buffer is full the update is dropped for that
// subscriber only.
type MemoryStore struct {
	mu       sync.RWMutex
	readings map[string]ReadingResult

	subMu       sync.RWMutex
	subscribers map[chan ReadingResult]struct{}
}

// NewMemoryStore creates an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		readings:    make(map[string]ReadingResult),
		subscribers: make(map[chan ReadingResult]struct{}),
	}
}

// Update stores result under its Name and notifies all subscribers.
func (m *MemoryStore) Update(result ReadingResult) {
	m.mu.Lock()
	m.readings[result.Name] = result
	m.mu.Unlock()

	m.notifySubscribers(result)
}

// Get returns the result stored for name.
func (m *MemoryStore) Get(name string) (ReadingResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.readings[name]
	return r, ok
}

// GetAll returns a copy of all stored results, sorted by name so API
// responses are stable.
func (m *MemoryStore) GetAll() []ReadingResult {
	m.mu.RLock()
	results := make([]ReadingResult, 0, len(m.readings))
	for _, r := range m.readings {
		results = append(results, r)
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Name < results[j].Name
	})
	return results
}

// Subscribe creates a new subscription. Call [MemoryStore.Unsubscribe] when
// done.
func (m *MemoryStore) Subscribe() <-chan ReadingResult {
	ch := make(chan ReadingResult, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan ReadingResult) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

func (m *MemoryStore) notifySubscribers(result ReadingResult) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- result:
		default:
			// slow subscriber, drop
		}
	}
}
