// Package state holds the latest normalized update per region and notifies
// observers on every change. It is the single source of truth read by
// presentation.
package state

import (
	"maps"
	"sync"

	"github.com/couchcryptid/storm-stream-client/internal/domain"
)

// Change describes one write to the store. Removed changes carry the zero Update.
type Change struct {
	Region  string
	Update  domain.NormalizedUpdate
	Removed bool
}

// Observer receives changes synchronously on the writer's goroutine and must not block.
type Observer func(Change)

// Store maps region to its latest update with replace-on-write semantics.
type Store struct {
	mu      sync.RWMutex
	entries map[string]domain.NormalizedUpdate

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextID    uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries:   make(map[string]domain.NormalizedUpdate),
		observers: make(map[uint64]Observer),
	}
}

// Set replaces the entry for region and notifies observers.
func (s *Store) Set(region string, update domain.NormalizedUpdate) {
	s.mu.Lock()
	s.entries[region] = update
	s.mu.Unlock()

	s.notify(Change{Region: region, Update: update})
}

// Delete removes the entry for region. Deleting an absent region is a no-op
// and does not notify.
func (s *Store) Delete(region string) {
	s.mu.Lock()
	_, ok := s.entries[region]
	delete(s.entries, region)
	s.mu.Unlock()

	if ok {
		s.notify(Change{Region: region, Removed: true})
	}
}

// Get returns the latest update for region.
func (s *Store) Get(region string) (domain.NormalizedUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.entries[region]
	return u, ok
}

// Snapshot returns a copy of the whole state map.
func (s *Store) Snapshot() map[string]domain.NormalizedUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.entries)
}

// Len reports how many regions hold data.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Store) Subscribe(o Observer) func() {
	s.obsMu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = o
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.obsMu.RLock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.obsMu.RUnlock()

	for _, o := range observers {
		o(c)
	}
}
