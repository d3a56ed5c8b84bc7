// Package paramstore implements the tile-parameter key-value store
// (spec.md §6's Grid.SetTileParameter / the sensor-block key space used by
// internal/site.Sensors): a small concurrent map keyed by the same uint32
// keys sensors are indexed by.
//
// Adapted from tef-crow's LockedMap (map.go), generalized from an any/any
// map to the uint32/int32 pair this domain actually needs, and rebuilt on
// a plain sync.RWMutex rather than LockedMap's ShareRing/LockRing split:
// tile-parameter writes are an infrequent administrative path (an operator
// tuning a running simulation), never the event-loop hot path the trimmed
// internal/lock.Boundary exists to serve, so the extra reader/writer-lane
// machinery the teacher's Roundabout offered has nothing to buy here.
package paramstore

import (
	"sync"

	"golang.org/x/exp/maps"
)

// Store is a concurrent key-value map of tile parameters.
type Store struct {
	mu   sync.RWMutex
	data map[uint32]int32
}

// New constructs an empty Store.
func New() *Store {
	return &Store{data: make(map[uint32]int32, 8)}
}

// Load returns the value stored for key, and whether it was present.
func (s *Store) Load(key uint32) (value int32, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.data[key]
	return value, ok
}

// Store sets key to value, creating the entry if absent.
func (s *Store) Store(key uint32, value int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Delete removes key, a no-op if absent.
func (s *Store) Delete(key uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Range calls f for every (key, value) pair, in an unspecified order,
// stopping early if f returns false. f must not call back into the Store.
func (s *Store) Range(f func(key uint32, value int32) bool) {
	s.mu.RLock()
	snapshot := maps.Clone(s.data)
	s.mu.RUnlock()

	for k, v := range snapshot {
		if !f(k, v) {
			return
		}
	}
}
