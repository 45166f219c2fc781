// Package state holds the latest accepted reading and its alert flag.
package state

import (
	"sync"

	"crowdwatch/internal/reading"
)

// LatestState is a point in time copy of the read model. Reading is nil
// until the first reading is accepted. Version is the update count the copy
// was taken at.
type LatestState struct {
	Reading *reading.Reading `json:"reading"`
	Alert   bool             `json:"alert"`
	Version uint64           `json:"version"`
}

// Store has a single writer, the stream message path, and any number of
// snapshot readers.
type Store struct {
	mu      sync.RWMutex
	reading reading.Reading
	present bool
	alert   bool
	version uint64
}

func NewStore() *Store {
	return &Store{}
}

// Update replaces the latest reading and alert flag.
func (s *Store) Update(r reading.Reading, alert bool) {
	s.mu.Lock()
	s.reading = r
	s.present = true
	s.alert = alert
	s.version++
	s.mu.Unlock()
}

// Snapshot returns a copy that later updates never touch.
func (s *Store) Snapshot() LatestState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.present {
		return LatestState{Alert: s.alert, Version: s.version}
	}
	r := s.reading
	return LatestState{Reading: &r, Alert: s.alert, Version: s.version}
}

// Version counts accepted updates; readers use it to skip redundant renders.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
