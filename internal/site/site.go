// Package site implements storage for one grid cell: current atom, base
// atom, sensors, and the event-number timestamps (spec.md §3).
package site

import "mfmcore/internal/atom"

// Sensors is an opaque-to-the-core per-site block (spec.md §3: "sensor
// block (opaque to the core)"), indexed by the same tile-parameter keys
// accepted by Grid.SetTileParameter (spec.md §6).
type Sensors map[uint32]int32

// Site holds one grid cell's full state.
type Site struct {
	Atom             atom.Atom
	Base             atom.Atom
	Sensory          Sensors
	LastChangedEvent uint64
	LastEvent        uint64
}

// New constructs a Site initialized to Empty.
func New(empty atom.Atom) Site {
	return Site{Atom: empty, Base: empty}
}

// Assign overwrites the current atom, updates Base to the prior atom, and
// bumps LastChangedEvent if and only if the new atom differs from the old
// one (spec.md §4.1 step 6, and Testable Property 4: "empty-preserving
// no-op" must not advance LastChangedEvent).
func (s *Site) Assign(a atom.Atom, eventCounter uint64) (changed bool) {
	if a == s.Atom {
		return false
	}
	s.Base = s.Atom
	s.Atom = a
	s.LastChangedEvent = eventCounter
	return true
}

// Touch records that a window covered this site during eventCounter,
// regardless of whether it was written (spec.md §4.1 step 7: "Update
// site[center].last_event").
func (s *Site) Touch(eventCounter uint64) {
	if eventCounter > s.LastEvent {
		s.LastEvent = eventCounter
	}
}
