package site

import (
	"testing"

	"mfmcore/internal/atom"
)

func TestAssignNoOpDoesNotAdvanceLastChanged(t *testing.T) {
	empty := atom.NewEmpty()
	s := New(empty)
	s.LastChangedEvent = 5

	if changed := s.Assign(empty, 6); changed {
		t.Error("Assign with identical atom reported changed")
	}
	if s.LastChangedEvent != 5 {
		t.Errorf("LastChangedEvent = %d, want unchanged 5", s.LastChangedEvent)
	}
}

func TestAssignDifferentAdvancesLastChanged(t *testing.T) {
	empty := atom.NewEmpty()
	s := New(empty)
	other := atom.New(9)

	if changed := s.Assign(other, 7); !changed {
		t.Error("Assign with a different atom reported unchanged")
	}
	if s.LastChangedEvent != 7 {
		t.Errorf("LastChangedEvent = %d, want 7", s.LastChangedEvent)
	}
	if s.Base != empty {
		t.Errorf("Base = %v, want the prior atom %v", s.Base, empty)
	}
	if s.Atom != other {
		t.Errorf("Atom = %v, want %v", s.Atom, other)
	}
}

func TestTouchIsMonotonic(t *testing.T) {
	s := New(atom.NewEmpty())
	s.Touch(10)
	s.Touch(3) // stale, must not regress
	if s.LastEvent != 10 {
		t.Errorf("LastEvent = %d, want 10 (monotonic)", s.LastEvent)
	}
	s.Touch(11)
	if s.LastEvent != 11 {
		t.Errorf("LastEvent = %d, want 11", s.LastEvent)
	}
}
