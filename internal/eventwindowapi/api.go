// Package eventwindowapi defines the interface an element's Behavior
// callback uses to interact with the in-progress event, breaking the
// import cycle between internal/element (which must reference a Behavior
// type) and internal/eventwindow (which must reference internal/element
// to look up descriptors by type code). DESIGN NOTES §9 calls the
// tile/window relationship a "mutual collaboration, not ownership"; the
// element/window relationship is the same shape, so it gets the same
// interface-based break.
package eventwindowapi

import (
	"mfmcore/internal/atom"
	"mfmcore/internal/geometry"
)

// Window is the subset of *eventwindow.Window an element's Behavior may
// use. Offsets are window-local, pre-symmetry-transform (the event window
// applies the element's requested symmetry internally, per spec.md §4.1).
type Window interface {
	// GetRelative reads the atom at offset from the event center, applying
	// the element's symmetry to the offset, and returns the atom in that
	// position: the pre-event state (spec.md §4.1 step 4), or the atom this
	// event already staged there with SetRelative.
	GetRelative(offset geometry.Point) atom.Atom

	// SetRelative stages a write of atom a at offset from the event
	// center, subject to the same symmetry transform as GetRelative. Staged
	// writes are visible to later GetRelative calls within the same event
	// (read-your-writes), but are not committed to the grid until the event
	// window's commit phase runs.
	SetRelative(offset geometry.Point, a atom.Atom)

	// GetCenter returns the current (possibly already-written-this-event)
	// atom at the event center, equivalent to GetRelative(geometry.Point{}).
	GetCenter() atom.Atom

	// SetCenter is equivalent to SetRelative(geometry.Point{}, a).
	SetCenter(a atom.Atom)

	// Diffuse attempts to move the center atom to offset, honoring the
	// element's configured diffusability (spec.md §4.1 "Supplemental").
	// Returns offset itself and true when the move happened, or the zero
	// offset and false when it did not; a shorter offset is never
	// substituted for the requested one.
	Diffuse(offset geometry.Point) (actual geometry.Point, moved bool)

	// Rand returns a pseudo-random uint32, sourced from the tile's RNG (the
	// core consumes an RNG but does not implement one, per spec.md §1).
	Rand() uint32
}
