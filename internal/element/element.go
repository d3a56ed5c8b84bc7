// Package element implements the element descriptor and the process-wide
// registry mapping type codes to element descriptors (spec.md §3, §4.5).
package element

import (
	"mfmcore/internal/atom"
	"mfmcore/internal/eventwindowapi"
)

// UUID identifies an element stably across runs. The low byte is treated
// as a "variant" field for compatibility comparisons (type_from_compatible_uuid).
type UUID [16]byte

// Compatible reports whether u and v are equal ignoring the variant byte,
// grounded on spec.md §4.5's "type_from_compatible_uuid... ignores
// version-patch fields of the UUID".
func (u UUID) Compatible(v UUID) bool {
	a, b := u, v
	a[15], b[15] = 0, 0
	return a == b
}

// Symmetry selects which of the eight point symmetries (internal/geometry)
// an element's events use.
type Symmetry int

// CompleteDiffusability is the maximum diffusability percentage (100%),
// named after UlamElement::COMPLETE_DIFFUSABILITY in original_source.
const CompleteDiffusability = 100

// Behavior is the per-event callback. It is given an eventwindowapi.Window
// rather than a concrete *eventwindow.Window to avoid an import cycle
// between element and eventwindow (the event window needs to look up
// elements by type code; elements need to invoke the window). See
// DESIGN.md for the cycle-breaking rationale.
type Behavior func(w eventwindowapi.Window)

// Element is the immutable descriptor bound to a type code at registration
// time (spec.md §3). Elements are created once and live for the process
// lifetime, per spec.md §3's "Elements are created once and live for the
// process lifetime; the registry owns them".
type Element struct {
	UUID             UUID
	Name             string
	Symbol           string
	DefaultAtom      atom.Atom
	Symmetry         Symmetry
	DiffusabilityPct int // 0..100
	Color            uint32
	Behavior         Behavior

	typeCode uint16
}

// TypeCode returns the type code assigned at registration. Zero until
// registered.
func (e *Element) TypeCode() uint16 { return e.typeCode }

// Diffusability mirrors original_source UlamElement::Diffusability: equal
// coordinates are always fully diffusable (it's a no-op move); otherwise
// scale CompleteDiffusability by the element's configured percentage.
func (e *Element) Diffusability(same bool) int {
	if same {
		return CompleteDiffusability
	}
	return CompleteDiffusability * e.DiffusabilityPct / 100
}
