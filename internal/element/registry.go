package element

import (
	"errors"
	"fmt"
	"math/bits"

	"golang.org/x/exp/slices"
)

// Errors matching spec.md §4.5's DUPLICATE_ENTRY / OUT_OF_ROOM, and §7's
// fatal-tier ILLEGAL_ARGUMENT.
var (
	ErrDuplicateEntry  = errors.New("element: DUPLICATE_ENTRY")
	ErrOutOfRoom       = errors.New("element: OUT_OF_ROOM")
	ErrIllegalArgument = errors.New("element: ILLEGAL_ARGUMENT")
)

// Registry maps type codes to element descriptors and UUIDs to type codes
// (spec.md §4.5). It is process-wide, write-once at startup; readers do
// not synchronize (spec.md §5's "Shared resources" table), so registration
// must complete before any tile goroutine starts.
type Registry struct {
	bits int // width of the atom type field; slot table has 2^bits entries
	slots  []*Element
	byUUID map[UUID]uint16
	filled int
}

// NewRegistry constructs an empty registry with room for 2^bits elements,
// slot 0 reserved for Empty.
func NewRegistry(bits int) *Registry {
	return &Registry{
		bits:   bits,
		slots:  make([]*Element, 1<<uint(bits)),
		byUUID: make(map[UUID]uint16),
	}
}

// RegisterEmpty installs the distinguished Empty element at the reserved
// slot 0. Must be called exactly once, before any other registration.
func (r *Registry) RegisterEmpty(e *Element) error {
	if r.slots[0] != nil {
		return fmt.Errorf("element: %w: Empty already registered", ErrDuplicateEntry)
	}
	e.typeCode = 0
	r.slots[0] = e
	r.byUUID[e.UUID] = 0
	r.filled++
	return nil
}

// hammingWalkOrder returns the slot visitation order used by Allocate: a
// bit-reversal permutation of 1..2^bits-1, which visits Hamming-distant
// codes early (spec.md §4.5: "improving robustness under bit-flip
// faults"). Grounded on the classic bit-reversal permutation idiom used by
// FFT implementations, adapted here for slot allocation order rather than
// butterfly indexing; it has the same "spread consecutive allocations
// across the Hamming cube" effect without a lookup table.
func (r *Registry) hammingWalkOrder() []int {
	n := len(r.slots)
	order := make([]int, 0, n-1)
	for i := 1; i < n; i++ {
		order = append(order, int(bits.Reverse32(uint32(i))>>(32-uint(r.bits))))
	}
	return order
}

// Allocate assigns the next free slot to an element with the given UUID,
// deterministic given registration order and element count (spec.md
// §4.5), and returns the assigned type code.
func (r *Registry) Allocate(e *Element) (uint16, error) {
	if _, dup := r.byUUID[e.UUID]; dup {
		return 0, fmt.Errorf("element: %w: uuid already registered", ErrDuplicateEntry)
	}
	if r.filled >= len(r.slots) {
		return 0, fmt.Errorf("element: %w: registry exhausted at %d slots", ErrOutOfRoom, len(r.slots))
	}
	for _, slot := range r.hammingWalkOrder() {
		if r.slots[slot] == nil {
			e.typeCode = uint16(slot)
			r.slots[slot] = e
			r.byUUID[e.UUID] = uint16(slot)
			r.filled++
			return e.typeCode, nil
		}
	}
	return 0, fmt.Errorf("element: %w: no free slot found despite filled < capacity", ErrOutOfRoom)
}

// Lookup returns the element registered at typeCode, or nil if none.
func (r *Registry) Lookup(typeCode uint16) *Element {
	if int(typeCode) >= len(r.slots) {
		return nil
	}
	return r.slots[typeCode]
}

// TypeFromUUID returns the type code registered for an exact UUID match.
func (r *Registry) TypeFromUUID(u UUID) (uint16, bool) {
	t, ok := r.byUUID[u]
	return t, ok
}

// TypeFromCompatibleUUID returns the type code of a registered element
// whose UUID is Compatible with u (spec.md §4.5), preferring an exact
// match. When several registered UUIDs are compatible with u, which one is
// returned is not defined (the search walks a map).
func (r *Registry) TypeFromCompatibleUUID(u UUID) (uint16, bool) {
	if t, ok := r.byUUID[u]; ok {
		return t, true
	}
	for registered, t := range r.byUUID {
		if registered.Compatible(u) {
			return t, true
		}
	}
	return 0, false
}

// AllocatedTypes returns every registered type code in ascending order,
// a stable enumeration Grid.AtomCount's per-type aggregation walks over
// (spec.md §4.6) without depending on map iteration order.
func (r *Registry) AllocatedTypes() []uint16 {
	types := make([]uint16, 0, r.filled)
	for code, e := range r.slots {
		if e != nil {
			types = append(types, uint16(code))
		}
	}
	slices.Sort(types)
	return types
}

// Len returns the number of registered elements, including Empty.
func (r *Registry) Len() int { return r.filled }

// Capacity returns 2^bits, the total number of type-code slots.
func (r *Registry) Capacity() int { return len(r.slots) }
