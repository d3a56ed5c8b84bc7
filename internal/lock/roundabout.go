// Package lock implements the long-lived, FIFO-fair, per-boundary locks
// the locking subsystem requires (spec.md §4.3), plus the pause/unpause
// barrier the grid uses for snapshot coordination (spec.md §5).
//
// The underlying primitive, Roundabout, is adapted from tef-crow's
// lock-free epoch/bitmap ring buffer ("roundabout.go" in the teacher
// repo): an in-memory write-ahead log where threads publish a planned
// operation, scan the log for active predecessors, and spin only on
// genuine conflicts. The teacher generalizes this into six push "kinds"
// (plain/shared/exclusive reads and writes, per-lane or global); the
// locking subsystem here only ever needs one kind — mutual exclusion on a
// single lane per boundary — so Roundabout keeps just that kind plus the
// Fence/Phase machinery the pause barrier reuses, and drops the
// read/shared-write taxonomy entirely (see DESIGN.md's internal/lock
// entry).
package lock

import (
	"fmt"
	"math/bits"
	"strconv"
	"sync/atomic"
)

const width = 32

// cell kinds: unlike the teacher's six-kind taxonomy, this Roundabout only
// ever allocates exclusiveCell entries (one writer at a time per lane).
const (
	zeroCell    uint16 = iota // uninitialized memory, all zero
	pendingCell               // epoch set, kind pending
	exclusiveCell
)

type header struct {
	epoch  uint16
	flags  uint16
	bitmap uint32
}

func (h header) pack() uint64 {
	return (uint64(h.epoch) << 48) | (uint64(h.flags) << 32) | uint64(h.bitmap)
}

func unpackHeader(h uint64) header {
	return header{
		epoch:  uint16((h >> 48) & 65535),
		flags:  uint16((h >> 32) & 65535),
		bitmap: uint32(h & 0xFFFFFFFF),
	}
}

type cell struct {
	epoch uint16
	kind  uint16
	lane  uint32
}

func (c cell) pack() uint64 {
	return (uint64(c.epoch) << 48) | (uint64(c.kind) << 32) | uint64(c.lane)
}

func unpackCell(h uint64) cell {
	return cell{
		epoch: uint16((h >> 48) & 65535),
		kind:  uint16((h >> 32) & 65535),
		lane:  uint32(h & 0xFFFFFFFF),
	}
}

// rbCell is a reservation returned by push, to be passed to wait and pop.
type rbCell struct {
	n      int
	epoch  uint16
	flags  uint16
	kind   uint16
	lane   uint32
	bitmap uint32
}

// rbFence is a reservation returned by setFence, to be passed to spinFence
// and clearFence.
type rbFence struct {
	epoch     uint16
	flags     uint16
	newFlags  uint16
	bitmap    uint32
}

// Roundabout is a ring buffer of log entries plus a header tracking epoch
// and free list, exactly as in the teacher, minus the unused push kinds.
type Roundabout struct {
	header atomic.Uint64     // <epoch:16><flags:16><bitmap:32>
	log    [width]atomic.Uint64
}

// flagsSet reports whether all bits of flags are currently set.
func (rb *Roundabout) flagsSet(flags uint16) bool {
	h := unpackHeader(rb.header.Load())
	return h.flags&flags == flags
}

func (rb *Roundabout) String() string {
	h := unpackHeader(rb.header.Load())
	return fmt.Sprintf("%v [%v] %v",
		strconv.FormatUint(uint64(h.bitmap), 2), h.epoch, strconv.FormatUint(uint64(h.flags), 2))
}

// push reserves the next free ring slot for lane, returning ok=false if
// another goroutine won the race to the same slot (the caller should
// retry the whole push).
func (rb *Roundabout) push(lane uint32) (rbCell, bool) {
	raw := rb.header.Load()
	h := unpackHeader(raw)

	n := int(h.epoch) % width
	b := uint32(1) << uint(n)

	if h.bitmap&b != 0 {
		return rbCell{}, false
	}

	newHeader := header{h.epoch + 1, h.flags, h.bitmap | b}.pack()
	item := cell{h.epoch, exclusiveCell, lane}.pack()

	if !rb.header.CompareAndSwap(raw, newHeader) {
		return rbCell{}, false
	}
	rb.log[n].Store(item)
	return rbCell{n: n, epoch: h.epoch, flags: h.flags, kind: exclusiveCell, lane: lane, bitmap: h.bitmap}, true
}

// pushBlocking retries push until it succeeds; CAS contention here is only
// against other pushers on the same Roundabout, which resolves in a few
// spins under any realistic number of goroutines.
func (rb *Roundabout) pushBlocking(lane uint32) rbCell {
	for {
		if r, ok := rb.push(lane); ok {
			return r
		}
	}
}

// wait spins until every predecessor recorded in r's snapshot bitmap has
// released, i.e. until r is at the front of the line. Two reservations on
// the same lane always conflict (mutual exclusion); reservations on
// different lanes never conflict, allowing independent boundaries to share
// one Roundabout without interfering (not currently exercised, since each
// boundary gets its own Roundabout, but kept because it costs nothing and
// matches the teacher's design intent).
func (rb *Roundabout) wait(r rbCell) {
	if r.bitmap == 0 {
		return
	}
	epoch := r.epoch - uint16(width)
	bitmap := bits.RotateLeft32(r.bitmap, -r.n)

	for i := 0; i < width-1; i++ {
		epoch++
		bitmap >>= 1
		if bitmap&1 == 0 {
			continue
		}
		n := int(epoch) % width
		for {
			item := unpackCell(rb.log[n].Load())
			if item.kind == zeroCell {
				continue // uninitialized memory, spin
			}
			if item.epoch != epoch {
				break // stale slot contents from an earlier cycle; not our predecessor
			}
			if item.kind == pendingCell {
				continue // allocated but not yet written, spin
			}
			if item.lane != r.lane {
				break // different lane, no conflict
			}
			continue // same lane, still held: spin
		}
	}
}

// pop releases a reservation, freeing its slot for a future cycle.
func (rb *Roundabout) pop(r rbCell) {
	next := cell{r.epoch + width, pendingCell, 0}.pack()
	rb.log[r.n].Store(next)
	rb.header.And(^(uint64(1) << uint(r.n)))
}

// setFence flips on a flag bit, failing if it's already set.
func (rb *Roundabout) setFence(flags uint16) (rbFence, bool) {
	raw := rb.header.Load()
	h := unpackHeader(raw)
	if h.flags&flags != 0 {
		return rbFence{}, false
	}
	newHeader := header{h.epoch, h.flags | flags, h.bitmap}.pack()
	if !rb.header.CompareAndSwap(raw, newHeader) {
		return rbFence{}, false
	}
	return rbFence{epoch: h.epoch, flags: flags, newFlags: h.flags | flags, bitmap: h.bitmap}, true
}

// spinFence waits for every reservation active at fence-set time to
// release, ignoring reservations started afterward.
func (rb *Roundabout) spinFence(s rbFence) {
	if s.bitmap == 0 {
		return
	}
	epoch := s.epoch - uint16(width)
	n := int(s.epoch) % width
	bitmap := bits.RotateLeft32(s.bitmap, -n)

	for i := 0; i < width; i++ {
		if bitmap&1 == 0 {
			epoch++
			bitmap >>= 1
			continue
		}
		n := int(epoch) % width
		for {
			item := unpackCell(rb.log[n].Load())
			if item.kind == zeroCell {
				continue
			}
			if item.epoch == epoch {
				continue // predecessor still active, spin
			}
			break
		}
		epoch++
		bitmap >>= 1
	}
}

// clearFence clears the flag bits set by setFence.
func (rb *Roundabout) clearFence(s rbFence) {
	for {
		raw := rb.header.Load()
		h := unpackHeader(raw)
		newHeader := header{h.epoch, h.flags &^ s.flags, h.bitmap}.pack()
		if rb.header.CompareAndSwap(raw, newHeader) {
			return
		}
	}
}

// Fence runs fn only after every in-flight reservation has drained, and
// blocks new conflicting reservations (via the flags bit) for fn's
// duration. Adapted directly from the teacher's Fence/Phase methods, which
// already implement exactly the "pause: drain then suspend" semantics
// spec.md §5 calls for.
func (rb *Roundabout) Fence(flags uint16, fn func()) {
	for {
		f, ok := rb.setFence(flags)
		if !ok {
			continue
		}
		rb.spinFence(f)
		fn()
		rb.clearFence(f)
		return
	}
}
