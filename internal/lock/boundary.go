package lock

import "sync"

// pauseFlag is the single Fence flag this package uses; Roundabout's flags
// field has room for 16, but the locking subsystem only needs one (the
// grid-wide pause request).
const pauseFlag uint16 = 1

// Boundary is one long-lived lock guarding a shared edge between two
// tiles (spec.md §4.3). Up to eight exist per tile, one per direction.
type Boundary struct {
	rb Roundabout

	mu      sync.Mutex
	held    bool
	holding rbCell
}

// NewBoundary constructs an unheld boundary lock.
func NewBoundary() *Boundary {
	return &Boundary{}
}

// TryLock attempts to acquire the boundary without blocking. It returns
// false immediately if the boundary is already held, rather than spinning
// — the hot path (event window commit) relies on this to fall through to
// "pick a different center" instead of stalling a tile thread (spec.md
// §5's suspension-point rule: "the core uses non-blocking TryLock in the
// hot path").
func (b *Boundary) TryLock() bool {
	if b.rb.flagsSet(pauseFlag) {
		return false
	}
	r, ok := b.rb.push(0)
	if !ok {
		return false
	}
	if r.bitmap != 0 {
		// a predecessor is still active; withdraw our reservation rather
		// than spin, since TryLock must not block.
		b.rb.pop(r)
		return false
	}
	b.mu.Lock()
	b.held = true
	b.holding = r
	b.mu.Unlock()
	return true
}

// Unlock releases a boundary previously acquired by TryLock or Lock.
func (b *Boundary) Unlock() {
	b.mu.Lock()
	r := b.holding
	b.held = false
	b.mu.Unlock()
	b.rb.pop(r)
}

// Lock acquires the boundary, blocking (spinning) until any predecessor
// reservations on this boundary release. FIFO-fair because reservations
// are served in the order they were pushed onto the Roundabout's epoch
// ring (Testable Property: lock discipline, spec.md §8 item 1). For
// callers willing to wait; the event window's hot path uses TryLock and
// the pause barrier uses Drain, so neither calls Lock.
func (b *Boundary) Lock() {
	r := b.rb.pushBlocking(0)
	b.rb.wait(r)
	b.mu.Lock()
	b.held = true
	b.holding = r
	b.mu.Unlock()
}

// Drain sets the pause flag (causing subsequent TryLock calls to fail
// fast, see above), waits for any reservation already in flight to
// release, runs fn, then clears the flag. Used by the grid's pause
// barrier (spec.md §5): "the pause primitive causes each tile... to drain
// its cache processors to idle and then suspend".
func (b *Boundary) Drain(fn func()) {
	b.rb.Fence(pauseFlag, fn)
}
