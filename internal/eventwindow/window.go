// Package eventwindow implements the single-event transaction: staging a
// neighborhood, invoking element behavior, and committing mutations with
// symmetry, background-radiation, and cache-processor notification
// (spec.md §4.1).
package eventwindow

import (
	"math/rand"

	"mfmcore/internal/atom"
	"mfmcore/internal/cacheproc"
	"mfmcore/internal/element"
	"mfmcore/internal/eventwindowapi"
	"mfmcore/internal/geometry"
	"mfmcore/internal/lock"
	"mfmcore/internal/mfmlog"
	"mfmcore/internal/site"
)

// Host is the subset of *tile.Tile an event window works through
// (DESIGN NOTES §9: "mutual collaboration, not ownership" — the tile owns
// the window; the window keeps this reference from New onward and uses it
// only while an event runs). Defined here, implemented by tile, to
// keep the dependency one-directional (eventwindow never imports tile),
// the same cycle-breaking shape as internal/eventwindowapi.
type Host interface {
	Config() geometry.Config
	Site(p geometry.Point) *site.Site
	Boundary(d geometry.Dir) *lock.Boundary
	Processor(d geometry.Dir) *cacheproc.Processor
	Registry() *element.Registry
	Rand() *rand.Rand
	BumpEventCounter() uint64
	Radiation() (siteOdds, bitOdds int)
	MarkDirty()
	Log() *mfmlog.Logger
}

// Window executes events against a Host, one at a time. A tile builds one
// Window and reuses it; TryEventAt clears the staged writes before each
// behavior call, so every event is its own transaction (spec.md §4.1).
type Window struct {
	host     Host
	center   geometry.Point
	symmetry geometry.Symmetry
	staged   map[geometry.Point]atom.Atom
	order    []geometry.Point // insertion order, for deterministic iteration
}

// New constructs a Window bound to host; the same Window runs any number
// of events.
func New(host Host) *Window {
	return &Window{host: host, staged: make(map[geometry.Point]atom.Atom, 32)}
}

// reset clears staged state between events, so a single Window value may
// be reused across many TryEventAt calls without reallocating.
func (w *Window) reset(center geometry.Point, symmetry geometry.Symmetry) {
	w.center = center
	w.symmetry = symmetry
	for k := range w.staged {
		delete(w.staged, k)
	}
	w.order = w.order[:0]
}

// TryEventAt runs the full event algorithm at center (spec.md §4.1).
// center must be an owned coordinate of the host tile (panics otherwise,
// per spec.md §7's fatal ILLEGAL_ARGUMENT — an out-of-bounds or
// non-owned center is always a scheduler bug, never a runtime condition
// to recover from).
func (w *Window) TryEventAt(center geometry.Point) (didWork bool) {
	cfg := w.host.Config()
	if !cfg.InBounds(center) || !cfg.Owned(center) {
		panic("eventwindow: event center must be an owned, in-bounds coordinate")
	}

	centerSite := w.host.Site(center)
	elem := w.host.Registry().Lookup(centerSite.Atom.Type())
	if elem == nil || elem.Behavior == nil {
		return false
	}

	// Step 1: which directions does this window overlap. A direction whose
	// processor was never connected has no neighbor tile (a 1x1 grid, or a
	// non-toroidal grid's outer edge), so there is nothing to lock or
	// notify there and it is left out.
	var dirs []geometry.Dir
	if cfg.BandOf(center) != geometry.Hidden {
		for _, d := range cfg.OverlappingDirs(center) {
			if w.host.Processor(d).IsConnected() {
				dirs = append(dirs, d)
			}
		}
	}

	// Step 2: every remaining direction's processor must be idle, or we
	// bail with no state change.
	for _, d := range dirs {
		if !w.host.Processor(d).IsIdle() {
			return false
		}
	}

	// Step 3: acquire boundary locks in canonical (direction-ordinal)
	// order; on any failure, release what we took and bail.
	acquired := make([]geometry.Dir, 0, len(dirs))
	for _, d := range dirs {
		if !w.host.Boundary(d).TryLock() {
			for i := len(acquired) - 1; i >= 0; i-- {
				w.host.Boundary(acquired[i]).Unlock()
			}
			return false
		}
		acquired = append(acquired, d)
	}

	w.reset(center, geometry.Symmetry(elem.Symmetry))

	// Step 4 & 5: invoke behavior with a scoped error sink (spec.md §4.1
	// step 5 / §7: a behavior fault erases the center and logs, but the
	// commit still runs).
	w.runBehavior(elem)

	// Steps 6-7: commit staged writes, apply radiation, notify processors.
	updatesByDir := make(map[geometry.Dir][]cacheproc.Update, len(dirs))
	siteOdds, bitOdds := w.host.Radiation()
	counter := w.host.BumpEventCounter()

	for _, p := range w.order {
		a := w.staged[p]
		a = a.XRay(w.host.Rand(), siteOdds, bitOdds)

		s := w.host.Site(p)
		if !s.Assign(a, counter) {
			continue
		}
		w.host.MarkDirty()

		// A write landing in this tile's own CACHE band physically
		// coincides with a cell the neighbor in that direction really
		// owns (the event's lock let us reach into its SHARED band); it
		// still needs shipping as an authoritative update, just via
		// CacheDirs' mirror-image classification instead of
		// OverlappingDirs (which requires an owned p).
		var writeDirs []geometry.Dir
		if cfg.Owned(p) {
			writeDirs = cfg.OverlappingDirs(p)
		} else {
			writeDirs = cfg.CacheDirs(p)
		}
		for _, d := range writeDirs {
			neighborLocal := cfg.NeighborLocal(d, p)
			updatesByDir[d] = append(updatesByDir[d], cacheproc.Update{
				X:           int32(neighborLocal.X),
				Y:           int32(neighborLocal.Y),
				Atom:        a,
				DiffersFlag: true, // every enqueued update is, by construction, a local change
			})
		}
	}
	centerSite.Touch(counter)

	// Step 8: hand each involved processor its batch.
	for _, d := range dirs {
		p := w.host.Processor(d)
		if !p.RequestLock() {
			// The peer isn't ready to ack right now; drop this batch for
			// this direction rather than block. The next quiescent pass
			// will re-converge via the normal event traffic.
			continue
		}
		// A processor only reaches LOCK_HELD once it has observed the
		// peer's LOCK_ACK, which (in the in-process transport) requires
		// the peer's own Advance to have run at least once since
		// RequestLock. Give it one immediate chance since loopback
		// delivery is synchronous up to buffering.
		p.Advance()
		if p.State() == cacheproc.LockHeld {
			p.Submit(updatesByDir[d], int32(len(updatesByDir[d])))
		}
	}

	// Step 9: release locks in reverse order. The real mutual-exclusion
	// window is just steps 3-8; the cache processor's own wire handshake
	// (LOCK_HELD..RELEASING) continues draining on subsequent scheduler
	// ticks, gated by its own IDLE check at step 2 of the next event.
	for i := len(acquired) - 1; i >= 0; i-- {
		w.host.Boundary(acquired[i]).Unlock()
	}

	return true
}

// runBehavior invokes elem.Behavior with a recover() scoped to exactly
// this call (spec.md §7: "Behavior faults are caught with a recover()
// scoped around exactly the element.Behavior call"). A fault erases the
// center atom and logs, but does not stop the commit phase.
func (w *Window) runBehavior(elem *element.Element) {
	defer func() {
		if r := recover(); r != nil {
			w.host.Log().Warning().
				Interface("panic", r).
				Log("eventwindow: behavior fault, center erased")
			w.SetCenter(atom.NewEmpty())
		}
	}()
	elem.Behavior(w)
}

// applyOffset transforms a window-local offset by this event's symmetry
// and returns the absolute (tile-local) coordinate.
func (w *Window) applyOffset(offset geometry.Point) geometry.Point {
	return w.center.Add(w.symmetry.Apply(offset))
}

// GetRelative implements eventwindowapi.Window: reads see the pre-event
// state unless this event already staged a write to the same site
// (read-your-writes).
func (w *Window) GetRelative(offset geometry.Point) atom.Atom {
	p := w.applyOffset(offset)
	if a, ok := w.staged[p]; ok {
		return a
	}
	return w.host.Site(p).Atom
}

// SetRelative implements eventwindowapi.Window.
func (w *Window) SetRelative(offset geometry.Point, a atom.Atom) {
	p := w.applyOffset(offset)
	if _, ok := w.staged[p]; !ok {
		w.order = append(w.order, p)
	}
	w.staged[p] = a
}

// GetCenter implements eventwindowapi.Window.
func (w *Window) GetCenter() atom.Atom {
	return w.GetRelative(geometry.Point{})
}

// SetCenter implements eventwindowapi.Window.
func (w *Window) SetCenter(a atom.Atom) {
	w.SetRelative(geometry.Point{}, a)
}

// Diffuse implements eventwindowapi.Window: consults the diffusability
// model (element.Element.Diffusability, grounded on original_source's
// UlamElement diffusability convention) to decide whether a move is
// honored. Offsets landing outside the window radius are rejected
// outright.
func (w *Window) Diffuse(offset geometry.Point) (actual geometry.Point, moved bool) {
	if offset.ManhattanDistance() > w.host.Config().R {
		return geometry.Point{}, false
	}
	centerAtom := w.GetCenter()
	elem := w.host.Registry().Lookup(centerAtom.Type())
	if elem == nil {
		return geometry.Point{}, false
	}

	same := offset == geometry.Point{}
	pct := elem.Diffusability(same)
	if pct <= 0 {
		return geometry.Point{}, false
	}
	if pct < element.CompleteDiffusability && int(w.Rand()%100) >= pct {
		return geometry.Point{}, false
	}

	target := w.GetRelative(offset)
	if !target.IsEmpty() {
		return geometry.Point{}, false
	}
	w.SetRelative(offset, centerAtom)
	w.SetCenter(atom.NewEmpty())
	return offset, true
}

// Rand implements eventwindowapi.Window.
func (w *Window) Rand() uint32 {
	return w.host.Rand().Uint32()
}

var _ eventwindowapi.Window = (*Window)(nil)
