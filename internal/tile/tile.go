// Package tile implements the per-tile scheduler (spec.md §4.4): the
// OFF/ACTIVE/PASSIVE state machine, the one-event-per-tick main loop, and
// the site/boundary/processor storage an event window borrows through the
// eventwindow.Host interface.
package tile

import (
	"math/rand"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/exp/slices"

	"mfmcore/internal/atom"
	"mfmcore/internal/cacheproc"
	"mfmcore/internal/element"
	"mfmcore/internal/eventwindow"
	"mfmcore/internal/geometry"
	"mfmcore/internal/lock"
	"mfmcore/internal/mfmerr"
	"mfmcore/internal/mfmlog"
	"mfmcore/internal/site"
)

// State is one of the three scheduler states named in spec.md §4.4.
type State int

const (
	Off State = iota
	Active
	Passive
)

func (s State) String() string {
	switch s {
	case Off:
		return "OFF"
	case Active:
		return "ACTIVE"
	case Passive:
		return "PASSIVE"
	default:
		return "UNKNOWN"
	}
}

// Tile owns one TileSide x TileSide patch of site storage, its eight
// boundary locks and cache processors, and the scheduler state driving
// its own single-goroutine tick loop (spec.md §4.4, §5's "each tile is a
// single-threaded worker").
type Tile struct {
	cfg      geometry.Config
	registry *element.Registry
	rng      *rand.Rand
	log      *mfmlog.Logger

	radiationSiteOdds int
	radiationBitOdds  int

	sites       []site.Site
	ownedCoords []geometry.Point

	boundaries [8]*lock.Boundary
	processors [8]*cacheproc.Processor

	window *eventwindow.Window

	state     State
	requested State

	eventCounter   uint64
	eventsExecuted uint64

	dirty bool

	// quiesced is set by Grid.Pause to stop this tile from starting any new
	// event while a pause is in effect; cache processors keep advancing so
	// any already-in-flight handshake still drains to idle (spec.md §5).
	quiesced atomic.Bool
}

// New constructs a freshly OFF tile with its own site storage and, for
// every direction, a standalone Boundary and an unconnected Processor —
// defaults a single-tile configuration (or a grid's edge tile with no
// neighbor in some directions) can run safely without panicking on a nil
// Boundary. A grid wires real neighbors in with SetBoundary/Processor(d)
// .Connect after construction (spec.md §4.6). strictCacheConsistency is
// Config.StrictCacheConsistency (spec.md §9), threaded down to every
// direction's cache processor so a differs_flag divergence on any of them
// can promote to a Fatal mfmerr.ErrCacheDivergence instead of only ever
// being logged.
func New(cfg geometry.Config, registry *element.Registry, rng *rand.Rand, log *mfmlog.Logger, radiationSiteOdds, radiationBitOdds int, strictCacheConsistency bool) *Tile {
	if log == nil {
		log = mfmlog.Discard
	}
	t := &Tile{
		cfg:               cfg,
		registry:          registry,
		rng:               rng,
		log:               log,
		radiationSiteOdds: radiationSiteOdds,
		radiationBitOdds:  radiationBitOdds,
		sites:             make([]site.Site, cfg.TileSide*cfg.TileSide),
	}
	empty := atom.NewEmpty()
	for i := range t.sites {
		t.sites[i] = site.New(empty)
	}
	for y := 0; y < cfg.TileSide; y++ {
		for x := 0; x < cfg.TileSide; x++ {
			p := geometry.Point{X: x, Y: y}
			if cfg.Owned(p) {
				t.ownedCoords = append(t.ownedCoords, p)
			}
		}
	}
	// One shared go-catrate budget per tile (spec.md §4.2 supplemental:
	// "keyed by (tile, dir)" — the Limiter instance is the tile half of
	// that key, cacheproc.Processor.divergenceCategory the dir half).
	// DivergenceRateLimit's budget map is never empty, unlike warp's, so
	// there's no nil-literal special case to reproduce here.
	divergenceLimiter := catrate.NewLimiter(cacheproc.DivergenceRateLimit())
	for _, d := range geometry.Dirs {
		t.boundaries[d] = lock.NewBoundary()
		t.processors[d] = cacheproc.New(d, t.applyInbound, log, divergenceLimiter, strictCacheConsistency)
	}
	t.window = eventwindow.New(t)
	return t
}

func (t *Tile) index(p geometry.Point) int {
	return p.Y*t.cfg.TileSide + p.X
}

// applyInbound is the ApplyFunc every Processor uses to commit an inbound
// UPDATE into this tile's own storage (spec.md §4.2's "Update application
// (receiver)"); the sender already translated coordinates into our local
// frame via geometry.Config.NeighborLocal before encoding the frame.
func (t *Tile) applyInbound(x, y int32, a atom.Atom) atom.Atom {
	p := geometry.Point{X: int(x), Y: int(y)}
	idx := t.index(p)
	old := t.sites[idx].Atom
	t.sites[idx].Atom = a
	t.dirty = true
	return old
}

// SetBoundary installs the (possibly shared-with-a-neighbor) Boundary for
// direction d, replacing the standalone default New constructed.
func (t *Tile) SetBoundary(d geometry.Dir, b *lock.Boundary) {
	t.boundaries[d] = b
}

// Processor returns this tile's cache processor for direction d, so a
// grid can Connect it to a channel shared with the neighbor.
func (t *Tile) Processor(d geometry.Dir) *cacheproc.Processor { return t.processors[d] }

// Site returns the storage for a tile-local coordinate, for grid-level
// seeding/inspection as well as eventwindow.Host.
func (t *Tile) Site(p geometry.Point) *site.Site { return &t.sites[t.index(p)] }

// OwnedCoords returns the tile's owned coordinates, for seeding a demo
// or test grid with an initial pattern.
func (t *Tile) OwnedCoords() []geometry.Point { return t.ownedCoords }

// Config implements eventwindow.Host.
func (t *Tile) Config() geometry.Config { return t.cfg }

// Boundary implements eventwindow.Host.
func (t *Tile) Boundary(d geometry.Dir) *lock.Boundary { return t.boundaries[d] }

// Registry implements eventwindow.Host.
func (t *Tile) Registry() *element.Registry { return t.registry }

// Rand implements eventwindow.Host.
func (t *Tile) Rand() *rand.Rand { return t.rng }

// BumpEventCounter implements eventwindow.Host.
func (t *Tile) BumpEventCounter() uint64 {
	t.eventCounter++
	return t.eventCounter
}

// Radiation implements eventwindow.Host.
func (t *Tile) Radiation() (siteOdds, bitOdds int) {
	return t.radiationSiteOdds, t.radiationBitOdds
}

// MarkDirty implements eventwindow.Host.
func (t *Tile) MarkDirty() { t.dirty = true }

// Log implements eventwindow.Host.
func (t *Tile) Log() *mfmlog.Logger { return t.log }

// State returns the tile's current scheduler state.
func (t *Tile) State() State { return t.state }

// CountAtoms tallies, by atom type code, every owned site's current atom
// — the per-tile half of Grid.AtomCount's lazy aggregation (spec.md
// §4.6): a grid only re-walks a tile whose TakeDirty reports a commit
// since the last count.
func (t *Tile) CountAtoms() map[uint16]int64 {
	counts := make(map[uint16]int64, 8)
	for _, p := range t.ownedCoords {
		counts[t.Site(p).Atom.Type()]++
	}
	return counts
}

// SetSeed reseeds the tile's random source, for Grid.SetSeed's
// reproducible-run support.
func (t *Tile) SetSeed(seed int64) { t.rng.Seed(seed) }

// RequestQuiesce sets or clears the pause flag a Grid uses to stop new
// events from starting on this tile (spec.md §5's pause primitive).
func (t *Tile) RequestQuiesce(q bool) { t.quiesced.Store(q) }

// Quiesced reports whether the tile is paused and has drained every cache
// processor to idle. Grid.Pause does not wait for this condition; it waits
// only for the boundary fences.
func (t *Tile) Quiesced() bool { return t.quiesced.Load() && t.allProcessorsIdle() }

// EventsExecuted returns the count of events this tile has committed
// (spec.md §4.4, the "events_executed" counter referenced by S5).
func (t *Tile) EventsExecuted() uint64 { return t.eventsExecuted }

// Err returns the first Fatal error any of this tile's eight cache
// processors has raised (currently only a strict-mode cache consistency
// divergence, spec.md §9), or nil. A caller driving this tile's run loop
// (grid.runTile) checks this after every Tick and stops calling Tick
// again once it's non-nil, per mfmerr's "Fatal errors unwind to the top
// of a tile's run loop" tier.
func (t *Tile) Err() error {
	for _, d := range geometry.Dirs {
		if err := t.processors[d].Err(); err != nil {
			return err
		}
	}
	return nil
}

// TakeDirty reports whether any site has changed since the last call and
// clears the flag (spec.md §4.6's lazy-recount convention for
// Grid.AtomCount).
func (t *Tile) TakeDirty() bool {
	d := t.dirty
	t.dirty = false
	return d
}

// RequestState asks the tile to transition to s at its next tick,
// honored only when the transition rules in spec.md §4.4 allow it.
// Requesting OFF is always rejected: OFF is only the tile's pre-Start
// zero state, never a supported runtime request (spec.md §9's resolved
// Open Question).
func (t *Tile) RequestState(s State) error {
	if s == Off {
		return mfmerr.ErrIllegalState
	}
	t.requested = s
	return nil
}

// allProcessorsIdle reports whether every cache processor is idle,
// required before a PASSIVE tile may honor a request to go ACTIVE.
func (t *Tile) allProcessorsIdle() bool {
	for _, d := range geometry.Dirs {
		if !t.processors[d].IsIdle() {
			return false
		}
	}
	return true
}

// reconcile applies the requested-state transition rules (spec.md
// §4.4): OFF -> ACTIVE/PASSIVE immediately; ACTIVE -> PASSIVE
// immediately; PASSIVE -> ACTIVE only once every cache processor is
// idle. An unsatisfiable PASSIVE -> ACTIVE request simply stays pending
// and is retried on a later tick — it does not block the rest of this
// tick's work, since that work (advancing cache processors) is exactly
// what eventually makes the request satisfiable.
func (t *Tile) reconcile() {
	switch {
	case t.requested == t.state:
		return
	case t.state == Off && (t.requested == Active || t.requested == Passive):
		t.state = t.requested
	case t.state == Active && t.requested == Passive:
		t.state = Passive
	case t.state == Passive && t.requested == Active:
		if t.allProcessorsIdle() {
			t.state = Active
		}
	}
}

// Tick runs one scheduler iteration (spec.md §4.4's four-step main loop)
// and reports whether any work was done. OFF is a true no-op: it is only
// the tile's pre-Start state and reconcile can only ever leave it (never
// re-enter it), so there is nothing else to attempt.
func (t *Tile) Tick() (didWork bool) {
	t.reconcile()
	if t.state == Off {
		return false
	}

	didEvent := false
	if t.state == Active && !t.quiesced.Load() && len(t.ownedCoords) > 0 {
		center := t.ownedCoords[t.rng.Intn(len(t.ownedCoords))]
		if t.window.TryEventAt(center) {
			didEvent = true
			t.eventsExecuted++
		}
	}

	didCache := false
	for _, d := range shuffledDirs(t.rng) {
		if t.processors[d].Advance() {
			didCache = true
		}
	}

	return didEvent || didCache
}

// shuffledDirs returns the eight directions in a per-call shuffled order
// (spec.md §4.4 step 3: "a per-tile-shuffled direction order to avoid
// systematic starvation"), via a Fisher-Yates shuffle over a copy of
// geometry.Dirs.
func shuffledDirs(rng *rand.Rand) []geometry.Dir {
	dirs := slices.Clone(geometry.Dirs[:])
	rng.Shuffle(len(dirs), func(i, j int) { dirs[i], dirs[j] = dirs[j], dirs[i] })
	return dirs
}

var _ eventwindow.Host = (*Tile)(nil)
