package grid

import (
	"math/bits"
	"testing"
	"time"

	"mfmcore"
	"mfmcore/internal/atom"
	"mfmcore/internal/element"
	"mfmcore/internal/eventwindowapi"
	"mfmcore/internal/geometry"
	"mfmcore/internal/tile"
)

// popcountDiff counts the bits that differ between a and b, via their
// wire-exact byte encoding (internal/atom exposes no word-level accessor).
func popcountDiff(a, b atom.Atom) int64 {
	ab, bb := a.Bytes(), b.Bytes()
	var n int64
	for i := range ab {
		n += int64(bits.OnesCount8(ab[i] ^ bb[i]))
	}
	return n
}

// TestScenarioSingleTileQuiescence is S1: a 1x1 grid runs a no-op element
// at every owned site for a fixed number of events and must report exactly
// that many events executed, no cache traffic (no neighbor to traffic
// with), and an unchanged atom census.
func TestScenarioSingleTileQuiescence(t *testing.T) {
	cfg := mfmcore.Config{
		Geometry:    geometry.Config{R: 4, TileSide: 24},
		WarpFactor:  10,
		ElementBits: 4,
	}
	reg := element.NewRegistry(cfg.ElementBits)
	if err := reg.RegisterEmpty(&element.Element{Name: "Empty"}); err != nil {
		t.Fatalf("RegisterEmpty: %v", err)
	}
	dreg := &element.Element{Name: "DReg", Symmetry: element.Symmetry(geometry.R000), Behavior: func(eventwindowapi.Window) {}}
	dregType, err := reg.Allocate(dreg)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	g, err := New(cfg, reg, 1, 1, false, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.SetSeed(1)
	tl := g.Tile(0, 0)
	ownedSide := cfg.Geometry.OwnedSide()
	for _, p := range tl.OwnedCoords() {
		tl.Site(p).Assign(atom.New(dregType), 0)
	}
	if err := g.RequestStateAll(tile.Active); err != nil {
		t.Fatalf("RequestStateAll: %v", err)
	}

	const events = 10000
	for i := 0; i < events; i++ {
		tl.Tick()
	}

	if got := tl.EventsExecuted(); got != events {
		t.Fatalf("events executed = %d, want %d", got, events)
	}
	for _, d := range geometry.Dirs {
		if tl.Processor(d).IsConnected() {
			t.Fatalf("direction %v processor should never have connected on an isolated 1x1 grid", d)
		}
	}
	// Site.Assign (used above to seed directly) never marks the tile
	// dirty, so Grid.AtomCount's lazily-cached count would still reflect
	// the pre-seed state; CountAtoms always re-walks and is what
	// AtomCount itself calls once it sees dirty, so it's the right check
	// here regardless.
	counts := tl.CountAtoms()
	if got := counts[dregType]; got != int64(ownedSide*ownedSide) {
		t.Fatalf("DReg count = %d, want %d (a no-op behavior never changes any atom)", got, ownedSide*ownedSide)
	}
	if got := counts[0]; got != 0 {
		t.Fatalf("Empty count = %d, want 0", got)
	}
}

// TestScenarioTwoTileExchange is S2: a single-atom move across a tile
// boundary, driven by an explicit Diffuse-less copy-and-erase behavior, must
// show up first as a local CACHE-band mirror on the sending tile and then,
// once the cache handshake quiesces, as a committed update on the receiving
// tile's real owned storage.
func TestScenarioTwoTileExchange(t *testing.T) {
	cfg := mfmcore.Config{
		Geometry:    geometry.Config{R: 2, TileSide: 10},
		WarpFactor:  10,
		ElementBits: 4,
	}
	reg := element.NewRegistry(cfg.ElementBits)
	if err := reg.RegisterEmpty(&element.Element{Name: "Empty"}); err != nil {
		t.Fatalf("RegisterEmpty: %v", err)
	}
	mover := &element.Element{
		Name:     "T_A",
		Symmetry: element.Symmetry(geometry.R000),
		Behavior: func(w eventwindowapi.Window) {
			self := w.GetCenter()
			w.SetRelative(geometry.Point{X: 1, Y: 0}, self)
			w.SetCenter(atom.NewEmpty())
		},
	}
	moverType, err := reg.Allocate(mover)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	g, err := New(cfg, reg, 1, 2, false, newLoopbackPair, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.SetSeed(42)

	west, east := g.Tile(0, 0), g.Tile(0, 1)
	// The SHARED cell nearest west's east boundary: edge-distance R from
	// that edge (owned, one step inside the boundary that separates it
	// from its own CACHE mirror of east's territory).
	center := geometry.Point{X: cfg.Geometry.TileSide - 1 - cfg.Geometry.R, Y: cfg.Geometry.TileSide / 2}
	if !cfg.Geometry.Owned(center) || cfg.Geometry.BandOf(center) != geometry.Shared {
		t.Fatalf("test fixture bug: center %v is not a SHARED owned coordinate", center)
	}
	west.Site(center).Assign(atom.New(moverType), 0)

	if err := west.RequestState(tile.Active); err != nil {
		t.Fatalf("RequestState west: %v", err)
	}
	if err := east.RequestState(tile.Active); err != nil {
		t.Fatalf("RequestState east: %v", err)
	}

	// west's scheduler picks a uniformly random owned coordinate each
	// tick; T_A is the only site with a registered Behavior (every other
	// owned site is Empty, which TryEventAt always skips), so the first
	// tick that advances west's event counter is the one that ran T_A's
	// single seeded event.
	ranEvent := false
	for i := 0; i < 500 && !ranEvent; i++ {
		before := west.EventsExecuted()
		west.Tick()
		ranEvent = west.EventsExecuted() > before
	}
	if !ranEvent {
		t.Fatal("west never scheduled the seeded event within 500 ticks")
	}
	if !west.Site(center).Atom.IsEmpty() {
		t.Fatal("west's center should be Empty immediately after the event")
	}
	cacheMirror := geometry.Point{X: center.X + 1, Y: center.Y}
	if got := west.Site(cacheMirror).Atom.Type(); got != moverType {
		t.Fatalf("west's CACHE mirror at %v = type %d, want T_A (%d)", cacheMirror, got, moverType)
	}

	// Drain the cache handshake: keep ticking both tiles until east's
	// real owned mirror of that coordinate converges.
	eastLocal := cfg.Geometry.NeighborLocal(geometry.E, center)
	converged := false
	for i := 0; i < 200; i++ {
		west.Tick()
		east.Tick()
		if east.Site(eastLocal).Atom.Type() == moverType {
			converged = true
			break
		}
	}
	if !converged {
		t.Fatalf("east's owned site %v never converged to T_A after 200 ticks", eastLocal)
	}
}

// TestScenarioLockFairness is S3: four tiles, each trying to run events at
// the shared corner they all overlap, must each eventually succeed there —
// no tile starves, and no deadlock stalls the grid.
func TestScenarioLockFairness(t *testing.T) {
	cfg := mfmcore.Config{
		Geometry:    geometry.Config{R: 2, TileSide: 10},
		WarpFactor:  10,
		ElementBits: 4,
	}
	reg := element.NewRegistry(cfg.ElementBits)
	if err := reg.RegisterEmpty(&element.Element{Name: "Empty"}); err != nil {
		t.Fatalf("RegisterEmpty: %v", err)
	}

	toward := &element.Element{Name: "Corner", Symmetry: element.Symmetry(geometry.R000)}
	toward.Behavior = func(w eventwindowapi.Window) {
		a := w.GetCenter()
		a.SetStateBits(0, 8, uint64(w.Rand()&0xff))
		w.SetCenter(a)
	}
	elemType, err := reg.Allocate(toward)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	g, err := New(cfg, reg, 2, 2, false, newLoopbackPair, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Each tile's corner coordinate nearest the grid's single interior
	// meeting point, the one shared-band site whose OverlappingDirs
	// reaches into the other three tiles (verified in
	// TestCacheDirsCorner/TestOverlappingDirsCorner's sibling geometry
	// tests; here R=2 puts each such point at distance R from two edges).
	R, side := cfg.Geometry.R, cfg.Geometry.TileSide
	corners := [2][2]geometry.Point{
		{{X: side - 1 - R, Y: side - 1 - R}, {X: R, Y: side - 1 - R}},
		{{X: side - 1 - R, Y: R}, {X: R, Y: R}},
	}
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			g.Tile(r, c).Site(corners[r][c]).Assign(atom.New(elemType), 0)
		}
	}
	if err := g.RequestStateAll(tile.Active); err != nil {
		t.Fatalf("RequestStateAll: %v", err)
	}

	g.Start()
	defer g.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		done := true
		for r := 0; r < 2; r++ {
			for c := 0; c < 2; c++ {
				// The corner atom is the only non-Empty site on each
				// tile, so any executed event is necessarily the
				// contended corner event.
				if g.Tile(r, c).EventsExecuted() == 0 {
					done = false
				}
			}
		}
		if done {
			return
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	var counts [2][2]uint64
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			counts[r][c] = g.Tile(r, c).EventsExecuted()
		}
	}
	t.Fatalf("not every corner tile succeeded on the shared corner in time: events executed = %v", counts)
}

// TestScenarioBackgroundRadiation is S4: with radiation enabled, the
// fraction of examined atom bits that flip should land near 1/BitOdds
// over many events.
func TestScenarioBackgroundRadiation(t *testing.T) {
	const bitOdds = 32
	cfg := mfmcore.Config{
		Geometry:          geometry.Config{R: 2, TileSide: 10},
		WarpFactor:        10,
		ElementBits:       4,
		RadiationSiteOdds: 1,
		RadiationBitOdds:  bitOdds,
	}
	reg := element.NewRegistry(cfg.ElementBits)
	if err := reg.RegisterEmpty(&element.Element{Name: "Empty"}); err != nil {
		t.Fatalf("RegisterEmpty: %v", err)
	}
	still := &element.Element{Name: "Still", Symmetry: element.Symmetry(geometry.R000)}
	still.Behavior = func(w eventwindowapi.Window) {
		w.SetCenter(w.GetCenter())
	}
	stillType, err := reg.Allocate(still)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	g, err := New(cfg, reg, 1, 1, false, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.SetSeed(7)
	tl := g.Tile(0, 0)
	for _, p := range tl.OwnedCoords() {
		tl.Site(p).Assign(atom.New(stillType), 0)
	}
	if err := g.RequestStateAll(tile.Active); err != nil {
		t.Fatalf("RequestStateAll: %v", err)
	}

	// Measuring flips via a before/after diff of the whole run would be
	// biased: every owned site gets visited hundreds of times over 20000
	// events, and repeated independent per-bit flips converge to a 50/50
	// steady state regardless of bitOdds, not the configured rate. Instead
	// sample each individual event: Site.Touch marks LastEvent on every
	// event regardless of whether the write changed anything, so the site
	// whose LastEvent just advanced is this tick's center; diff its atom
	// against the value captured just before the tick.
	owned := tl.OwnedCoords()
	lastEvent := make(map[geometry.Point]uint64, len(owned))
	atoms := make(map[geometry.Point]atom.Atom, len(owned))
	for _, p := range owned {
		lastEvent[p] = tl.Site(p).LastEvent
		atoms[p] = tl.Site(p).Atom
	}

	const events = 20000
	var flippedBits, examinedBits int64
	for i := 0; i < events; i++ {
		tl.Tick()
		for _, p := range owned {
			cur := tl.Site(p).LastEvent
			if cur == lastEvent[p] {
				continue
			}
			lastEvent[p] = cur
			examinedBits += atom.Width
			flippedBits += popcountDiff(atoms[p], tl.Site(p).Atom)
			atoms[p] = tl.Site(p).Atom
		}
	}

	got := float64(flippedBits) / float64(examinedBits)
	want := 1.0 / float64(bitOdds)
	// A statistically loose band (not a true chi-square test) — tight
	// enough to catch radiation being wired wrong (e.g. disabled, or the
	// odds swapped), loose enough not to flake on RNG variance.
	if got < want*0.4 || got > want*1.8 {
		t.Fatalf("flipped fraction = %.4f (%d/%d), want roughly %.4f", got, flippedBits, examinedBits, want)
	}
}

// TestScenarioBehaviorFaultRecovery is S5: a behavior that panics at the
// center must still commit (center erased), bump the event counter, and
// leave the tile ACTIVE.
func TestScenarioBehaviorFaultRecovery(t *testing.T) {
	cfg := mfmcore.Config{
		Geometry:    geometry.Config{R: 2, TileSide: 10},
		WarpFactor:  10,
		ElementBits: 4,
	}
	reg := element.NewRegistry(cfg.ElementBits)
	if err := reg.RegisterEmpty(&element.Element{Name: "Empty"}); err != nil {
		t.Fatalf("RegisterEmpty: %v", err)
	}
	faulty := &element.Element{Name: "Faulty", Symmetry: element.Symmetry(geometry.R000)}
	faulty.Behavior = func(eventwindowapi.Window) { panic("behavior fault") }
	faultyType, err := reg.Allocate(faulty)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	g, err := New(cfg, reg, 1, 1, false, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tl := g.Tile(0, 0)
	center := tl.OwnedCoords()[0]
	tl.Site(center).Assign(atom.New(faultyType), 0)
	if err := tl.RequestState(tile.Active); err != nil {
		t.Fatalf("RequestState: %v", err)
	}

	// center is the only non-Empty site, so the first tick that advances
	// the event counter is the one that ran (and faulted on) it.
	ranEvent := false
	for i := 0; i < 1000 && !ranEvent; i++ {
		before := tl.EventsExecuted()
		tl.Tick()
		ranEvent = tl.EventsExecuted() > before
	}
	if !ranEvent {
		t.Fatal("the faulting event never ran within 1000 ticks")
	}
	if !tl.Site(center).Atom.IsEmpty() {
		t.Fatal("center should have been erased to Empty after the behavior fault")
	}
	if tl.State() != tile.Active {
		t.Fatalf("tile state = %v, want ACTIVE to persist after a behavior fault", tl.State())
	}
}
