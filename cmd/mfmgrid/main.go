// Command mfmgrid is a minimal driver for the grid core: it assembles a
// small grid, seeds it with a demo element, runs it for a fixed duration,
// and reports the resulting atom census. It exists to exercise
// internal/grid end to end (spec.md §4.7's "the core defines only the
// Channel interface; an embedder supplies the transport"); a real
// renderer or scripting front end is explicitly out of scope (spec.md §1).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"mfmcore"
	"mfmcore/internal/atom"
	"mfmcore/internal/element"
	"mfmcore/internal/eventwindowapi"
	"mfmcore/internal/geometry"
	"mfmcore/internal/grid"
	"mfmcore/internal/mfmlog"
	"mfmcore/internal/tile"
)

func main() {
	rows := flag.Int("rows", 2, "grid rows")
	cols := flag.Int("cols", 2, "grid cols")
	tileSide := flag.Int("tile-side", 24, "tile side length")
	radius := flag.Int("radius", 4, "event window radius")
	warp := flag.Int("warp", 8, "warp factor, 0-10")
	toroidal := flag.Bool("toroidal", false, "wrap grid edges into a torus")
	seed := flag.Int64("seed", 1, "base random seed")
	runFor := flag.Duration("run-for", 2*time.Second, "how long to run before reporting")
	flag.Parse()

	log := mfmlog.New(os.Stderr)

	cfg := mfmcore.Config{
		Geometry:    geometry.Config{R: *radius, TileSide: *tileSide},
		WarpFactor:  *warp,
		ElementBits: 4,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "mfmgrid: invalid config:", err)
		os.Exit(1)
	}

	registry := element.NewRegistry(cfg.ElementBits)
	if err := registry.RegisterEmpty(&element.Element{Name: "Empty"}); err != nil {
		fmt.Fprintln(os.Stderr, "mfmgrid: register Empty:", err)
		os.Exit(1)
	}
	dust := &element.Element{
		Name:             "Dust",
		Symbol:           "Du",
		DiffusabilityPct: element.CompleteDiffusability,
		Symmetry:         element.Symmetry(geometry.R000),
		Behavior:         dustBehavior,
	}
	dustType, err := registry.Allocate(dust)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mfmgrid: register Dust:", err)
		os.Exit(1)
	}
	dust.DefaultAtom = atom.New(dustType)

	g, err := grid.New(cfg, registry, *rows, *cols, *toroidal, newBufferedChannelPair, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mfmgrid: build grid:", err)
		os.Exit(1)
	}
	g.SetSeed(*seed)
	seedDust(g, dustType)

	if err := g.RequestStateAll(tile.Active); err != nil {
		fmt.Fprintln(os.Stderr, "mfmgrid: request active:", err)
		os.Exit(1)
	}

	g.Start()
	time.Sleep(*runFor)
	g.Stop()

	fmt.Printf("events executed: %d\n", g.TotalEventsExecuted())
	fmt.Printf("Empty count:     %d\n", g.AtomCount(0))
	fmt.Printf("Dust count:      %d\n", g.AtomCount(dustType))
}

// dustBehavior is a trivial demo element: it wanders by diffusing to one
// of its four orthogonal neighbors each event, never otherwise acting.
func dustBehavior(w eventwindowapi.Window) {
	offsets := [4]geometry.Point{{X: 1}, {X: -1}, {Y: 1}, {Y: -1}}
	choice := offsets[int(w.Rand()%uint32(len(offsets)))]
	w.Diffuse(choice)
}

// seedDust places one Dust atom at the first owned coordinate of every
// tile, a minimal nonempty starting pattern.
func seedDust(g *grid.Grid, dustType uint16) {
	for r := 0; r < g.Rows(); r++ {
		for c := 0; c < g.Cols(); c++ {
			t := g.Tile(r, c)
			coords := t.OwnedCoords()
			if len(coords) == 0 {
				continue
			}
			t.Site(coords[0]).Assign(atom.New(dustType), 0)
		}
	}
}
