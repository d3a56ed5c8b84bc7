// Package grid assembles a W x H array of tiles into a running simulation
// (spec.md §4.6): wiring shared boundary locks and cache-processor
// channels at every real adjacency, running one worker goroutine per
// tile, and exposing the grid-wide control surface (start/stop,
// pause/unpause, state requests, warp factor, tile parameters, and the
// lazily-recounted atom census).
package grid

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"

	"mfmcore"
	"mfmcore/internal/cacheproto"
	"mfmcore/internal/element"
	"mfmcore/internal/geometry"
	"mfmcore/internal/lock"
	"mfmcore/internal/mfmlog"
	"mfmcore/internal/paramstore"
	"mfmcore/internal/tile"
)

// ChannelPairFactory creates one linked, full-duplex pair of channels for
// a single shared adjacency between two tiles (spec.md §4.7): side a is
// handed to the tile on one end of the edge, side b to the tile on the
// other end. Grid is transport-agnostic — cmd/mfmgrid supplies the
// in-process implementation, since tiles sharing one process never need
// real sockets.
type ChannelPairFactory func() (a, b cacheproto.Channel)

// edgeDirs is the "forward" half of geometry.Dirs: walking every tile and
// wiring only these four directions visits each undirected adjacency (the
// other four are each edge's mirror, found from the far side) exactly
// once.
var edgeDirs = [4]geometry.Dir{geometry.E, geometry.SE, geometry.S, geometry.SW}

// Grid owns a rows x cols array of tiles and the goroutines driving them.
type Grid struct {
	cfg      mfmcore.Config
	registry *element.Registry
	log      *mfmlog.Logger

	rows, cols int
	toroidal   bool

	tiles  [][]*tile.Tile
	params *paramstore.Store

	counts [][]map[uint16]int64

	warpMu  sync.RWMutex
	limiter *catrate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup

	paused   atomic.Bool
	resumeMu sync.Mutex
	resumeCh chan struct{}
}

// New constructs a rows x cols grid, wiring every real adjacency (wrapping
// at the edges when toroidal is true). chanFactory is invoked once per
// adjacency to obtain the pair of channels the two sides' cache processors
// connect over.
func New(cfg mfmcore.Config, registry *element.Registry, rows, cols int, toroidal bool, chanFactory ChannelPairFactory, log *mfmlog.Logger) (*Grid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("grid: invalid config: %w", err)
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("grid: rows and cols must be positive, got %d x %d", rows, cols)
	}
	if log == nil {
		log = mfmlog.Discard
	}

	g := &Grid{
		cfg:      cfg,
		registry: registry,
		log:      log,
		rows:     rows,
		cols:     cols,
		toroidal: toroidal,
		params:   paramstore.New(),
		stopCh:   make(chan struct{}),
	}
	g.limiter = newWarpLimiter(cfg.WarpFactor)

	g.tiles = make([][]*tile.Tile, rows)
	g.counts = make([][]map[uint16]int64, rows)
	for r := 0; r < rows; r++ {
		g.tiles[r] = make([]*tile.Tile, cols)
		g.counts[r] = make([]map[uint16]int64, cols)
		for c := 0; c < cols; c++ {
			seed := int64(r)*int64(cols) + int64(c) + 1
			rng := rand.New(rand.NewSource(seed))
			g.tiles[r][c] = tile.New(cfg.Geometry, registry, rng, log, cfg.RadiationSiteOdds, cfg.RadiationBitOdds, cfg.StrictCacheConsistency)
			g.counts[r][c] = g.tiles[r][c].CountAtoms()
		}
	}

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			for _, d := range edgeDirs {
				nr, nc, ok := g.neighborIndex(r, c, d)
				if !ok {
					continue
				}
				a, b := g.tiles[r][c], g.tiles[nr][nc]
				boundary := lock.NewBoundary()
				a.SetBoundary(d, boundary)
				b.SetBoundary(d.Opposite(), boundary)

				if chanFactory != nil {
					chA, chB := chanFactory()
					a.Processor(d).Connect(chA)
					b.Processor(d.Opposite()).Connect(chB)
				}
			}
		}
	}

	return g, nil
}

// neighborIndex returns the (row, col) of the tile in direction d from
// (r, c), wrapping for a toroidal grid and reporting ok=false at a
// non-toroidal edge with no such neighbor.
func (g *Grid) neighborIndex(r, c int, d geometry.Dir) (nr, nc int, ok bool) {
	delta := d.Delta()
	nr, nc = r+delta.Y, c+delta.X
	if g.toroidal {
		nr = ((nr % g.rows) + g.rows) % g.rows
		nc = ((nc % g.cols) + g.cols) % g.cols
		return nr, nc, true
	}
	if nr < 0 || nr >= g.rows || nc < 0 || nc >= g.cols {
		return 0, 0, false
	}
	return nr, nc, true
}

// Tile returns the tile at (row, col), for seeding and inspection.
func (g *Grid) Tile(row, col int) *tile.Tile { return g.tiles[row][col] }

// Rows and Cols report the grid's dimensions.
func (g *Grid) Rows() int { return g.rows }
func (g *Grid) Cols() int { return g.cols }

// SetSeed reseeds every tile's random source deterministically from a
// single base seed, for reproducible runs.
func (g *Grid) SetSeed(seed int64) {
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			g.tiles[r][c].SetSeed(seed + int64(r)*int64(g.cols) + int64(c))
		}
	}
}

// RequestStateAll requests scheduler state s on every tile, returning the
// first error encountered (e.g. requesting tile.Off).
func (g *Grid) RequestStateAll(s tile.State) error {
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			if err := g.tiles[r][c].RequestState(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetWarpFactor installs a new go-catrate budget for the scheduler
// throttle (spec.md §4.4), effective for ticks issued after this call.
func (g *Grid) SetWarpFactor(warp int) {
	limiter := newWarpLimiter(warp)
	g.warpMu.Lock()
	g.limiter = limiter
	g.warpMu.Unlock()
}

// newWarpLimiter builds the go-catrate limiter for a warp factor. Warp 10
// maps to a nil budget (mfmcore.WarpBudget), and catrate.NewLimiter
// panics on an empty rate map — so the unthrottled case must stay a
// literal nil *Limiter, never a call to NewLimiter, to get go-catrate's
// documented "nil receiver always allows" behavior instead.
func newWarpLimiter(warp int) *catrate.Limiter {
	budget := mfmcore.WarpBudget(warp)
	if budget == nil {
		return nil
	}
	return catrate.NewLimiter(budget)
}

func (g *Grid) currentLimiter() *catrate.Limiter {
	g.warpMu.RLock()
	defer g.warpMu.RUnlock()
	return g.limiter
}

// SetTileParameter stores a grid-wide tile parameter (spec.md §6),
// readable back via TileParameter. Nothing copies it into any site's
// Sensory block.
func (g *Grid) SetTileParameter(key uint32, value int32) { g.params.Store(key, value) }

// TileParameter reads back a parameter set by SetTileParameter.
func (g *Grid) TileParameter(key uint32) (int32, bool) { return g.params.Load(key) }

// TotalEventsExecuted sums every tile's committed-event counter.
func (g *Grid) TotalEventsExecuted() uint64 {
	var total uint64
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			total += g.tiles[r][c].EventsExecuted()
		}
	}
	return total
}

// AtomCount returns the number of owned sites across the grid currently
// holding atomType, lazily recounting only tiles that have changed since
// their last count (spec.md §4.6).
func (g *Grid) AtomCount(atomType uint16) int64 {
	var total int64
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			t := g.tiles[r][c]
			if t.TakeDirty() {
				g.counts[r][c] = t.CountAtoms()
			}
			total += g.counts[r][c][atomType]
		}
	}
	return total
}

// Start launches one worker goroutine per tile, each ticking the tile's
// scheduler under the grid's current warp-factor throttle until Stop is
// called (spec.md §5: "one OS goroutine per tile").
func (g *Grid) Start() {
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			g.wg.Add(1)
			go g.runTile(g.tiles[r][c])
		}
	}
}

func (g *Grid) runTile(t *tile.Tile) {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			return
		default:
		}
		if _, ok := g.currentLimiter().Allow(t); !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		t.Tick()
		if err := t.Err(); err != nil {
			// Fatal (spec.md §9's Config.StrictCacheConsistency promotion):
			// this tile's run loop unwinds and exits, per mfmerr's Fatal
			// tier. Its boundary locks are never held across ticks (every
			// TryEventAt releases what it acquired before returning), so
			// there's nothing further to drain on this tile's side; a
			// neighbor with work still pending in that direction simply
			// sees this processor stay non-idle forever.
			g.log.Err().Err(err).Log("grid: tile stopped on a fatal cache consistency divergence")
			return
		}
	}
}

// Stop signals every tile worker to exit and waits for them to join
// (spec.md §5: "the grid joins all tile threads before returning").
func (g *Grid) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

// uniqueBoundaries returns every distinct shared lock.Boundary in the
// grid, deduplicated across the two tiles each edge connects.
func (g *Grid) uniqueBoundaries() []*lock.Boundary {
	seen := make(map[*lock.Boundary]bool)
	var list []*lock.Boundary
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			for _, d := range geometry.Dirs {
				b := g.tiles[r][c].Boundary(d)
				if b != nil && !seen[b] {
					seen[b] = true
					list = append(list, b)
				}
			}
		}
	}
	return list
}

// Pause quiesces the grid (spec.md §5): every tile stops starting new
// events but keeps draining its cache processors to idle, and every
// shared boundary's Fence (lock.Boundary.Drain, grounded on tef-crow's
// Fence/Phase) blocks new lock acquisitions until any already in flight
// complete. Pause returns once every boundary's fence is in place; it does
// not wait for the tiles' cache processors to reach idle.
func (g *Grid) Pause() {
	if !g.paused.CompareAndSwap(false, true) {
		return
	}
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			g.tiles[r][c].RequestQuiesce(true)
		}
	}

	resume := make(chan struct{})
	g.resumeMu.Lock()
	g.resumeCh = resume
	g.resumeMu.Unlock()

	boundaries := g.uniqueBoundaries()
	var ready sync.WaitGroup
	ready.Add(len(boundaries))
	for _, b := range boundaries {
		b := b
		go b.Drain(func() {
			ready.Done()
			<-resume
		})
	}
	ready.Wait()
}

// Unpause releases a prior Pause, letting boundary fences clear and tiles
// resume starting new events.
func (g *Grid) Unpause() {
	if !g.paused.CompareAndSwap(true, false) {
		return
	}
	g.resumeMu.Lock()
	resume := g.resumeCh
	g.resumeCh = nil
	g.resumeMu.Unlock()
	if resume != nil {
		close(resume)
	}
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			g.tiles[r][c].RequestQuiesce(false)
		}
	}
}
