// Package geometry implements the Manhattan-disc neighborhood, the
// concentric tile bands, and the point symmetries that the event window
// and tile scheduler are built on.
package geometry

import "fmt"

// Dir names one of the eight tile adjacencies, in the canonical acquisition
// order the locking subsystem relies on to avoid circular waits (§4.3).
type Dir int

const (
	N Dir = iota
	NE
	E
	SE
	S
	SW
	W
	NW
	numDirs
)

// Dirs lists all eight directions in canonical order.
var Dirs = [numDirs]Dir{N, NE, E, SE, S, SW, W, NW}

func (d Dir) String() string {
	switch d {
	case N:
		return "N"
	case NE:
		return "NE"
	case E:
		return "E"
	case SE:
		return "SE"
	case S:
		return "S"
	case SW:
		return "SW"
	case W:
		return "W"
	case NW:
		return "NW"
	default:
		return fmt.Sprintf("Dir(%d)", int(d))
	}
}

// Delta is the unit tile-coordinate offset for a direction.
func (d Dir) Delta() Point {
	switch d {
	case N:
		return Point{0, -1}
	case NE:
		return Point{1, -1}
	case E:
		return Point{1, 0}
	case SE:
		return Point{1, 1}
	case S:
		return Point{0, 1}
	case SW:
		return Point{-1, 1}
	case W:
		return Point{-1, 0}
	case NW:
		return Point{-1, -1}
	default:
		panic("geometry: invalid direction")
	}
}

// Opposite returns the direction a neighbor uses to refer back to us.
func (d Dir) Opposite() Dir {
	return (d + 4) % numDirs
}

// Point is a tile-local or absolute grid coordinate.
type Point struct {
	X, Y int
}

// Add returns p+q.
func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y} }

// Sub returns p-q.
func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }

// ManhattanDistance is |X|+|Y|.
func (p Point) ManhattanDistance() int {
	return abs(p.X) + abs(p.Y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Band classifies a site by distance from its tile's edge, per spec.md §3.
type Band int

const (
	Cache Band = iota
	Shared
	Visible
	Hidden
)

func (b Band) String() string {
	switch b {
	case Cache:
		return "CACHE"
	case Shared:
		return "SHARED"
	case Visible:
		return "VISIBLE"
	case Hidden:
		return "HIDDEN"
	default:
		return fmt.Sprintf("Band(%d)", int(b))
	}
}

// Config captures the compile-time-ish parameters of a tile's geometry:
// event-window radius and tile side length. A single record threaded
// through construction, per DESIGN NOTES §9, rather than re-derived ad hoc
// at every call site.
type Config struct {
	R        int
	TileSide int
}

// OwnedSide is TILE_SIDE - 2R, the side length of the owned region.
func (c Config) OwnedSide() int { return c.TileSide - 2*c.R }

// Validate enforces spec.md §3's TILE_SIDE >= 3R and even requirement.
func (c Config) Validate() error {
	if c.R <= 0 {
		return fmt.Errorf("geometry: radius must be positive, got %d", c.R)
	}
	if c.TileSide < 3*c.R {
		return fmt.Errorf("geometry: tile side %d must be >= 3*R (%d)", c.TileSide, 3*c.R)
	}
	if c.TileSide%2 != 0 {
		return fmt.Errorf("geometry: tile side %d must be even", c.TileSide)
	}
	return nil
}

// edgeDistance is the distance from p to the nearest tile edge, in a
// TileSide x TileSide tile.
func (c Config) edgeDistance(p Point) int {
	left := p.X
	right := c.TileSide - 1 - p.X
	top := p.Y
	bottom := c.TileSide - 1 - p.Y
	d := left
	if right < d {
		d = right
	}
	if top < d {
		d = top
	}
	if bottom < d {
		d = bottom
	}
	return d
}

// BandOf classifies a tile-local coordinate per spec.md §3's table.
func (c Config) BandOf(p Point) Band {
	d := c.edgeDistance(p)
	switch {
	case d < c.R:
		return Cache
	case d < 2*c.R:
		return Shared
	case d < 3*c.R:
		return Visible
	default:
		return Hidden
	}
}

// Owned reports whether p lies in any band other than Cache.
func (c Config) Owned(p Point) bool {
	return c.BandOf(p) != Cache
}

// CacheDirs returns, in canonical order, the directions of the neighbors
// that also hold p: the neighbor that owns it and, for a corner point, the
// two edge neighbors that cache it too (a NE corner point yields N, NE and
// E). It is the mirror-image computation to OverlappingDirs, for a p in
// this tile's own CACHE band (distance < R from an edge, rather than
// OverlappingDirs' < 2R). A write landing here is this tile's local copy
// of a site a neighbor owns, so it still needs
// shipping as an authoritative update once committed (spec.md §4.1 steps
// 6-8; a CACHE-band write is not merely a local preview).
func (c Config) CacheDirs(p Point) []Dir {
	left := p.X < c.R
	right := p.X > c.TileSide-1-c.R
	top := p.Y < c.R
	bottom := p.Y > c.TileSide-1-c.R

	var dirs []Dir
	add := func(d Dir) { dirs = append(dirs, d) }
	if top {
		add(N)
	}
	if top && right {
		add(NE)
	}
	if right {
		add(E)
	}
	if bottom && right {
		add(SE)
	}
	if bottom {
		add(S)
	}
	if bottom && left {
		add(SW)
	}
	if left {
		add(W)
	}
	if top && left {
		add(NW)
	}
	return dirs
}

// InBounds reports whether p is a valid coordinate within the tile.
func (c Config) InBounds(p Point) bool {
	return p.X >= 0 && p.X < c.TileSide && p.Y >= 0 && p.Y < c.TileSide
}

// NeighborLocal translates a coordinate from this tile's local frame into
// the local frame of the neighbor in direction d. The event window applies
// it on the sending side before encoding an UPDATE frame, so coordinates on
// the wire are already in the receiver's frame and the receiver does not
// transform them (spec.md §6). Adjacent tiles' owned regions tile the plane without gaps, so their
// local origins differ by one OwnedSide per step in d; subtracting that
// offset lands p in the neighbor's frame at the same world position.
func (c Config) NeighborLocal(d Dir, p Point) Point {
	delta := d.Delta()
	return Point{p.X - delta.X*c.OwnedSide(), p.Y - delta.Y*c.OwnedSide()}
}

// WindowOffsets enumerates the Manhattan disc of radius R, centered at the
// origin, in a deterministic order (row-major). Used by the event window to
// stage reads/writes over a neighborhood.
func (c Config) WindowOffsets() []Point {
	offsets := make([]Point, 0, 2*c.R*c.R+2*c.R+1)
	for dy := -c.R; dy <= c.R; dy++ {
		for dx := -c.R; dx <= c.R; dx++ {
			p := Point{dx, dy}
			if p.ManhattanDistance() <= c.R {
				offsets = append(offsets, p)
			}
		}
	}
	return offsets
}

// OverlappingDirs returns, in canonical order, the directions whose cache
// border a window centered at `center` reaches into. A radius-R window
// centered at distance d from an edge can reach as close as d-R to that
// edge; it overlaps the neighbor's cache (distance < R from the edge) iff
// d < 2R, i.e. iff center lies in that edge's SHARED band or nearer.
func (c Config) OverlappingDirs(center Point) []Dir {
	if !c.Owned(center) {
		panic("geometry: event center must be an owned coordinate")
	}
	left := center.X < 2*c.R
	right := center.X > c.TileSide-1-2*c.R
	top := center.Y < 2*c.R
	bottom := center.Y > c.TileSide-1-2*c.R

	var dirs []Dir
	add := func(d Dir) { dirs = append(dirs, d) }
	if top {
		add(N)
	}
	if top && right {
		add(NE)
	}
	if right {
		add(E)
	}
	if bottom && right {
		add(SE)
	}
	if bottom {
		add(S)
	}
	if bottom && left {
		add(SW)
	}
	if left {
		add(W)
	}
	if top && left {
		add(NW)
	}
	return dirs
}
