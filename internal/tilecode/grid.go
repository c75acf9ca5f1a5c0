package tilecode

import (
	"math"

	"github.com/paulmach/orb"
)

// Origin tells which corner of the extent row 0 starts from.
type Origin int

const (
	// TopLeft counts rows downward from the top edge of the extent.
	TopLeft Origin = iota
	// BottomLeft counts rows upward from the bottom edge, as some raster
	// tile sources do.
	BottomLeft
)

func (o Origin) String() string {
	if o == BottomLeft {
		return "bottom-left"
	}
	return "top-left"
}

// Grid is the quadtree laid over one layer's maximum extent.
type Grid struct {
	Extent orb.Bound
	Origin Origin
}

// Bounds returns the world bounds of c. It is pure and deterministic.
func (g Grid) Bounds(c Code) orb.Bound {
	c.mustValid()
	n := float64(TilesPerAxis(c.Level))
	w := g.Extent.Max[0] - g.Extent.Min[0]
	h := g.Extent.Max[1] - g.Extent.Min[1]

	minX := g.Extent.Min[0] + w*float64(c.X)/n
	maxX := g.Extent.Min[0] + w*float64(c.X+1)/n

	var minY, maxY float64
	if g.Origin == BottomLeft {
		minY = g.Extent.Min[1] + h*float64(c.Y)/n
		maxY = g.Extent.Min[1] + h*float64(c.Y+1)/n
	} else {
		maxY = g.Extent.Max[1] - h*float64(c.Y)/n
		minY = g.Extent.Max[1] - h*float64(c.Y+1)/n
	}

	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
}

// Cover returns every code at level whose bounds overlap bbox by more than an
// edge, clamped to the grid. The result is ordered row by row.
func (g Grid) Cover(bbox orb.Bound, level uint32) []Code {
	if !g.Extent.Intersects(bbox) {
		return nil
	}
	n := TilesPerAxis(level)

	x0, x1 := span(bbox.Min[0]-g.Extent.Min[0], bbox.Max[0]-g.Extent.Min[0], g.Extent.Max[0]-g.Extent.Min[0], n)

	var y0, y1 uint32
	h := g.Extent.Max[1] - g.Extent.Min[1]
	if g.Origin == BottomLeft {
		y0, y1 = span(bbox.Min[1]-g.Extent.Min[1], bbox.Max[1]-g.Extent.Min[1], h, n)
	} else {
		y0, y1 = span(g.Extent.Max[1]-bbox.Max[1], g.Extent.Max[1]-bbox.Min[1], h, n)
	}

	codes := make([]Code, 0, int(x1-x0+1)*int(y1-y0+1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			codes = append(codes, Code{Level: level, X: x, Y: y})
		}
	}
	return codes
}

// CodeAt returns the code at level containing p, clamped to the grid.
func (g Grid) CodeAt(p orb.Point, level uint32) Code {
	codes := g.Cover(orb.Bound{Min: p, Max: p}, level)
	if len(codes) == 0 {
		n := TilesPerAxis(level)
		x := clampIndex(math.Floor((p[0]-g.Extent.Min[0])/(g.Extent.Max[0]-g.Extent.Min[0])*float64(n)), n)
		var y uint32
		if g.Origin == BottomLeft {
			y = clampIndex(math.Floor((p[1]-g.Extent.Min[1])/(g.Extent.Max[1]-g.Extent.Min[1])*float64(n)), n)
		} else {
			y = clampIndex(math.Floor((g.Extent.Max[1]-p[1])/(g.Extent.Max[1]-g.Extent.Min[1])*float64(n)), n)
		}
		return Code{Level: level, X: x, Y: y}
	}
	return codes[0]
}

// span maps the offsets [lo, hi] along an axis of length size onto the range
// of tile indices they touch.
func span(lo, hi, size float64, n uint64) (uint32, uint32) {
	if size <= 0 {
		return 0, 0
	}
	first := clampIndex(math.Floor(lo/size*float64(n)), n)
	last := clampIndex(math.Ceil(hi/size*float64(n))-1, n)
	if last < first {
		last = first
	}
	return first, last
}

func clampIndex(v float64, n uint64) uint32 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > float64(n-1) {
		return uint32(n - 1)
	}
	return uint32(v)
}
