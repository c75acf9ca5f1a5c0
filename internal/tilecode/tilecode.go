// Package tilecode addresses cells of a per-layer quadtree grid.
//
// At level L the grid is 2^L x 2^L tiles over the layer extent. Level 0 is a
// single tile covering the whole extent. Rows are counted from the top of the
// extent downward (top-left origin) unless a Grid says otherwise.
package tilecode

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// MaxLevel is the deepest supported quadtree level.
const MaxLevel = 30

// Code identifies one tile. It is a value type and safe to use as a map key.
type Code struct {
	Level uint32 `json:"level"`
	X     uint32 `json:"x"`
	Y     uint32 `json:"y"`
}

// New returns the code for (level, x, y). Out-of-range input is a programming
// error and panics.
func New(level, x, y uint32) Code {
	c := Code{Level: level, X: x, Y: y}
	c.mustValid()
	return c
}

// Valid reports whether the code addresses a cell of its level's grid.
func (c Code) Valid() bool {
	if c.Level > MaxLevel {
		return false
	}
	n := uint64(1) << c.Level
	return uint64(c.X) < n && uint64(c.Y) < n
}

func (c Code) mustValid() {
	if !c.Valid() {
		panic(fmt.Sprintf("tilecode: invalid code %s", c))
	}
}

func (c Code) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Level, c.X, c.Y)
}

// TilesPerAxis returns 2^level.
func TilesPerAxis(level uint32) uint64 {
	if level > MaxLevel {
		panic(fmt.Sprintf("tilecode: level %d exceeds max level %d", level, MaxLevel))
	}
	return uint64(1) << level
}

// Children returns the four codes at level+1 covering c, in row-major order.
func (c Code) Children() [4]Code {
	c.mustValid()
	if c.Level == MaxLevel {
		panic(fmt.Sprintf("tilecode: %s has no children", c))
	}
	l, x, y := c.Level+1, c.X*2, c.Y*2
	return [4]Code{
		{Level: l, X: x, Y: y},
		{Level: l, X: x + 1, Y: y},
		{Level: l, X: x, Y: y + 1},
		{Level: l, X: x + 1, Y: y + 1},
	}
}

// Parent returns the code one level up. The root has no parent.
func (c Code) Parent() (Code, bool) {
	c.mustValid()
	if c.Level == 0 {
		return Code{}, false
	}
	return Code{Level: c.Level - 1, X: c.X / 2, Y: c.Y / 2}, true
}

// Bounds returns the bounds of c over extent using the top-left origin.
//
// Edges are computed as extent.Min + size*i/n so that the four children of a
// tile share their parent's edges exactly.
func Bounds(extent orb.Bound, c Code) orb.Bound {
	return Grid{Extent: extent}.Bounds(c)
}

// LevelForScale picks the level whose tiles appear closest to preferredTilePx
// pixels wide on screen at the given scale (pixels per world unit). When the
// ideal level falls exactly between two levels the coarser one wins.
//
// Tiles at the chosen level are drawn between preferredTilePx/sqrt(2) and
// preferredTilePx*sqrt(2) pixels wide, so they can come out smaller than
// preferredTilePx.
func LevelForScale(extent orb.Bound, preferredTilePx, scale float64) uint32 {
	width := extent.Max[0] - extent.Min[0]
	if width <= 0 || preferredTilePx <= 0 || scale <= 0 {
		return 0
	}
	return levelFromIdeal(math.Log2(width * scale / preferredTilePx))
}

func levelFromIdeal(ideal float64) uint32 {
	level := math.Ceil(ideal - 0.5)
	if level < 0 || math.IsNaN(level) {
		return 0
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return uint32(level)
}
