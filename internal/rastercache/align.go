package rastercache

import (
	"math"

	"github.com/paulmach/orb"

	"gigatiles/internal/tilecode"
)

// Rect is a screen rectangle in pixels, y growing downward.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) MaxX() float64 { return r.X + r.Width }
func (r Rect) MaxY() float64 { return r.Y + r.Height }

// Round snaps both corners to whole pixels.
func (r Rect) Round() Rect {
	x0, y0 := math.Round(r.X), math.Round(r.Y)
	x1, y1 := math.Round(r.MaxX()), math.Round(r.MaxY())
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// ToScreen maps world bounds to the screen rectangle they occupy in view.
func ToScreen(b orb.Bound, view View) Rect {
	x0 := (b.Min[0] - view.PanOrigin[0]) * view.Scale
	x1 := (b.Max[0] - view.PanOrigin[0]) * view.Scale
	y0 := (view.PanOrigin[1] - b.Max[1]) * view.Scale
	y1 := (view.PanOrigin[1] - b.Min[1]) * view.Scale
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// AlignBounds places the tile at code relative to ref, so that tiles of a
// batch abut with no seams or overlaps even when their raw screen bounds
// round differently.
//
// Column offsets always grow to the right. Row indices may grow up or down
// the screen depending on the grid origin; the direction is taken from the
// raw screen bounds of the tile.
func AlignBounds(ref *RasterTile, code tilecode.Code, raw Rect) Rect {
	dx := float64(int64(code.X) - int64(ref.Code.X))
	dy := float64(int64(code.Y) - int64(ref.Code.Y))
	w, h := ref.Bounds.Width, ref.Bounds.Height

	out := Rect{X: ref.Bounds.X + dx*w, Y: ref.Bounds.Y, Width: w, Height: h}
	if dy == 0 {
		return out
	}
	screenDy := raw.Y - ref.Bounds.Y
	if math.Signbit(dy) == math.Signbit(screenDy) {
		out.Y = ref.Bounds.Y + dy*h
	} else {
		out.Y = ref.Bounds.Y - dy*h
	}
	return out
}
