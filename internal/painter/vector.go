package painter

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"

	"gigatiles/internal/layers"
	"gigatiles/internal/protocol"
	"gigatiles/internal/tilecode"
)

const (
	// DefaultLabelAttribute is read when a style names no label property.
	DefaultLabelAttribute = "name"
	// MaxDependents bounds the dependents of one tile. Features spanning more
	// tiles than this are painted but not linked.
	MaxDependents = 256
)

// VectorPainter paints GeoJSON layers.
type VectorPainter struct{}

func NewVectorPainter() *VectorPainter {
	return &VectorPainter{}
}

func (p *VectorPainter) Paint(ctx context.Context, tile Tile, style Style) (Result, error) {
	if tile.Layer.Kind != layers.KindVector || tile.Layer.Features == nil {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrWrongKind, tile.Layer.ID, tile.Layer.Kind)
	}
	filter, err := ParseFilter(style.Filter)
	if err != nil {
		return Result{}, err
	}
	labelAttr := style.LabelAttribute
	if labelAttr == "" {
		labelAttr = DefaultLabelAttribute
	}

	grid := tile.Layer.Grid()
	painted := geojson.NewFeatureCollection()
	labels := geojson.NewFeatureCollection()
	envelope := tile.Bounds
	deps := make(map[tilecode.Code]struct{})

	for i, f := range tile.Layer.Features.Features {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
		if f.Geometry == nil || !filter.Match(f.Properties) {
			continue
		}
		full := f.Geometry.Bound()
		if !full.Intersects(tile.Bounds) {
			continue
		}
		clipped := clip.Geometry(tile.Bounds, f.Geometry)
		if clipped == nil {
			continue
		}

		out := geojson.NewFeature(clipped)
		out.ID = f.ID
		for k, v := range f.Properties {
			out.Properties[k] = v
		}
		painted.Append(out)
		envelope = envelope.Union(full)

		if style.Labels {
			if text, ok := f.Properties[labelAttr]; ok {
				label := geojson.NewFeature(clipped.Bound().Center())
				label.ID = f.ID
				label.Properties["label"] = fmt.Sprint(text)
				labels.Append(label)
			}
		}

		if !tileContains(tile.Bounds, full) {
			linkDependents(grid, tile.Code, full, deps)
		}
	}

	res := Result{Envelope: envelope, Dependents: sortedCodes(deps)}
	if style.Geometries && len(painted.Features) > 0 {
		data, err := painted.MarshalJSON()
		if err != nil {
			return Result{}, fmt.Errorf("failed to encode features: %w", err)
		}
		res.Features = protocol.Content{Type: protocol.StringContent, Value: string(data)}
	}
	if style.Labels && len(labels.Features) > 0 {
		data, err := labels.MarshalJSON()
		if err != nil {
			return Result{}, fmt.Errorf("failed to encode labels: %w", err)
		}
		res.Labels = protocol.Content{Type: protocol.StringContent, Value: string(data)}
	}
	return res, nil
}

// linkDependents adds the same-level codes a feature spills into.
func linkDependents(grid tilecode.Grid, self tilecode.Code, featureBounds orb.Bound, deps map[tilecode.Code]struct{}) {
	if estimateCover(grid, featureBounds, self.Level) > MaxDependents {
		return
	}
	for _, code := range grid.Cover(featureBounds, self.Level) {
		if code == self || len(deps) >= MaxDependents {
			continue
		}
		deps[code] = struct{}{}
	}
}

func estimateCover(grid tilecode.Grid, b orb.Bound, level uint32) float64 {
	n := float64(tilecode.TilesPerAxis(level))
	w := grid.Extent.Max[0] - grid.Extent.Min[0]
	h := grid.Extent.Max[1] - grid.Extent.Min[1]
	if w <= 0 || h <= 0 {
		return 1
	}
	cols := (b.Max[0]-b.Min[0])/w*n + 2
	rows := (b.Max[1]-b.Min[1])/h*n + 2
	return cols * rows
}

func tileContains(tile, b orb.Bound) bool {
	return tile.Min[0] <= b.Min[0] && tile.Min[1] <= b.Min[1] &&
		tile.Max[0] >= b.Max[0] && tile.Max[1] >= b.Max[1]
}

func sortedCodes(set map[tilecode.Code]struct{}) []tilecode.Code {
	if len(set) == 0 {
		return nil
	}
	out := make([]tilecode.Code, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b tilecode.Code) int {
		if a.Y != b.Y {
			return cmp.Compare(a.Y, b.Y)
		}
		return cmp.Compare(a.X, b.X)
	})
	return out
}
