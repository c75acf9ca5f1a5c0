package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigatiles/internal/async"
	"gigatiles/internal/client"
	"gigatiles/internal/protocol"
	"gigatiles/internal/rastercache"
	"gigatiles/internal/tilecode"
	"gigatiles/internal/vectorcache"
)

var ErrBadScript = errors.New("malformed script")

type Options struct {
	Server string
	Layer  string
	Width  int
	Height int
	Scale  float64
	Script string
	Style  string
	Filter string
	Labels bool
	Settle time.Duration
}

type Summary struct {
	Steps   int
	Updates int
	Deletes int
}

// Step is one viewport change. Pan offsets are screen pixels.
type Step struct {
	Pan  orb.Point
	Zoom float64
}

// ParseScript reads "pan:dx,dy;zoom:factor;...".
func ParseScript(script string) ([]Step, error) {
	var steps []Step
	for _, part := range strings.Split(script, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		op, args, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBadScript, part)
		}
		switch strings.TrimSpace(op) {
		case "pan":
			dx, dy, ok := strings.Cut(args, ",")
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrBadScript, part)
			}
			x, errX := strconv.ParseFloat(strings.TrimSpace(dx), 64)
			y, errY := strconv.ParseFloat(strings.TrimSpace(dy), 64)
			if errX != nil || errY != nil {
				return nil, fmt.Errorf("%w: %q", ErrBadScript, part)
			}
			steps = append(steps, Step{Pan: orb.Point{x, y}})
		case "zoom":
			f, err := strconv.ParseFloat(strings.TrimSpace(args), 64)
			if err != nil || f <= 0 {
				return nil, fmt.Errorf("%w: %q", ErrBadScript, part)
			}
			steps = append(steps, Step{Zoom: f})
		default:
			return nil, fmt.Errorf("%w: unknown step %q", ErrBadScript, op)
		}
	}
	return steps, nil
}

// Viewport is a screen of Width x Height pixels showing the world around
// Center at Scale pixels per world unit.
type Viewport struct {
	Center    orb.Point
	Width     int
	Height    int
	Scale     float64
	PanOrigin orb.Point
}

func NewViewport(center orb.Point, width, height int, scale float64) Viewport {
	v := Viewport{Center: center, Width: width, Height: height, Scale: scale}
	v.PanOrigin = v.topLeft()
	return v
}

func (v Viewport) Bounds() orb.Bound {
	hw := float64(v.Width) / 2 / v.Scale
	hh := float64(v.Height) / 2 / v.Scale
	return orb.Bound{
		Min: orb.Point{v.Center[0] - hw, v.Center[1] - hh},
		Max: orb.Point{v.Center[0] + hw, v.Center[1] + hh},
	}
}

func (v Viewport) topLeft() orb.Point {
	b := v.Bounds()
	return orb.Point{b.Min[0], b.Max[1]}
}

// Apply moves the viewport. Screen y grows downward, so a positive pan dy
// moves the view south. Zooming re-anchors the pan origin.
func (v Viewport) Apply(s Step) Viewport {
	if s.Zoom > 0 {
		v.Scale *= s.Zoom
		v.PanOrigin = v.topLeft()
		return v
	}
	v.Center = orb.Point{v.Center[0] + s.Pan[0]/v.Scale, v.Center[1] - s.Pan[1]/v.Scale}
	return v
}

func (v Viewport) RasterView() rastercache.View {
	return rastercache.View{Bounds: v.Bounds(), Scale: v.Scale, PanOrigin: v.PanOrigin}
}

// Run drives the matching client cache through the script. All cache work
// happens on one loop goroutine.
func Run(ctx context.Context, opts Options, log *zap.Logger) (Summary, error) {
	steps, err := ParseScript(opts.Script)
	if err != nil {
		return Summary{}, err
	}

	loop := async.NewLoop(256)
	transport := client.New(opts.Server, loop, log)

	catalog, err := transport.Catalog(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load catalog: %w", err)
	}
	layer, err := pickLayer(catalog, opts.Layer)
	if err != nil {
		return Summary{}, err
	}

	width := layer.Extent.Max[0] - layer.Extent.Min[0]
	scale := opts.Scale
	if scale <= 0 && width > 0 {
		scale = float64(opts.Width) / width
	}
	viewport := NewViewport(layer.Extent.Center(), opts.Width, opts.Height, scale)

	var summary Summary
	apply := newSyncer(layer, opts, transport, log, &summary)

	loopCtx, stopLoop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(loopCtx)
	}()

	views := []Viewport{viewport}
	for _, s := range steps {
		viewport = viewport.Apply(s)
		views = append(views, viewport)
	}

	for i, v := range views {
		if err := loop.Post(func() { apply(v) }); err != nil {
			break
		}
		log.Info("Viewport",
			zap.Int("step", i),
			zap.Float64s("center", v.Center[:]),
			zap.Float64("scale", v.Scale),
		)
		select {
		case <-ctx.Done():
		case <-time.After(opts.Settle):
		}
		if ctx.Err() != nil {
			break
		}
		summary.Steps++
	}

	stopLoop()
	<-done
	return summary, nil
}

func pickLayer(catalog protocol.Catalog, id string) (protocol.LayerInfo, error) {
	if len(catalog.Layers) == 0 {
		return protocol.LayerInfo{}, errors.New("server has no layers")
	}
	if id == "" {
		return catalog.Layers[0], nil
	}
	for _, l := range catalog.Layers {
		if l.ID == id {
			return l, nil
		}
	}
	return protocol.LayerInfo{}, fmt.Errorf("layer %s not found", id)
}

// newSyncer returns the function that pushes one viewport into the cache
// matching the layer kind. It must run on the loop.
func newSyncer(layer protocol.LayerInfo, opts Options, transport *client.Transport, log *zap.Logger, summary *Summary) func(Viewport) {
	if layer.Kind == "raster" {
		store := rastercache.New(layer.ID, opts.Style, transport, log)
		onDelete := func(t *rastercache.RasterTile) {
			summary.Deletes++
			log.Info("Raster tile deleted", zap.Stringer("tile", t.Code))
		}
		onUpdate := func(t *rastercache.RasterTile) {
			summary.Updates++
			log.Info("Raster tile updated",
				zap.Stringer("tile", t.Code),
				zap.String("url", t.URL),
				zap.Float64s("screen", []float64{t.Bounds.X, t.Bounds.Y, t.Bounds.Width, t.Bounds.Height}),
			)
		}
		return func(v Viewport) {
			store.ApplyAndSync(v.RasterView(), onDelete, onUpdate)
		}
	}

	cache := vectorcache.New(layer.ID, tilecode.Grid{Extent: layer.Extent}, vectorcache.DefaultTilePixels, transport, log)
	onDelete := func(t *vectorcache.VectorTile) {
		summary.Deletes++
		log.Info("Vector tile deleted", zap.Stringer("tile", t.Code))
	}
	onUpdate := func(t *vectorcache.VectorTile) {
		summary.Updates++
		log.Info("Vector tile updated",
			zap.Stringer("tile", t.Code),
			zap.Int("bytes", len(t.Features().Value)),
			zap.Int("dependents", len(t.Dependents())),
		)
	}
	return func(v Viewport) {
		fp := protocol.Fingerprint{
			StyleID:    opts.Style,
			Filter:     opts.Filter,
			Origin:     v.PanOrigin,
			Scale:      v.Scale,
			Width:      v.Width,
			Height:     v.Height,
			Geometries: true,
			Labels:     opts.Labels,
		}
		cache.QueryAndSync(v.Bounds(), fp, onDelete, onUpdate)
	}
}
