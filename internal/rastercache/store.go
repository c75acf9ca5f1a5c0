// Package rastercache is the client-side store of pre-rendered raster tiles
// for one layer.
//
// Raster tiles are requested in batches covering an envelope three times the
// size of the view, so that panning inside it needs no request at all. A Store
// is single-threaded, like the vector cache.
package rastercache

import (
	"cmp"
	"math"
	"slices"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigatiles/internal/async"
	"gigatiles/internal/protocol"
	"gigatiles/internal/tilecode"
)

// EnvelopeFactor is how much larger than the view a batch request is.
const EnvelopeFactor = 3

const scaleEpsilon = 1e-9

// Transport issues raster batch requests. Completions must be delivered on
// the store's goroutine.
type Transport interface {
	FetchRaster(req protocol.RasterBatchRequest) *async.Deferred[protocol.RasterBatchResponse]
}

// View is what the map shows. PanOrigin is the world point drawn at screen
// (0, 0); it stays put while the user pans and only moves on zoom.
type View struct {
	Bounds    orb.Bound
	Scale     float64
	PanOrigin orb.Point
}

// Callback receives a raster tile to draw or remove.
type Callback func(*RasterTile)

// RasterTile is one pre-rendered image placed on screen.
type RasterTile struct {
	Code  tilecode.Code
	World orb.Bound
	URL   string
	Style string

	// Bounds is the screen rectangle the image is drawn in, aligned to the
	// rest of its batch.
	Bounds Rect
}

// Store holds the raster tiles of one layer at the current scale.
type Store struct {
	layer     string
	style     string
	transport Transport
	logger    *zap.Logger

	tiles map[tilecode.Code]*RasterTile
	level uint32

	tileBounds    orb.Bound
	hasTileBounds bool

	view    View
	hasView bool
	dirty   bool

	inflight *async.Deferred[protocol.RasterBatchResponse]
}

func New(layer, style string, transport Transport, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		layer:     layer,
		style:     style,
		transport: transport,
		logger:    logger,
		tiles:     make(map[tilecode.Code]*RasterTile),
	}
}

func (s *Store) Len() int      { return len(s.tiles) }
func (s *Store) IsDirty() bool { return s.dirty }

// TileBounds returns the world envelope of the last batch request.
func (s *Store) TileBounds() (orb.Bound, bool) {
	return s.tileBounds, s.hasTileBounds
}

// Tiles returns the stored tiles ordered by code.
func (s *Store) Tiles() []*RasterTile {
	out := make([]*RasterTile, 0, len(s.tiles))
	for _, code := range s.sortedCodes() {
		out = append(out, s.tiles[code])
	}
	return out
}

// SetStyle switches the style used for future requests and marks the store
// dirty.
func (s *Store) SetStyle(style string) {
	if style == s.style {
		return
	}
	s.style = style
	s.Clear()
}

// ApplyAndSync brings the store in line with view.
//
// Any change other than a pan, or a pending Clear, first cancels the
// in-flight request and hands every stored tile to onDelete. When the view
// lies inside the envelope of the last request, the tiles overlapping it go
// to onUpdate straight away. Otherwise a new batch is requested and onUpdate
// runs once it arrives.
func (s *Store) ApplyAndSync(view View, onDelete, onUpdate Callback) {
	panning := s.hasView && s.isPan(view)
	if !panning || s.dirty {
		s.cancel()
		s.deleteAll(onDelete)
		s.dirty = false
		s.hasTileBounds = false
	}
	s.view, s.hasView = view, true

	if s.hasTileBounds && contains(s.tileBounds, view.Bounds) {
		s.emit(onUpdate)
		return
	}

	s.cancel()
	envelope := grow(view.Bounds, EnvelopeFactor)
	s.tileBounds, s.hasTileBounds = envelope, true

	req := protocol.RasterBatchRequest{
		Layer:  s.layer,
		Bounds: envelope,
		Scale:  view.Scale,
		Style:  s.style,
	}
	d := s.transport.FetchRaster(req)
	s.inflight = d
	s.logger.Debug("Fetching raster batch",
		zap.String("layer", s.layer),
		zap.Float64("scale", view.Scale),
		zap.Float64s("envelope", []float64{envelope.Min[0], envelope.Min[1], envelope.Max[0], envelope.Max[1]}),
	)

	d.OnComplete(func(resp protocol.RasterBatchResponse, err error) {
		if d != s.inflight {
			return
		}
		s.inflight = nil
		if err != nil {
			s.logger.Warn("Raster batch fetch failed", zap.String("layer", s.layer), zap.Error(err))
			s.hasTileBounds = false
			return
		}
		s.merge(resp, view)
		s.emit(onUpdate)
	})
}

// Clear marks the store dirty and abandons any in-flight request. Stored
// tiles are handed to onDelete on the next ApplyAndSync.
func (s *Store) Clear() {
	s.dirty = true
	s.cancel()
}

// isPan reports whether view differs from the current one only by
// translation. Screen rectangles are relative to PanOrigin, so moving it
// invalidates them.
func (s *Store) isPan(view View) bool {
	return view.PanOrigin == s.view.PanOrigin &&
		near(view.Scale, s.view.Scale) &&
		near(view.Bounds.Max[0]-view.Bounds.Min[0], s.view.Bounds.Max[0]-s.view.Bounds.Min[0]) &&
		near(view.Bounds.Max[1]-view.Bounds.Min[1], s.view.Bounds.Max[1]-s.view.Bounds.Min[1])
}

func (s *Store) merge(resp protocol.RasterBatchResponse, view View) {
	var ref *RasterTile
	if len(s.tiles) > 0 && s.level == resp.Level {
		ref = s.tiles[s.sortedCodes()[0]]
	} else if len(s.tiles) == 0 {
		s.level = resp.Level
	}

	added := 0
	for _, info := range resp.Tiles {
		if info.Code.Level != s.level {
			continue
		}
		if _, ok := s.tiles[info.Code]; ok {
			continue
		}
		raw := ToScreen(info.Bounds, view)
		tile := &RasterTile{Code: info.Code, World: info.Bounds, URL: info.URL, Style: info.Style}
		if ref == nil {
			tile.Bounds = raw.Round()
			ref = tile
		} else {
			tile.Bounds = AlignBounds(ref, info.Code, raw)
		}
		s.tiles[info.Code] = tile
		added++
	}
	s.logger.Debug("Raster batch merged",
		zap.String("layer", s.layer),
		zap.Uint32("level", resp.Level),
		zap.Int("added", added),
		zap.Int("stored", len(s.tiles)),
	)
}

func (s *Store) emit(onUpdate Callback) {
	for _, code := range s.sortedCodes() {
		t := s.tiles[code]
		if overlaps(t.World, s.view.Bounds) {
			s.invoke(onUpdate, t)
		}
	}
}

func (s *Store) deleteAll(onDelete Callback) {
	for _, code := range s.sortedCodes() {
		s.invoke(onDelete, s.tiles[code])
	}
	clear(s.tiles)
}

func (s *Store) cancel() {
	if s.inflight != nil {
		s.inflight.Cancel()
		s.inflight = nil
	}
}

func (s *Store) invoke(cb Callback, t *RasterTile) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Raster tile callback panicked",
				zap.String("layer", s.layer),
				zap.Stringer("tile", t.Code),
				zap.Any("panic", r),
			)
		}
	}()
	cb(t)
}

func (s *Store) sortedCodes() []tilecode.Code {
	codes := make([]tilecode.Code, 0, len(s.tiles))
	for code := range s.tiles {
		codes = append(codes, code)
	}
	slices.SortFunc(codes, func(a, b tilecode.Code) int {
		if a.Y != b.Y {
			return cmp.Compare(a.Y, b.Y)
		}
		return cmp.Compare(a.X, b.X)
	})
	return codes
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= scaleEpsilon*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func contains(outer, inner orb.Bound) bool {
	return outer.Min[0] <= inner.Min[0] && outer.Min[1] <= inner.Min[1] &&
		outer.Max[0] >= inner.Max[0] && outer.Max[1] >= inner.Max[1]
}

func overlaps(a, b orb.Bound) bool {
	return a.Min[0] < b.Max[0] && b.Min[0] < a.Max[0] &&
		a.Min[1] < b.Max[1] && b.Min[1] < a.Max[1]
}

// grow scales b by factor about its centre.
func grow(b orb.Bound, factor float64) orb.Bound {
	c := b.Center()
	hw := (b.Max[0] - b.Min[0]) * factor / 2
	hh := (b.Max[1] - b.Min[1]) * factor / 2
	return orb.Bound{
		Min: orb.Point{c[0] - hw, c[1] - hh},
		Max: orb.Point{c[0] + hw, c[1] + hh},
	}
}
