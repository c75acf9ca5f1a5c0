// Package vectorcache is the client-side cache of vector tiles for one layer.
//
// A Cache is single-threaded: every method and every transport completion must
// run on the same goroutine, normally an async.Loop.
package vectorcache

import (
	"iter"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigatiles/internal/async"
	"gigatiles/internal/protocol"
	"gigatiles/internal/tilecode"
)

// DefaultTilePixels is the on-screen tile width levels are chosen for.
const DefaultTilePixels = 256

// Transport issues vector tile requests. Completions must be delivered on
// the cache's goroutine.
type Transport interface {
	FetchVector(req protocol.VectorTileRequest) *async.Deferred[protocol.VectorTileResponse]
}

// Cache holds the vector tiles of one layer at the level currently on screen.
type Cache struct {
	layer     string
	grid      tilecode.Grid
	tilePx    float64
	transport Transport
	logger    *zap.Logger

	tiles    map[tilecode.Code]*VectorTile
	level    uint32
	hasLevel bool
}

// New returns an empty cache. tilePx falls back to DefaultTilePixels when not
// positive.
func New(layer string, grid tilecode.Grid, tilePx float64, transport Transport, logger *zap.Logger) *Cache {
	if tilePx <= 0 {
		tilePx = DefaultTilePixels
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		layer:     layer,
		grid:      grid,
		tilePx:    tilePx,
		transport: transport,
		logger:    logger,
		tiles:     make(map[tilecode.Code]*VectorTile),
	}
}

func (c *Cache) Layer() string       { return c.layer }
func (c *Cache) Grid() tilecode.Grid { return c.grid }
func (c *Cache) Len() int            { return len(c.tiles) }

// Level returns the level of the cached tiles and whether one was chosen yet.
func (c *Cache) Level() (uint32, bool) {
	return c.level, c.hasLevel
}

// Get returns the cached tile for code, if any.
func (c *Cache) Get(code tilecode.Code) (*VectorTile, bool) {
	t, ok := c.tiles[code]
	return t, ok
}

// Tile returns the tile for code, creating an empty one if needed.
func (c *Cache) Tile(code tilecode.Code) *VectorTile {
	if t, ok := c.tiles[code]; ok {
		return t
	}
	t := &VectorTile{
		Code:   code,
		Bounds: c.grid.Bounds(code),
		cache:  c,
	}
	c.tiles[code] = t
	return t
}

// Query yields the cached tiles at the current level that overlap bbox. The
// sequence is recomputed from the cache contents every time it is ranged
// over.
func (c *Cache) Query(bbox orb.Bound) iter.Seq[*VectorTile] {
	return func(yield func(*VectorTile) bool) {
		if !c.hasLevel {
			return
		}
		for _, code := range c.grid.Cover(bbox, c.level) {
			t, ok := c.tiles[code]
			if !ok {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

// QueryAndSync brings the tiles overlapping bbox up to date with fp.
//
// The level follows from fp.Scale. When it differs from the cached level,
// every cached tile is cancelled, passed to onDelete and dropped first. Then
// each tile covering bbox is applied together with its transitive dependents;
// onUpdate runs once per tile as its content becomes ready.
func (c *Cache) QueryAndSync(bbox orb.Bound, fp protocol.Fingerprint, onDelete, onUpdate Callback) {
	level := tilecode.LevelForScale(c.grid.Extent, c.tilePx, fp.Scale)
	if c.hasLevel && level != c.level {
		c.logger.Debug("Vector level changed",
			zap.String("layer", c.layer),
			zap.Uint32("from", c.level),
			zap.Uint32("to", level),
			zap.Int("dropped", len(c.tiles)),
		)
		for _, t := range c.tiles {
			t.Cancel()
			c.invoke(onDelete, t)
		}
		c.tiles = make(map[tilecode.Code]*VectorTile)
	}
	c.level, c.hasLevel = level, true

	processed := make(map[tilecode.Code]struct{})
	for _, code := range c.grid.Cover(bbox, level) {
		c.ApplyConnectedOnce(code, fp, onUpdate, processed)
	}
}

// ApplyConnectedOnce applies fp to the tile at start and to every tile
// reachable from it through dependents, calling cb once per tile. Codes in
// processed are skipped and every visited code is added to it, so one set can
// be shared across calls to visit each tile once per sync. Dependency cycles
// terminate.
func (c *Cache) ApplyConnectedOnce(start tilecode.Code, fp protocol.Fingerprint, cb Callback, processed map[tilecode.Code]struct{}) {
	if processed == nil {
		processed = make(map[tilecode.Code]struct{})
	}
	p := &propagation{cache: c, fp: fp, cb: cb, processed: processed}
	p.queue = append(p.queue, start)
	p.drain()
}

// Clear cancels every in-flight fetch and empties the cache.
func (c *Cache) Clear() {
	for _, t := range c.tiles {
		t.Cancel()
	}
	c.tiles = make(map[tilecode.Code]*VectorTile)
	c.level, c.hasLevel = 0, false
}

// invoke runs cb and contains any panic it raises, so one broken consumer
// cannot stop the rest of a fan-out.
func (c *Cache) invoke(cb Callback, t *VectorTile) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Tile callback panicked",
				zap.String("layer", c.layer),
				zap.Stringer("tile", t.Code),
				zap.Any("panic", r),
			)
		}
	}()
	cb(t)
}

func (c *Cache) sanitizeDependents(self tilecode.Code, deps []tilecode.Code) []tilecode.Code {
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[tilecode.Code]struct{}, len(deps))
	out := make([]tilecode.Code, 0, len(deps))
	for _, d := range deps {
		if d == self {
			continue
		}
		if !d.Valid() || d.Level != self.Level {
			c.logger.Warn("Dropping invalid dependent",
				zap.String("layer", c.layer),
				zap.Stringer("tile", self),
				zap.Stringer("dependent", d),
			)
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
