// Package layers keeps the catalog of map layers found in the data
// directory: GeoJSON files become vector layers, images become raster
// layers.
package layers

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"gigatiles/internal/tilecode"
)

var (
	ErrLayerNotFound = errors.New("layer not found")
	// ErrEmptyTile is returned for raster tiles lying entirely in the padding
	// around an image.
	ErrEmptyTile = errors.New("tile holds no image pixels")
)

type Kind string

const (
	KindVector Kind = "vector"
	KindRaster Kind = "raster"
)

var rasterExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// ImageProber reads the pixel size of an image file without decoding it.
type ImageProber interface {
	Probe(path string) (width, height int, err error)
}

// Layer is one entry of the catalog. A layer is immutable once scanned;
// a rescan replaces it with a new value carrying a new Revision.
type Layer struct {
	ID       string
	Kind     Kind
	Path     string
	Extent   orb.Bound
	Bytes    int64
	Revision string

	// raster layers only, in pixels
	Width  int
	Height int

	// vector layers only
	Features *geojson.FeatureCollection
}

// Grid returns the quadtree over the layer extent.
func (l *Layer) Grid() tilecode.Grid {
	return tilecode.Grid{Extent: l.Extent}
}

// MaxLevel returns the deepest level worth serving: for raster layers the
// level whose tiles map one source pixel to one tile pixel.
func (l *Layer) MaxLevel(tileSize int) uint32 {
	if l.Kind != KindRaster || tileSize <= 0 {
		return tilecode.MaxLevel
	}
	side := l.Extent.Max[0] - l.Extent.Min[0]
	var level uint32
	for side > float64(tileSize) && level < tilecode.MaxLevel {
		side /= 2
		level++
	}
	return level
}

// SourceArea returns the pixel rectangle of a raster layer's image that the
// tile at code covers, clipped to the image. Width or height are zero or
// negative for tiles in the padding beyond the image.
func (l *Layer) SourceArea(code tilecode.Code) (x, y, width, height int, pixelsPerTile float64) {
	side := l.Extent.Max[0] - l.Extent.Min[0]
	pixelsPerTile = side / float64(tilecode.TilesPerAxis(code.Level))

	x = int(float64(code.X) * pixelsPerTile)
	y = int(float64(code.Y) * pixelsPerTile)
	endX := int(math.Min(float64(x)+pixelsPerTile, float64(l.Width)))
	endY := int(math.Min(float64(y)+pixelsPerTile, float64(l.Height)))

	return x, y, endX - x, endY - y, pixelsPerTile
}

type Registry struct {
	dataDir string
	prober  ImageProber
	logger  *zap.Logger

	mu     sync.RWMutex
	layers map[string]*Layer
}

func New(dataDir string, prober ImageProber, logger *zap.Logger) *Registry {
	return &Registry{
		dataDir: dataDir,
		prober:  prober,
		logger:  logger,
		layers:  make(map[string]*Layer),
	}
}

// Scan rereads the data directory and replaces the catalog. Files that
// cannot be read are skipped with a warning.
func (r *Registry) Scan() error {
	entries, err := os.ReadDir(r.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	found := make(map[string]*Layer)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(r.dataDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			r.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		ext := strings.ToLower(filepath.Ext(path))
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		var layer *Layer
		switch {
		case ext == ".geojson":
			layer, err = r.loadVector(path)
		case rasterExtensions[ext]:
			layer, err = r.loadRaster(path)
		default:
			continue
		}
		if err != nil {
			r.logger.Warn("Skipping layer", zap.String("path", path), zap.Error(err))
			continue
		}

		if prev, dup := found[id]; dup {
			r.logger.Warn("Duplicate layer id, keeping first",
				zap.String("id", id),
				zap.String("kept", prev.Path),
				zap.String("skipped", path))
			continue
		}

		layer.ID = id
		layer.Path = path
		layer.Bytes = info.Size()
		layer.Revision = uuid.New().String()
		found[id] = layer
	}

	r.mu.Lock()
	r.layers = found
	r.mu.Unlock()

	r.logger.Info("Scanned layers", zap.String("data_dir", r.dataDir), zap.Int("layers", len(found)))
	return nil
}

// Add registers a layer directly, replacing any layer with the same id.
func (r *Registry) Add(layer *Layer) {
	if layer.Revision == "" {
		layer.Revision = uuid.New().String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers[layer.ID] = layer
}

func (r *Registry) Get(id string) (*Layer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	layer, ok := r.layers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	return layer, nil
}

// Layers returns every layer ordered by id.
func (r *Registry) Layers() []*Layer {
	r.mu.RLock()
	out := make([]*Layer, 0, len(r.layers))
	for _, l := range r.layers {
		out = append(out, l)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Layer) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (r *Registry) loadVector(path string) (*Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal features: %w", err)
	}

	extent, ok := FeatureExtent(fc)
	if !ok {
		return nil, errors.New("layer has no geometry")
	}

	return &Layer{Kind: KindVector, Extent: extent, Features: fc}, nil
}

func (r *Registry) loadRaster(path string) (*Layer, error) {
	if r.prober == nil {
		return nil, errors.New("no image prober configured")
	}
	width, height, err := r.prober.Probe(path)
	if err != nil {
		return nil, fmt.Errorf("failed to probe image: %w", err)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("image has no pixels: %dx%d", width, height)
	}

	return &Layer{
		Kind:   KindRaster,
		Extent: RasterExtent(width, height),
		Width:  width,
		Height: height,
	}, nil
}

// FeatureExtent returns the union of the bounds of every feature geometry.
func FeatureExtent(fc *geojson.FeatureCollection) (orb.Bound, bool) {
	var extent orb.Bound
	found := false
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		if !found {
			extent = f.Geometry.Bound()
			found = true
			continue
		}
		extent = extent.Union(f.Geometry.Bound())
	}
	if !found {
		return orb.Bound{}, false
	}
	// a single point or an axis-aligned line has no area to tile
	if extent.Max[0] <= extent.Min[0] || extent.Max[1] <= extent.Min[1] {
		extent = extent.Pad(0.5)
	}
	return extent, found
}

// RasterExtent is the square pixel extent a width x height image is tiled
// over: the image sits in the top-left corner of a power-of-two square so
// every tile maps to whole source pixels.
func RasterExtent(width, height int) orb.Bound {
	side := 1
	for side < width || side < height {
		side *= 2
	}
	return orb.Bound{Min: orb.Point{0, float64(height - side)}, Max: orb.Point{float64(side), float64(height)}}
}
