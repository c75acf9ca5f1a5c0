// Package render runs the server tile pipeline: it looks layers up, paints
// tiles and keeps the results in the spatial cache until an edit
// invalidates them.
package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigatiles/internal/layers"
	"gigatiles/internal/metrics"
	"gigatiles/internal/painter"
	"gigatiles/internal/protocol"
	"gigatiles/internal/spatialcache"
	"gigatiles/internal/tilecode"
)

var (
	ErrUnsupportedLayer = errors.New("operation not supported for this layer kind")
	ErrInvalidTile      = errors.New("tile code outside the layer grid")
	ErrInvalidRequest   = errors.New("invalid request")
)

// names read from the pipeline context when deriving cache keys; anything
// else in the context, such as the request id, leaves keys unchanged
var (
	vectorKeyNames = []string{"layer", "revision", "code", "style", "filter", "crs", "geometries", "labels", "label_attribute"}
	rasterKeyNames = []string{"layer", "revision", "code", "style", "output"}
)

// TileRenderer produces the encoded image of one raster tile.
type TileRenderer interface {
	RenderTile(layer *layers.Layer, code tilecode.Code) ([]byte, error)
}

// Image is an encoded raster tile.
type Image struct {
	Data []byte
	ETag string
}

type Service struct {
	registry *layers.Registry
	vector   painter.Painter
	raster   *painter.RasterPainter
	images   TileRenderer
	cache    *spatialcache.Cache
	tileSize int
	logger   *zap.Logger
}

func New(registry *layers.Registry, images TileRenderer, cache *spatialcache.Cache, baseURL string, tileSize int, logger *zap.Logger) *Service {
	if tileSize <= 0 {
		tileSize = 256
	}
	return &Service{
		registry: registry,
		vector:   painter.NewVectorPainter(),
		raster:   painter.NewRasterPainter(baseURL),
		images:   images,
		cache:    cache,
		tileSize: tileSize,
		logger:   logger,
	}
}

func (s *Service) TileSize() int { return s.tileSize }

// Registry returns the layer registry the service paints from.
func (s *Service) Registry() *layers.Registry { return s.registry }

// Cache returns the spatial cache holding painted tiles.
func (s *Service) Cache() *spatialcache.Cache { return s.cache }

// VectorTile paints one vector tile, or returns the cached painting of an
// identical earlier request.
func (s *Service) VectorTile(ctx context.Context, layerID string, code tilecode.Code, style painter.Style) (protocol.VectorTileResponse, error) {
	layer, err := s.layer(layerID, layers.KindVector)
	if err != nil {
		return protocol.VectorTileResponse{}, err
	}
	if !code.Valid() {
		return protocol.VectorTileResponse{}, fmt.Errorf("%w: %s", ErrInvalidTile, code)
	}

	key := spatialcache.DeriveKey(vectorContext(ctx, layer, code, style), vectorKeyNames...)
	if v, ok := s.cache.Get(layer.ID, spatialcache.CategoryVectorTile, key); ok {
		return v.(protocol.VectorTileResponse), nil
	}

	start := time.Now()
	res, err := s.vector.Paint(ctx, painter.NewTile(layer, code), style)
	if err != nil {
		return protocol.VectorTileResponse{}, fmt.Errorf("failed to paint %s/%s: %w", layer.ID, code, err)
	}
	observePaint(layers.KindVector, start)

	resp := protocol.VectorTileResponse{
		Code:       code,
		Features:   res.Features,
		Labels:     res.Labels,
		Dependents: res.Dependents,
	}
	s.cache.Put(layer.ID, spatialcache.CategoryVectorTile, key, resp, res.Envelope)
	return resp, nil
}

// RasterBatch lists the raster tiles covering the request bounds at the
// level matching its scale.
func (s *Service) RasterBatch(ctx context.Context, req protocol.RasterBatchRequest) (protocol.RasterBatchResponse, error) {
	layer, err := s.layer(req.Layer, layers.KindRaster)
	if err != nil {
		return protocol.RasterBatchResponse{}, err
	}
	if req.Scale <= 0 || req.Bounds.Max[0] < req.Bounds.Min[0] || req.Bounds.Max[1] < req.Bounds.Min[1] {
		return protocol.RasterBatchResponse{}, fmt.Errorf("%w: bounds %v scale %v", ErrInvalidRequest, req.Bounds, req.Scale)
	}

	level := tilecode.LevelForScale(layer.Extent, float64(s.tileSize), req.Scale)
	if maxLevel := layer.MaxLevel(s.tileSize); level > maxLevel {
		level = maxLevel
	}

	grid := layer.Grid()
	style := painter.Style{ID: req.Style}
	resp := protocol.RasterBatchResponse{Level: level, Origin: grid.Origin.String()}
	for _, code := range grid.Cover(req.Bounds, level) {
		if err := ctx.Err(); err != nil {
			return protocol.RasterBatchResponse{}, err
		}
		info, err := s.rasterInfo(ctx, layer, code, style)
		if err != nil {
			return protocol.RasterBatchResponse{}, err
		}
		resp.Tiles = append(resp.Tiles, info)
	}
	return resp, nil
}

func (s *Service) rasterInfo(ctx context.Context, layer *layers.Layer, code tilecode.Code, style painter.Style) (protocol.RasterTileInfo, error) {
	key := spatialcache.DeriveKey(rasterContext(ctx, layer, code, style.ID, "url"), rasterKeyNames...)
	if v, ok := s.cache.Get(layer.ID, spatialcache.CategoryRasterTile, key); ok {
		return v.(protocol.RasterTileInfo), nil
	}

	start := time.Now()
	tile := painter.NewTile(layer, code)
	res, err := s.raster.Paint(ctx, tile, style)
	if err != nil {
		return protocol.RasterTileInfo{}, fmt.Errorf("failed to paint %s/%s: %w", layer.ID, code, err)
	}
	observePaint(layers.KindRaster, start)

	info := protocol.RasterTileInfo{
		Code:   code,
		Bounds: tile.Bounds,
		URL:    res.Features.Value,
		Style:  style.ID,
	}
	s.cache.Put(layer.ID, spatialcache.CategoryRasterTile, key, info, res.Envelope)
	return info, nil
}

// RasterImage returns the encoded pixels of one raster tile with an ETag
// that changes whenever the layer is reloaded.
func (s *Service) RasterImage(ctx context.Context, layerID string, code tilecode.Code) (Image, error) {
	layer, err := s.layer(layerID, layers.KindRaster)
	if err != nil {
		return Image{}, err
	}
	if !code.Valid() || code.Level > layer.MaxLevel(s.tileSize) {
		return Image{}, fmt.Errorf("%w: %s", ErrInvalidTile, code)
	}

	key := spatialcache.DeriveKey(rasterContext(ctx, layer, code, "", "jpeg"), rasterKeyNames...)
	etag := key[:16]
	if v, ok := s.cache.Get(layer.ID, spatialcache.CategoryRasterTile, key); ok {
		return Image{Data: v.([]byte), ETag: etag}, nil
	}
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}

	start := time.Now()
	data, err := s.images.RenderTile(layer, code)
	if err != nil {
		return Image{}, fmt.Errorf("failed to render %s/%s: %w", layer.ID, code, err)
	}
	observePaint(layers.KindRaster, start)

	s.cache.Put(layer.ID, spatialcache.CategoryRasterTile, key, data, layer.Grid().Bounds(code))
	return Image{Data: data, ETag: etag}, nil
}

// Catalog lists the served layers. The listing is cached across layers and
// keyed by every layer revision.
func (s *Service) Catalog() protocol.Catalog {
	all := s.registry.Layers()

	revisions := make([]string, 0, len(all))
	for _, l := range all {
		revisions = append(revisions, l.ID+"@"+l.Revision)
	}
	key := spatialcache.DeriveKey(spatialcache.MapContext{"revisions": strings.Join(revisions, ",")}, "revisions")
	if v, ok := s.cache.Get(spatialcache.CrossLayer, spatialcache.CategoryLayerCatalog, key); ok {
		return v.(protocol.Catalog)
	}

	catalog := protocol.Catalog{Layers: make([]protocol.LayerInfo, 0, len(all))}
	for _, l := range all {
		catalog.Layers = append(catalog.Layers, protocol.LayerInfo{
			ID:     l.ID,
			Kind:   string(l.Kind),
			Extent: l.Extent,
			Width:  l.Width,
			Height: l.Height,
		})
	}
	s.cache.Put(spatialcache.CrossLayer, spatialcache.CategoryLayerCatalog, key, catalog, orb.Bound{})
	return catalog
}

// Invalidate drops every cached tile of a layer whose envelope intersects
// area and returns how many were dropped.
func (s *Service) Invalidate(layerID string, area orb.Bound) (int, error) {
	layer, err := s.registry.Get(layerID)
	if err != nil {
		return 0, err
	}

	n := s.cache.Invalidate(layer.ID, spatialcache.CategoryVectorTile, area)
	n += s.cache.Invalidate(layer.ID, spatialcache.CategoryRasterTile, area)

	s.logger.Debug("Invalidated tiles",
		zap.String("layer", layer.ID),
		zap.Any("area", area),
		zap.Int("removed", n),
	)
	return n, nil
}

// Reload rescans the data directory and forgets every cached value.
func (s *Service) Reload() error {
	if err := s.registry.Scan(); err != nil {
		return fmt.Errorf("failed to rescan layers: %w", err)
	}
	s.cache.Clear()
	s.logger.Info("Layers reloaded", zap.Int("layers", len(s.registry.Layers())))
	return nil
}

func (s *Service) layer(id string, kind layers.Kind) (*layers.Layer, error) {
	layer, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if layer.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s layer", ErrUnsupportedLayer, layer.ID, layer.Kind)
	}
	return layer, nil
}

func vectorContext(ctx context.Context, layer *layers.Layer, code tilecode.Code, style painter.Style) spatialcache.MapContext {
	return spatialcache.MapContext{
		"layer":           layer.ID,
		"revision":        layer.Revision,
		"code":            code,
		"style":           style.ID,
		"filter":          style.Filter,
		"crs":             style.CRS,
		"geometries":      style.Geometries,
		"labels":          style.Labels,
		"label_attribute": style.LabelAttribute,
		"request_id":      RequestID(ctx),
	}
}

func rasterContext(ctx context.Context, layer *layers.Layer, code tilecode.Code, styleID, output string) spatialcache.MapContext {
	return spatialcache.MapContext{
		"layer":      layer.ID,
		"revision":   layer.Revision,
		"code":       code,
		"style":      styleID,
		"output":     output,
		"request_id": RequestID(ctx),
	}
}

func observePaint(kind layers.Kind, start time.Time) {
	metrics.TilesPainted.WithLabelValues(string(kind)).Inc()
	metrics.PaintLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
}

type requestIDKey struct{}

// WithRequestID attaches a request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id attached to ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
