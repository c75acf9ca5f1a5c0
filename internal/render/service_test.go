package render

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigatiles/internal/layers"
	"gigatiles/internal/painter"
	"gigatiles/internal/protocol"
	"gigatiles/internal/spatialcache"
	"gigatiles/internal/tilecode"
)

const network = `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"a","properties":{"kind":"primary","name":"Main St"},"geometry":{"type":"LineString","coordinates":[[10,60],[90,60]]}},
{"type":"Feature","id":"c","properties":{"kind":"primary"},"geometry":{"type":"Point","coordinates":[75,25]}},
{"type":"Feature","id":"d","properties":{"kind":"minor"},"geometry":{"type":"Point","coordinates":[0,0]}},
{"type":"Feature","id":"e","properties":{"kind":"minor"},"geometry":{"type":"Point","coordinates":[100,100]}}
]}`

type fakeRenderer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRenderer) RenderTile(layer *layers.Layer, code tilecode.Code) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []byte("jpeg:" + layer.ID + "/" + code.String()), nil
}

func (f *fakeRenderer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newService(t *testing.T) (*Service, *fakeRenderer) {
	t.Helper()
	fc, err := geojson.UnmarshalFeatureCollection([]byte(network))
	require.NoError(t, err)
	extent, ok := layers.FeatureExtent(fc)
	require.True(t, ok)

	registry := layers.New(t.TempDir(), nil, zap.NewNop())
	registry.Add(&layers.Layer{ID: "roads", Kind: layers.KindVector, Extent: extent, Features: fc})
	registry.Add(&layers.Layer{ID: "scan", Kind: layers.KindRaster, Extent: layers.RasterExtent(1000, 600), Width: 1000, Height: 600})

	images := &fakeRenderer{}
	svc := New(registry, images, spatialcache.New(1000, zap.NewNop()), "http://tiles.local", 256, zap.NewNop())
	return svc, images
}

func TestVectorTileCached(t *testing.T) {
	svc, _ := newService(t)
	style := painter.Style{Geometries: true}

	first, err := svc.VectorTile(WithRequestID(context.Background(), "r1"), "roads", tilecode.New(1, 0, 0), style)
	require.NoError(t, err)
	assert.Equal(t, protocol.StringContent, first.Features.Type)
	assert.Equal(t, []tilecode.Code{tilecode.New(1, 1, 0)}, first.Dependents)

	// a different request id reads the same entry
	second, err := svc.VectorTile(WithRequestID(context.Background(), "r2"), "roads", tilecode.New(1, 0, 0), style)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stats := svc.Cache().Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.Entries)

	_, err = svc.VectorTile(context.Background(), "roads", tilecode.New(1, 0, 0), painter.Style{Geometries: true, Labels: true})
	require.NoError(t, err)
	assert.Equal(t, 2, svc.Cache().Len())
}

func TestVectorTileErrors(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.VectorTile(context.Background(), "missing", tilecode.New(0, 0, 0), painter.Style{})
	assert.ErrorIs(t, err, layers.ErrLayerNotFound)

	_, err = svc.VectorTile(context.Background(), "scan", tilecode.New(0, 0, 0), painter.Style{})
	assert.ErrorIs(t, err, ErrUnsupportedLayer)

	_, err = svc.VectorTile(context.Background(), "roads", tilecode.Code{Level: 1, X: 2}, painter.Style{})
	assert.ErrorIs(t, err, ErrInvalidTile)

	_, err = svc.VectorTile(context.Background(), "roads", tilecode.New(0, 0, 0), painter.Style{Filter: "broken"})
	assert.ErrorIs(t, err, painter.ErrBadFilter)
	assert.Equal(t, 0, svc.Cache().Len())
}

func TestInvalidate(t *testing.T) {
	svc, _ := newService(t)
	style := painter.Style{Geometries: true}

	// envelope [0,50]-[90,100] through Main St
	_, err := svc.VectorTile(context.Background(), "roads", tilecode.New(1, 0, 0), style)
	require.NoError(t, err)
	// envelope [50,0]-[100,50]
	_, err = svc.VectorTile(context.Background(), "roads", tilecode.New(1, 1, 1), style)
	require.NoError(t, err)

	n, err := svc.Invalidate("roads", orb.Bound{Min: orb.Point{80, 70}, Max: orb.Point{85, 75}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, svc.Cache().Len())

	_, err = svc.Invalidate("missing", orb.Bound{})
	assert.ErrorIs(t, err, layers.ErrLayerNotFound)
}

func TestRasterBatch(t *testing.T) {
	svc, _ := newService(t)
	full := layers.RasterExtent(1000, 600)

	resp, err := svc.RasterBatch(context.Background(), protocol.RasterBatchRequest{Layer: "scan", Bounds: full, Scale: 0.25})
	require.NoError(t, err)
	assert.EqualValues(t, 0, resp.Level)
	assert.Equal(t, "top-left", resp.Origin)
	require.Len(t, resp.Tiles, 1)

	// deeper than the image resolution clamps to the max level
	resp, err = svc.RasterBatch(context.Background(), protocol.RasterBatchRequest{
		Layer:  "scan",
		Bounds: orb.Bound{Min: orb.Point{10, 350}, Max: orb.Point{200, 590}},
		Scale:  8,
		Style:  "gray",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, resp.Level)
	require.Len(t, resp.Tiles, 1)
	tile := resp.Tiles[0]
	assert.Equal(t, tilecode.New(2, 0, 0), tile.Code)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 344}, Max: orb.Point{256, 600}}, tile.Bounds)
	assert.Contains(t, tile.URL, "http://tiles.local/api/layers/scan/tiles/2/0/0.jpg?")
	assert.Contains(t, tile.URL, "style=gray")
	assert.Equal(t, "gray", tile.Style)

	_, err = svc.RasterBatch(context.Background(), protocol.RasterBatchRequest{Layer: "scan", Bounds: full})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.RasterBatch(context.Background(), protocol.RasterBatchRequest{Layer: "roads", Bounds: full, Scale: 1})
	assert.ErrorIs(t, err, ErrUnsupportedLayer)
}

func TestRasterImage(t *testing.T) {
	svc, images := newService(t)

	img, err := svc.RasterImage(context.Background(), "scan", tilecode.New(2, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, "jpeg:scan/2/3/2", string(img.Data))
	assert.Len(t, img.ETag, 16)

	again, err := svc.RasterImage(context.Background(), "scan", tilecode.New(2, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, img, again)
	assert.Equal(t, 1, images.count())

	_, err = svc.RasterImage(context.Background(), "scan", tilecode.New(3, 0, 0))
	assert.ErrorIs(t, err, ErrInvalidTile)

	// the tile spans [768,-168]-[1024,88]
	n, err := svc.Invalidate("scan", orb.Bound{Min: orb.Point{800, 50}, Max: orb.Point{810, 60}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.RasterImage(context.Background(), "scan", tilecode.New(2, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, images.count())
}

func TestCatalog(t *testing.T) {
	svc, _ := newService(t)

	catalog := svc.Catalog()
	require.Len(t, catalog.Layers, 2)
	assert.Equal(t, "roads", catalog.Layers[0].ID)
	assert.Equal(t, "raster", catalog.Layers[1].Kind)
	assert.Equal(t, 1000, catalog.Layers[1].Width)

	assert.Equal(t, catalog, svc.Catalog())
	assert.EqualValues(t, 1, svc.Cache().Stats().Hits)

	svc.Registry().Add(&layers.Layer{ID: "parks", Kind: layers.KindVector, Extent: orb.Bound{Max: orb.Point{1, 1}}})
	assert.Len(t, svc.Catalog().Layers, 3)
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "roads.geojson"), []byte(network), 0o644))

	registry := layers.New(dir, nil, zap.NewNop())
	require.NoError(t, registry.Scan())
	svc := New(registry, &fakeRenderer{}, spatialcache.New(100, zap.NewNop()), "", 256, zap.NewNop())

	before, err := registry.Get("roads")
	require.NoError(t, err)
	_, err = svc.VectorTile(context.Background(), "roads", tilecode.New(0, 0, 0), WarmupStyle)
	require.NoError(t, err)
	svc.Catalog()
	assert.Equal(t, 2, svc.Cache().Len())

	require.NoError(t, svc.Reload())
	assert.Equal(t, 0, svc.Cache().Len())
	after, err := registry.Get("roads")
	require.NoError(t, err)
	assert.NotEqual(t, before.Revision, after.Revision)

	require.NoError(t, os.RemoveAll(dir))
	assert.Error(t, svc.Reload())
}

func TestWarmup(t *testing.T) {
	svc, images := newService(t)

	// levels 0 and 1 of both layers: 5 tiles each
	painted := svc.Warmup(context.Background(), 1, 3)
	assert.Equal(t, 10, painted)
	assert.Equal(t, 5, images.count())
	assert.Equal(t, 10, svc.Cache().Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, svc.Warmup(ctx, 1, 1))
}
