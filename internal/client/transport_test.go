package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigatiles/internal/async"
	"gigatiles/internal/config"
	httphandlers "gigatiles/internal/http"
	"gigatiles/internal/layers"
	"gigatiles/internal/protocol"
	"gigatiles/internal/rastercache"
	"gigatiles/internal/render"
	"gigatiles/internal/spatialcache"
	"gigatiles/internal/tilecode"
	"gigatiles/internal/vectorcache"
)

const network = `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"a","properties":{"name":"Main St"},"geometry":{"type":"LineString","coordinates":[[10,60],[90,60]]}},
{"type":"Feature","id":"d","properties":{},"geometry":{"type":"Point","coordinates":[0,0]}},
{"type":"Feature","id":"e","properties":{},"geometry":{"type":"Point","coordinates":[100,100]}}
]}`

type noPixels struct{}

func (noPixels) RenderTile(*layers.Layer, tilecode.Code) ([]byte, error) {
	return []byte("jpeg"), nil
}

// newServer runs the real handler stack over one vector and one raster
// layer.
func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	fc, err := geojson.UnmarshalFeatureCollection([]byte(network))
	require.NoError(t, err)
	extent, ok := layers.FeatureExtent(fc)
	require.True(t, ok)

	registry := layers.New(t.TempDir(), nil, zap.NewNop())
	registry.Add(&layers.Layer{ID: "roads", Kind: layers.KindVector, Extent: extent, Features: fc})
	registry.Add(&layers.Layer{ID: "scan", Kind: layers.KindRaster, Extent: layers.RasterExtent(1000, 600), Width: 1000, Height: 600})

	svc := render.New(registry, noPixels{}, spatialcache.New(100, zap.NewNop()), "http://tiles.local", 256, zap.NewNop())
	srv := httptest.NewServer(httphandlers.New(&config.Config{}, zap.NewNop(), svc).Routes())
	t.Cleanup(srv.Close)
	return srv
}

// pump runs the loop until done reports true.
func pump(t *testing.T, loop *async.Loop, done func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		loop.Drain()
		return done()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestFetchVector(t *testing.T) {
	srv := newServer(t)
	loop := async.NewLoop(8)
	tr := New(srv.URL, loop, zap.NewNop())

	d := tr.FetchVector(protocol.VectorTileRequest{
		Layer:       "roads",
		Code:        tilecode.New(1, 0, 0),
		Fingerprint: protocol.Fingerprint{Geometries: true, Labels: true},
	})

	var got *protocol.VectorTileResponse
	d.OnComplete(func(resp protocol.VectorTileResponse, err error) {
		assert.NoError(t, err)
		got = &resp
	})
	pump(t, loop, func() bool { return got != nil })

	assert.Equal(t, tilecode.New(1, 0, 0), got.Code)
	assert.Equal(t, protocol.StringContent, got.Features.Type)
	assert.Equal(t, protocol.StringContent, got.Labels.Type)
	assert.Equal(t, []tilecode.Code{tilecode.New(1, 1, 0)}, got.Dependents)
}

func TestFetchErrorIsRejected(t *testing.T) {
	srv := newServer(t)
	loop := async.NewLoop(8)
	tr := New(srv.URL, loop, zap.NewNop(), WithRetry(0, time.Millisecond, time.Millisecond))

	d := tr.FetchVector(protocol.VectorTileRequest{Layer: "nope", Code: tilecode.New(0, 0, 0)})

	var got error
	d.OnComplete(func(_ protocol.VectorTileResponse, err error) { got = err })
	pump(t, loop, func() bool { return got != nil })
	assert.Contains(t, got.Error(), "status 404")
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"level":1,"origin":"top-left","tiles":[]}`))
	}))
	t.Cleanup(srv.Close)

	loop := async.NewLoop(8)
	tr := New(srv.URL, loop, zap.NewNop(), WithRetry(3, time.Millisecond, 5*time.Millisecond))

	var got *protocol.RasterBatchResponse
	tr.FetchRaster(protocol.RasterBatchRequest{Layer: "scan", Scale: 1}).OnComplete(func(resp protocol.RasterBatchResponse, err error) {
		assert.NoError(t, err)
		got = &resp
	})
	pump(t, loop, func() bool { return got != nil })
	assert.EqualValues(t, 1, got.Level)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestCancelAbortsRequest(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
		close(aborted)
	}))
	t.Cleanup(srv.Close)

	loop := async.NewLoop(8)
	tr := New(srv.URL, loop, zap.NewNop())

	d := tr.FetchVector(protocol.VectorTileRequest{Layer: "roads", Code: tilecode.New(0, 0, 0)})
	called := false
	d.OnComplete(func(protocol.VectorTileResponse, error) { called = true })

	<-started
	d.Cancel()
	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("request was not aborted")
	}

	time.Sleep(20 * time.Millisecond)
	loop.Drain()
	assert.False(t, called)
	assert.False(t, d.Settled())
}

func TestVectorCacheOverHTTP(t *testing.T) {
	srv := newServer(t)
	loop := async.NewLoop(16)
	tr := New(srv.URL, loop, zap.NewNop())

	catalog, err := tr.Catalog(context.Background())
	require.NoError(t, err)
	require.Len(t, catalog.Layers, 2)
	extent := catalog.Layers[0].Extent

	cache := vectorcache.New("roads", tilecode.Grid{Extent: extent}, vectorcache.DefaultTilePixels, tr, zap.NewNop())

	updated := map[tilecode.Code]bool{}
	// 100 world units at scale 5.12 is 512px: level 1
	fp := protocol.Fingerprint{Scale: 5.12, Geometries: true}
	cache.QueryAndSync(orb.Bound{Min: orb.Point{5, 55}, Max: orb.Point{45, 95}}, fp, nil, func(tile *vectorcache.VectorTile) {
		updated[tile.Code] = true
	})
	pump(t, loop, func() bool { return len(updated) == 2 })

	// Main St links the visible top-left tile to its right neighbour
	assert.True(t, updated[tilecode.New(1, 0, 0)])
	assert.True(t, updated[tilecode.New(1, 1, 0)])
	tile, ok := cache.Get(tilecode.New(1, 1, 0))
	require.True(t, ok)
	assert.Equal(t, vectorcache.StatusLoaded, tile.Status())
}

func TestRasterStoreOverHTTP(t *testing.T) {
	srv := newServer(t)
	loop := async.NewLoop(16)
	tr := New(srv.URL, loop, zap.NewNop())

	store := rastercache.New("scan", "", tr, zap.NewNop())
	view := rastercache.View{
		Bounds:    orb.Bound{Min: orb.Point{300, 300}, Max: orb.Point{500, 500}},
		Scale:     1,
		PanOrigin: orb.Point{300, 500},
	}

	updated := map[tilecode.Code]*rastercache.RasterTile{}
	store.ApplyAndSync(view, nil, func(tile *rastercache.RasterTile) {
		updated[tile.Code] = tile
	})
	pump(t, loop, func() bool { return len(updated) > 0 })

	for code, tile := range updated {
		assert.EqualValues(t, 2, code.Level)
		assert.Contains(t, tile.URL, "http://tiles.local/api/layers/scan/tiles/2/")
	}
	_, ok := store.TileBounds()
	assert.True(t, ok)
}
