package vectorcache

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigatiles/internal/async"
	"gigatiles/internal/protocol"
	"gigatiles/internal/tilecode"
)

type call struct {
	req protocol.VectorTileRequest
	d   *async.Deferred[protocol.VectorTileResponse]
}

type fakeTransport struct {
	calls     []*call
	cancelled int
	deps      map[tilecode.Code][]tilecode.Code
}

func (f *fakeTransport) FetchVector(req protocol.VectorTileRequest) *async.Deferred[protocol.VectorTileResponse] {
	c := &call{req: req}
	c.d = async.NewDeferred[protocol.VectorTileResponse](func() { f.cancelled++ })
	f.calls = append(f.calls, c)
	return c.d
}

func (f *fakeTransport) resolve(i int) {
	c := f.calls[i]
	c.d.Resolve(protocol.VectorTileResponse{
		Code:       c.req.Code,
		Features:   protocol.Content{Type: protocol.StringContent, Value: "features " + c.req.Code.String()},
		Dependents: f.deps[c.req.Code],
	})
}

// resolveAll settles pending calls until none are left, including calls
// issued while settling.
func (f *fakeTransport) resolveAll() {
	for i := 0; i < len(f.calls); i++ {
		if !f.calls[i].d.Settled() && !f.calls[i].d.Cancelled() {
			f.resolve(i)
		}
	}
}

func (f *fakeTransport) requested() []tilecode.Code {
	out := make([]tilecode.Code, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.req.Code)
	}
	return out
}

var testGrid = tilecode.Grid{Extent: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1024, 1024}}}

func newTestCache(tr *fakeTransport) *Cache {
	return New("roads", testGrid, 256, tr, nil)
}

func baseFingerprint() protocol.Fingerprint {
	return protocol.Fingerprint{StyleID: "default", Scale: 1, Geometries: true}
}

func TestApplyDeduplicatesInFlight(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)
	tile := c.Tile(tilecode.New(2, 1, 1))

	var got []string
	tile.Apply(baseFingerprint(), func(*VectorTile) { got = append(got, "a") })
	tile.Apply(baseFingerprint(), func(*VectorTile) { got = append(got, "b") })

	require.Len(t, tr.calls, 1)
	assert.Equal(t, StatusLoading, tile.Status())
	assert.Empty(t, got)

	tr.resolve(0)
	assert.Equal(t, StatusLoaded, tile.Status())
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, "features 2/1/1", tile.Features().Value)
}

func TestApplyReusesLoadedContent(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)
	tile := c.Tile(tilecode.New(1, 0, 0))

	tile.Apply(baseFingerprint(), nil)
	tr.resolve(0)

	n := 0
	tile.Apply(baseFingerprint(), func(*VectorTile) { n++ })
	assert.Equal(t, 1, n)
	assert.Len(t, tr.calls, 1)

	geomOnly := baseFingerprint()
	geomOnly.Geometries = false
	tile.Apply(geomOnly, func(*VectorTile) { n++ })
	assert.Equal(t, 2, n)
	assert.Len(t, tr.calls, 1)
}

func TestApplyRefetchesWhenFlagsGrow(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)
	tile := c.Tile(tilecode.New(1, 0, 0))

	tile.Apply(baseFingerprint(), nil)
	tr.resolve(0)

	withLabels := baseFingerprint()
	withLabels.Geometries = false
	withLabels.Labels = true

	done := false
	tile.Apply(withLabels, func(*VectorTile) { done = true })
	require.Len(t, tr.calls, 2)
	assert.Equal(t, StatusLoading, tile.Status())

	sent := tr.calls[1].req.Fingerprint
	assert.True(t, sent.Geometries, "refetch keeps what was held")
	assert.True(t, sent.Labels)

	tr.resolve(1)
	assert.True(t, done)
	assert.True(t, tile.LastFingerprint().Covers(withLabels))
}

func TestApplyRefetchesOnStyleChange(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)
	tile := c.Tile(tilecode.New(1, 1, 0))

	tile.Apply(baseFingerprint(), nil)
	tr.resolve(0)

	restyled := baseFingerprint()
	restyled.StyleID = "night"
	tile.Apply(restyled, nil)
	require.Len(t, tr.calls, 2)
	assert.Equal(t, "night", tr.calls[1].req.Fingerprint.StyleID)
}

func TestApplyWhileLoadingWithNewView(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)
	tile := c.Tile(tilecode.New(1, 1, 1))

	var got []string
	tile.Apply(baseFingerprint(), func(*VectorTile) { got = append(got, "first") })

	restyled := baseFingerprint()
	restyled.StyleID = "night"
	tile.Apply(restyled, func(*VectorTile) { got = append(got, "second") })

	require.Len(t, tr.calls, 2)
	assert.True(t, tr.calls[0].d.Cancelled())

	tr.resolve(1)
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, "night", tile.LastFingerprint().StyleID)
}

func TestCancelDiscardsResponse(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)
	tile := c.Tile(tilecode.New(0, 0, 0))

	called := false
	tile.Apply(baseFingerprint(), func(*VectorTile) { called = true })
	tile.Cancel()

	assert.Equal(t, StatusEmpty, tile.Status())
	assert.Equal(t, 1, tr.cancelled)

	tr.resolve(0)
	assert.False(t, called)
	assert.Equal(t, StatusEmpty, tile.Status())
	assert.True(t, tile.Features().Empty())

	// cancelling an idle tile does nothing
	tile.Cancel()
	assert.Equal(t, 1, tr.cancelled)
}

func TestFetchErrorResetsTile(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)
	tile := c.Tile(tilecode.New(0, 0, 0))

	called := false
	tile.Apply(baseFingerprint(), func(*VectorTile) { called = true })
	tr.calls[0].d.Reject(errors.New("unavailable"))

	assert.False(t, called)
	assert.Equal(t, StatusEmpty, tile.Status())

	tile.Apply(baseFingerprint(), nil)
	assert.Len(t, tr.calls, 2, "an empty tile is fetched again")
}

func TestFetchOnLoadingTilePanics(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)
	tile := c.Tile(tilecode.New(0, 0, 0))

	tile.Fetch(baseFingerprint(), nil)
	assert.Panics(t, func() { tile.Fetch(baseFingerprint(), nil) })
}

func TestUnknownStatusPanics(t *testing.T) {
	c := newTestCache(&fakeTransport{})
	tile := c.Tile(tilecode.New(0, 0, 0))
	tile.status = Status(42)
	assert.Panics(t, func() { tile.Apply(baseFingerprint(), nil) })
}

func TestCallbackPanicDoesNotStopFanOut(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)
	tile := c.Tile(tilecode.New(0, 0, 0))

	reached := false
	tile.Apply(baseFingerprint(), func(*VectorTile) { panic("consumer bug") })
	tile.Apply(baseFingerprint(), func(*VectorTile) { reached = true })

	assert.NotPanics(t, func() { tr.resolve(0) })
	assert.True(t, reached)
	assert.Equal(t, StatusLoaded, tile.Status())
}

func TestApplyConnectedOnceFollowsDependents(t *testing.T) {
	a, b, d := tilecode.New(2, 0, 0), tilecode.New(2, 1, 0), tilecode.New(2, 3, 3)
	tr := &fakeTransport{deps: map[tilecode.Code][]tilecode.Code{
		a: {b},
		b: {a, d},
		d: {b},
	}}
	c := newTestCache(tr)

	counts := map[tilecode.Code]int{}
	processed := map[tilecode.Code]struct{}{}
	c.ApplyConnectedOnce(a, baseFingerprint(), func(t *VectorTile) { counts[t.Code]++ }, processed)
	tr.resolveAll()

	assert.Equal(t, map[tilecode.Code]int{a: 1, b: 1, d: 1}, counts)
	assert.ElementsMatch(t, []tilecode.Code{a, b, d}, tr.requested())
	assert.Len(t, processed, 3)

	// a second pass over loaded tiles answers synchronously
	counts = map[tilecode.Code]int{}
	c.ApplyConnectedOnce(a, baseFingerprint(), func(t *VectorTile) { counts[t.Code]++ }, nil)
	assert.Equal(t, map[tilecode.Code]int{a: 1, b: 1, d: 1}, counts)
	assert.Len(t, tr.calls, 3)
}

func TestApplyConnectedOnceRespectsProcessedSet(t *testing.T) {
	a, b := tilecode.New(1, 0, 0), tilecode.New(1, 1, 0)
	tr := &fakeTransport{deps: map[tilecode.Code][]tilecode.Code{a: {b}}}
	c := newTestCache(tr)

	processed := map[tilecode.Code]struct{}{b: {}}
	var seen []tilecode.Code
	c.ApplyConnectedOnce(a, baseFingerprint(), func(t *VectorTile) { seen = append(seen, t.Code) }, processed)
	tr.resolveAll()

	assert.Equal(t, []tilecode.Code{a}, seen)
	assert.Equal(t, []tilecode.Code{a}, tr.requested())
}

func TestInvalidDependentsAreDropped(t *testing.T) {
	a := tilecode.New(1, 0, 0)
	tr := &fakeTransport{deps: map[tilecode.Code][]tilecode.Code{
		a: {{Level: 1, X: 9, Y: 9}, a, {Level: 1, X: 1, Y: 0}, {Level: 1, X: 1, Y: 0}, {Level: 2, X: 1, Y: 0}, {Level: 0, X: 0, Y: 0}},
	}}
	c := newTestCache(tr)

	c.ApplyConnectedOnce(a, baseFingerprint(), nil, nil)
	tr.resolveAll()

	assert.Equal(t, []tilecode.Code{{Level: 1, X: 1, Y: 0}}, c.Tile(a).Dependents())
	assert.Equal(t, []tilecode.Code{a, {Level: 1, X: 1, Y: 0}}, tr.requested(), "other levels are never fetched")
}

func TestQueryAndSyncLoadsVisibleTiles(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)

	// 1024 wide at scale 1 with 256px tiles: level 2
	view := orb.Bound{Min: orb.Point{0, 768}, Max: orb.Point{500, 1024}}
	var updated []tilecode.Code
	c.QueryAndSync(view, baseFingerprint(), nil, func(t *VectorTile) { updated = append(updated, t.Code) })

	level, ok := c.Level()
	require.True(t, ok)
	assert.EqualValues(t, 2, level)
	assert.ElementsMatch(t, []tilecode.Code{tilecode.New(2, 0, 0), tilecode.New(2, 1, 0)}, tr.requested())

	tr.resolveAll()
	assert.Len(t, updated, 2)

	var queried []tilecode.Code
	for tile := range c.Query(view) {
		queried = append(queried, tile.Code)
	}
	assert.Equal(t, []tilecode.Code{tilecode.New(2, 0, 0), tilecode.New(2, 1, 0)}, queried)

	// panning inside the loaded area issues nothing new
	c.QueryAndSync(orb.Bound{Min: orb.Point{10, 800}, Max: orb.Point{400, 1000}}, baseFingerprint(), nil, nil)
	assert.Len(t, tr.calls, 2)
}

func TestQueryAndSyncLevelChangeDropsTiles(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)

	view := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 100}}
	c.QueryAndSync(view, baseFingerprint(), nil, nil)
	require.Len(t, tr.calls, 1)

	zoomed := baseFingerprint()
	zoomed.Scale = 4
	var deleted []tilecode.Code
	c.QueryAndSync(view, zoomed, func(t *VectorTile) { deleted = append(deleted, t.Code) }, nil)

	assert.Equal(t, []tilecode.Code{tilecode.New(2, 0, 3)}, deleted)
	assert.True(t, tr.calls[0].d.Cancelled(), "old level fetch is abandoned")

	level, _ := c.Level()
	assert.EqualValues(t, 4, level)
	_, stale := c.Get(tilecode.New(2, 0, 3))
	assert.False(t, stale)
}

func TestQueryIsRestartable(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)
	view := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1024, 1024}}

	seq := c.Query(view)
	n := 0
	for range seq {
		n++
	}
	assert.Zero(t, n, "nothing before the first sync")

	c.QueryAndSync(view, baseFingerprint(), nil, nil)
	for range seq {
		n++
	}
	assert.Equal(t, 16, n)

	n = 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestClearCancelsInFlight(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestCache(tr)
	c.QueryAndSync(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{300, 300}}, baseFingerprint(), nil, nil)
	require.Len(t, tr.calls, 4)

	c.Clear()
	assert.Zero(t, c.Len())
	assert.Equal(t, 4, tr.cancelled)
	_, ok := c.Level()
	assert.False(t, ok)
}
