package vectorcache

import (
	"fmt"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigatiles/internal/async"
	"gigatiles/internal/protocol"
	"gigatiles/internal/tilecode"
)

// Status is the fetch state of a VectorTile.
type Status int

const (
	StatusEmpty Status = iota
	StatusLoading
	StatusLoaded
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Callback receives a tile whose content is ready.
type Callback func(*VectorTile)

// VectorTile is one cell of a layer's vector grid. It is owned by the Cache
// that created it and must only be touched from that cache's goroutine.
type VectorTile struct {
	Code   tilecode.Code
	Bounds orb.Bound

	cache      *Cache
	status     Status
	features   protocol.Content
	labels     protocol.Content
	dependents []tilecode.Code
	last       protocol.Fingerprint

	inflight  *async.Deferred[protocol.VectorTileResponse]
	requested protocol.Fingerprint
	waiting   []Callback
}

func (t *VectorTile) Status() Status                        { return t.status }
func (t *VectorTile) Features() protocol.Content            { return t.features }
func (t *VectorTile) Labels() protocol.Content              { return t.labels }
func (t *VectorTile) LastFingerprint() protocol.Fingerprint { return t.last }

// Dependents returns the codes of tiles sharing features with this one.
func (t *VectorTile) Dependents() []tilecode.Code {
	return append([]tilecode.Code(nil), t.dependents...)
}

// Apply makes sure the tile holds content for fp and then calls cb.
//
// An empty tile is fetched. A loading tile whose request already covers fp
// just queues cb, so there is never more than one request per tile in
// flight. A loaded tile calls cb right away when its last fetch covers fp and
// is fetched again otherwise.
func (t *VectorTile) Apply(fp protocol.Fingerprint, cb Callback) {
	switch t.status {
	case StatusEmpty:
		t.fetch(fp, cb)
	case StatusLoading:
		if t.requested.Covers(fp) {
			t.waiting = append(t.waiting, cb)
			return
		}
		waiting := t.waiting
		t.abort()
		t.waiting = waiting
		t.fetch(t.requested.Merge(fp), cb)
	case StatusLoaded:
		if t.last.Covers(fp) {
			t.cache.invoke(cb, t)
			return
		}
		t.fetch(t.last.Merge(fp), cb)
	default:
		panic(fmt.Sprintf("vectorcache: tile %s in unreachable %s", t.Code, t.status))
	}
}

// Fetch issues a request for fp and calls cb once it completes. Fetching a
// tile that is already loading would break the one-request-per-tile rule
// and panics.
func (t *VectorTile) Fetch(fp protocol.Fingerprint, cb Callback) {
	switch t.status {
	case StatusEmpty, StatusLoaded:
		t.fetch(fp, cb)
	case StatusLoading:
		panic(fmt.Sprintf("vectorcache: fetch on loading tile %s", t.Code))
	default:
		panic(fmt.Sprintf("vectorcache: tile %s in unreachable %s", t.Code, t.status))
	}
}

// Cancel abandons an in-flight fetch. Queued callbacks never run and the
// tile goes back to empty.
func (t *VectorTile) Cancel() {
	if t.status != StatusLoading {
		return
	}
	t.abort()
	t.reset()
}

func (t *VectorTile) fetch(fp protocol.Fingerprint, cb Callback) {
	t.status = StatusLoading
	t.requested = fp
	if cb != nil {
		t.waiting = append(t.waiting, cb)
	}

	req := protocol.VectorTileRequest{Layer: t.cache.layer, Code: t.Code, Fingerprint: fp}
	d := t.cache.transport.FetchVector(req)
	t.inflight = d
	t.cache.logger.Debug("Fetching vector tile",
		zap.String("layer", t.cache.layer),
		zap.Stringer("tile", t.Code),
		zap.Bool("geometries", fp.Geometries),
		zap.Bool("labels", fp.Labels),
	)

	d.OnComplete(func(resp protocol.VectorTileResponse, err error) {
		t.complete(d, fp, resp, err)
	})
}

func (t *VectorTile) complete(d *async.Deferred[protocol.VectorTileResponse], fp protocol.Fingerprint, resp protocol.VectorTileResponse, err error) {
	if d != t.inflight {
		// superseded or cancelled; never applied
		return
	}
	t.inflight = nil
	waiting := t.waiting
	t.waiting = nil

	if err != nil {
		t.cache.logger.Warn("Vector tile fetch failed",
			zap.String("layer", t.cache.layer),
			zap.Stringer("tile", t.Code),
			zap.Error(err),
		)
		t.reset()
		return
	}

	t.features = resp.Features
	t.labels = resp.Labels
	t.dependents = t.cache.sanitizeDependents(t.Code, resp.Dependents)
	t.last = fp
	t.status = StatusLoaded

	for _, cb := range waiting {
		t.cache.invoke(cb, t)
	}
}

func (t *VectorTile) abort() {
	if t.inflight != nil {
		t.inflight.Cancel()
		t.inflight = nil
	}
	t.waiting = nil
}

func (t *VectorTile) reset() {
	t.status = StatusEmpty
	t.features = protocol.Content{}
	t.labels = protocol.Content{}
	t.dependents = nil
	t.last = protocol.Fingerprint{}
	t.requested = protocol.Fingerprint{}
}
