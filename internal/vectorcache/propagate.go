package vectorcache

import (
	"gigatiles/internal/protocol"
	"gigatiles/internal/tilecode"
)

// propagation walks the dependents graph breadth first with an explicit
// queue. Tiles that are already loaded answer synchronously and only append
// to the queue; tiles that load later restart the walk from their own
// completion.
type propagation struct {
	cache     *Cache
	fp        protocol.Fingerprint
	cb        Callback
	processed map[tilecode.Code]struct{}

	queue    []tilecode.Code
	draining bool
}

func (p *propagation) drain() {
	if p.draining {
		return
	}
	p.draining = true
	defer func() { p.draining = false }()

	for len(p.queue) > 0 {
		code := p.queue[0]
		p.queue = p.queue[1:]
		if _, done := p.processed[code]; done {
			continue
		}
		p.processed[code] = struct{}{}
		p.cache.Tile(code).Apply(p.fp, p.ready)
	}
}

func (p *propagation) ready(t *VectorTile) {
	for _, dep := range t.dependents {
		if _, done := p.processed[dep]; !done {
			p.queue = append(p.queue, dep)
		}
	}
	p.cache.invoke(p.cb, t)
	p.drain()
}
