// Package protocol defines the wire types exchanged between the tile server
// and the client caches.
package protocol

import (
	"github.com/paulmach/orb"

	"gigatiles/internal/tilecode"
)

// ContentType tells how a Content value is to be interpreted.
type ContentType string

const (
	// StringContent carries the painted payload inline.
	StringContent ContentType = "string"
	// URLContent carries a URL the payload can be loaded from.
	URLContent ContentType = "url"
)

// Content is either an inline payload or a URL, never both.
type Content struct {
	Type  ContentType `json:"type,omitempty"`
	Value string      `json:"value,omitempty"`
}

// Empty reports whether c holds nothing.
func (c Content) Empty() bool {
	return c.Value == ""
}

// Fingerprint is the parameter set a vector tile was fetched with. Two
// fetches with the same view parameters produce the same content, so the
// fingerprint decides whether cached content is still valid.
type Fingerprint struct {
	StyleID  string    `json:"style"`
	Filter   string    `json:"filter,omitempty"`
	CRS      string    `json:"crs,omitempty"`
	Origin   orb.Point `json:"origin"`
	Scale    float64   `json:"scale"`
	Renderer string    `json:"renderer,omitempty"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`

	Geometries bool `json:"geometries"`
	Labels     bool `json:"labels"`
}

// SameView reports whether f and o agree on everything except the
// geometry/label flags.
func (f Fingerprint) SameView(o Fingerprint) bool {
	return f.StyleID == o.StyleID &&
		f.Filter == o.Filter &&
		f.CRS == o.CRS &&
		f.Origin == o.Origin &&
		f.Scale == o.Scale &&
		f.Renderer == o.Renderer &&
		f.Width == o.Width &&
		f.Height == o.Height
}

// Covers reports whether content fetched with f satisfies a request for req:
// same view, and nothing requested that f did not already fetch.
func (f Fingerprint) Covers(req Fingerprint) bool {
	if !f.SameView(req) {
		return false
	}
	if req.Geometries && !f.Geometries {
		return false
	}
	if req.Labels && !f.Labels {
		return false
	}
	return true
}

// Merge returns req with the geometry/label flags widened to whatever f
// already holds, provided both describe the same view.
func (f Fingerprint) Merge(req Fingerprint) Fingerprint {
	if !f.SameView(req) {
		return req
	}
	req.Geometries = req.Geometries || f.Geometries
	req.Labels = req.Labels || f.Labels
	return req
}

// VectorTileRequest asks for the painted content of one vector tile.
type VectorTileRequest struct {
	Layer       string        `json:"layer"`
	Code        tilecode.Code `json:"code"`
	Fingerprint Fingerprint   `json:"fingerprint"`
}

// VectorTileResponse is the painted content of one vector tile.
type VectorTileResponse struct {
	Code       tilecode.Code   `json:"code"`
	Features   Content         `json:"features"`
	Labels     Content         `json:"labels"`
	Dependents []tilecode.Code `json:"dependents,omitempty"`
}

// RasterBatchRequest asks for the raster tiles covering a world envelope at
// a given scale.
type RasterBatchRequest struct {
	Layer  string    `json:"layer"`
	Bounds orb.Bound `json:"bounds"`
	Scale  float64   `json:"scale"`
	Style  string    `json:"style,omitempty"`
}

// RasterTileInfo describes one raster tile of a batch. Bounds are in world
// coordinates.
type RasterTileInfo struct {
	Code   tilecode.Code `json:"code"`
	Bounds orb.Bound     `json:"bounds"`
	URL    string        `json:"url"`
	Style  string        `json:"style,omitempty"`
}

// RasterBatchResponse lists the raster tiles covering a batch request.
type RasterBatchResponse struct {
	Level  uint32           `json:"level"`
	Origin string           `json:"origin"`
	Tiles  []RasterTileInfo `json:"tiles"`
}

// LayerInfo describes one layer in the catalog.
type LayerInfo struct {
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	Extent orb.Bound `json:"extent"`
	Width  int       `json:"width,omitempty"`
	Height int       `json:"height,omitempty"`
}

// Catalog lists every served layer.
type Catalog struct {
	Layers []LayerInfo `json:"layers"`
}
