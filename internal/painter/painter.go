// Package painter turns the features or pixels of one layer tile into the
// content a client draws.
package painter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"

	"gigatiles/internal/layers"
	"gigatiles/internal/protocol"
	"gigatiles/internal/tilecode"
)

var (
	ErrWrongKind = errors.New("painter does not handle this layer kind")
	ErrBadFilter = errors.New("malformed filter")
)

// Tile is the unit a painter works on.
type Tile struct {
	Layer  *layers.Layer
	Code   tilecode.Code
	Bounds orb.Bound
}

// NewTile returns the tile at code of layer with its world bounds.
func NewTile(layer *layers.Layer, code tilecode.Code) Tile {
	return Tile{Layer: layer, Code: code, Bounds: layer.Grid().Bounds(code)}
}

// Style selects what to paint.
type Style struct {
	ID     string
	Filter string
	CRS    string

	Geometries bool
	Labels     bool

	// LabelAttribute is the feature property used as label text.
	LabelAttribute string
}

// Result is what a painter produced for one tile. Envelope is the world area
// the result depends on; editing anything inside it makes the result stale.
type Result struct {
	Features   protocol.Content
	Labels     protocol.Content
	Dependents []tilecode.Code
	Envelope   orb.Bound
}

type Painter interface {
	Paint(ctx context.Context, tile Tile, style Style) (Result, error)
}

// Filter is a conjunction of property equality terms.
type Filter []FilterTerm

type FilterTerm struct {
	Key   string
	Value string
}

// ParseFilter parses "key=value[,key=value...]". The empty string matches
// everything.
func ParseFilter(raw string) (Filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var f Filter
	for _, part := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadFilter, part)
		}
		f = append(f, FilterTerm{Key: key, Value: strings.TrimSpace(value)})
	}
	return f, nil
}

// Match reports whether props satisfy every term.
func (f Filter) Match(props map[string]any) bool {
	for _, term := range f {
		v, ok := props[term.Key]
		if !ok || fmt.Sprint(v) != term.Value {
			return false
		}
	}
	return true
}
