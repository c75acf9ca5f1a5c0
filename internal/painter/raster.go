package painter

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"gigatiles/internal/layers"
	"gigatiles/internal/protocol"
)

// RasterPainter answers raster tiles with the URL of the rendered image,
// which the client loads on its own.
type RasterPainter struct {
	baseURL string
}

func NewRasterPainter(baseURL string) *RasterPainter {
	return &RasterPainter{baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (p *RasterPainter) Paint(ctx context.Context, tile Tile, style Style) (Result, error) {
	if tile.Layer.Kind != layers.KindRaster {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrWrongKind, tile.Layer.ID, tile.Layer.Kind)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	return Result{
		Features: protocol.Content{Type: protocol.URLContent, Value: p.TileURL(tile, style)},
		Envelope: tile.Bounds,
	}, nil
}

// TileURL is the image endpoint of one tile. The layer revision is part of
// the URL so browsers never reuse an image across a reload.
func (p *RasterPainter) TileURL(tile Tile, style Style) string {
	q := url.Values{}
	q.Set("rev", tile.Layer.Revision)
	if style.ID != "" {
		q.Set("style", style.ID)
	}
	return fmt.Sprintf("%s/api/layers/%s/tiles/%d/%d/%d.jpg?%s",
		p.baseURL, url.PathEscape(tile.Layer.ID), tile.Code.Level, tile.Code.X, tile.Code.Y, q.Encode())
}
