package render

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"gigatiles/internal/layers"
	"gigatiles/internal/painter"
	"gigatiles/internal/tilecode"
)

// WarmupStyle is painted for vector layers during warmup.
var WarmupStyle = painter.Style{Geometries: true}

// Warmup paints every tile of the first levels of each layer into the cache
// using at most workerLimit concurrent painters. It returns the number of
// tiles painted.
func (s *Service) Warmup(ctx context.Context, levels, workerLimit int) int {
	all := s.registry.Layers()
	if len(all) == 0 || levels < 0 {
		return 0
	}

	s.logger.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("layers", len(all)))

	if workerLimit <= 0 {
		workerLimit = 1
	}

	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	painted := 0

	for _, layer := range all {
		maxLevel := uint32(levels)
		if m := layer.MaxLevel(s.tileSize); maxLevel > m {
			maxLevel = m
		}

		for z := uint32(0); z <= maxLevel; z++ {
			n := uint32(tilecode.TilesPerAxis(z))
			for y := uint32(0); y < n; y++ {
				for x := uint32(0); x < n; x++ {
					if !acquire(ctx, workerChan) {
						wg.Wait()
						s.logger.Info("Tile warmup cancelled", zap.Int("painted", painted))
						return painted
					}
					wg.Add(1)

					go func(layer *layers.Layer, code tilecode.Code) {
						defer wg.Done()
						defer func() { <-workerChan }()

						if err := s.warmTile(ctx, layer, code); err != nil {
							s.logger.Debug("Warmup tile failed",
								zap.String("layer", layer.ID),
								zap.Stringer("tile", code),
								zap.Error(err))
							return
						}
						mu.Lock()
						painted++
						mu.Unlock()
					}(layer, tilecode.New(z, x, y))
				}
			}
		}
	}

	wg.Wait()
	s.logger.Info("Tile warmup completed", zap.Int("painted", painted))
	return painted
}

// acquire takes a worker slot, giving up once ctx is done.
func acquire(ctx context.Context, slots chan struct{}) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case slots <- struct{}{}:
		return true
	}
}

func (s *Service) warmTile(ctx context.Context, layer *layers.Layer, code tilecode.Code) error {
	switch layer.Kind {
	case layers.KindVector:
		_, err := s.VectorTile(ctx, layer.ID, code, WarmupStyle)
		return err
	case layers.KindRaster:
		_, err := s.RasterImage(ctx, layer.ID, code)
		return err
	default:
		return errors.New("unknown layer kind")
	}
}
