// Package rasterrender cuts JPEG tiles out of raster layers with libvips.
package rasterrender

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"gigatiles/internal/layers"
	"gigatiles/internal/tilecode"
)

// Background fills the part of an edge tile the image does not reach. JPEG
// has no alpha channel.
var Background = []float64{221, 221, 221}

type Renderer struct {
	tileSize int
	quality  int
	logger   *zap.Logger
}

func New(tileSize int, logger *zap.Logger) *Renderer {
	if tileSize <= 0 {
		tileSize = 256
	}
	return &Renderer{tileSize: tileSize, quality: 82, logger: logger}
}

func (r *Renderer) TileSize() int { return r.tileSize }

// Startup initialises libvips and routes its warnings and errors to log.
// The returned function shuts libvips down.
func Startup(maxCacheMB, concurrency int, log *zap.Logger) func() {
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: concurrency,
		MaxCacheMem:      maxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	})

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", maxCacheMB),
		zap.Int("concurrency", concurrency),
	)
	return vips.Shutdown
}

// Probe reads the pixel size of an image.
func (r *Renderer) Probe(path string) (int, int, error) {
	image, err := loadImage(path, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	return image.Width(), image.Height(), nil
}

// RenderTile extracts, scales and encodes one tile of a raster layer.
func (r *Renderer) RenderTile(layer *layers.Layer, code tilecode.Code) ([]byte, error) {
	if layer.Kind != layers.KindRaster {
		return nil, fmt.Errorf("layer %s is not a raster layer", layer.ID)
	}
	if maxLevel := layer.MaxLevel(r.tileSize); code.Level > maxLevel {
		return nil, fmt.Errorf("level %d exceeds max level %d", code.Level, maxLevel)
	}

	startX, startY, width, height, pixelsPerTile := layer.SourceArea(code)
	if width <= 0 || height <= 0 {
		return nil, layers.ErrEmptyTile
	}

	image, err := loadImage(layer.Path, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	// Step 1: cut the covered region without decoding the rest of the image
	if err := image.ExtractArea(startX, startY, width, height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	// Step 2: one scale per level so neighbouring tiles match
	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(float64(r.tileSize)/pixelsPerTile, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// Step 3: pad edge tiles, anchored top-left
	if image.Width() < r.tileSize || image.Height() < r.tileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = Background
		if err := image.Embed(0, 0, r.tileSize, r.tileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = r.quality
	jpegOpts.Interlace = false

	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	r.logger.Debug("Rendered raster tile",
		zap.String("layer", layer.ID),
		zap.Stringer("tile", code),
		zap.Int("bytes", len(data)),
	)
	return data, nil
}

// loadImage opens an image by extension. Random access suits tile
// extraction from large files; sequential access is enough for headers.
func loadImage(path string, random bool) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	access := vips.AccessSequential
	if random {
		access = vips.AccessRandom
	}

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
