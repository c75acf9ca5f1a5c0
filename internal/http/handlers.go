package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gigatiles/internal/config"
	"gigatiles/internal/layers"
	"gigatiles/internal/metrics"
	"gigatiles/internal/painter"
	"gigatiles/internal/protocol"
	"gigatiles/internal/render"
	"gigatiles/internal/tilecode"
)

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	service  *render.Service
	validate *validator.Validate
}

func New(config *config.Config, logger *zap.Logger, service *render.Service) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

// Routes returns the mux serving every endpoint.
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	h.route(mux, "GET /healthz", h.HandleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	h.route(mux, "GET /api/layers", h.HandleCatalog)
	h.route(mux, "GET /api/layers/{id}/vector/{z}/{x}/{y}", h.HandleVectorTile)
	h.route(mux, "GET /api/layers/{id}/raster", h.HandleRasterBatch)
	h.route(mux, "GET /api/layers/{id}/tiles/{z}/{x}/{file}", h.HandleRasterImage)
	h.route(mux, "POST /api/layers/{id}/invalidate", h.HandleInvalidate)
	h.route(mux, "POST /api/reload", h.HandleReload)

	return mux
}

// route registers fn and counts its responses by pattern and status.
func (h *Handlers) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		fn(wrapped, r)
		metrics.HTTPRequests.WithLabelValues(pattern, strconv.Itoa(wrapped.statusCode)).Inc()
	})
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r.WithContext(render.WithRequestID(r.Context(), requestID)))

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin == "" {
				allowedOrigin = "*"
			} else if strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host) {
				allowedOrigin = origin
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleCatalog(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.service.Catalog())
}

type vectorQuery struct {
	Z          uint32 `validate:"max=30"`
	X          uint32
	Y          uint32
	Style      string `validate:"max=128"`
	Filter     string `validate:"max=1024"`
	CRS        string `validate:"max=64"`
	Label      string `validate:"max=128"`
	Geometries bool
	Labels     bool
}

func (h *Handlers) HandleVectorTile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		query vectorQuery
		err   error
	)
	query.Z, err = parseUint(r.PathValue("z"))
	if err == nil {
		query.X, err = parseUint(r.PathValue("x"))
	}
	if err == nil {
		query.Y, err = parseUint(r.PathValue("y"))
	}
	if err == nil {
		query.Geometries, err = parseBool(q.Get("geometries"), true)
	}
	if err == nil {
		query.Labels, err = parseBool(q.Get("labels"), false)
	}
	if err != nil {
		http.Error(w, "Invalid tile parameters", http.StatusBadRequest)
		return
	}
	query.Style = q.Get("style")
	query.Filter = q.Get("filter")
	query.CRS = q.Get("crs")
	query.Label = q.Get("label")

	if err := h.validate.Struct(query); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	style := painter.Style{
		ID:             query.Style,
		Filter:         query.Filter,
		CRS:            query.CRS,
		Geometries:     query.Geometries,
		Labels:         query.Labels,
		LabelAttribute: query.Label,
	}
	code := tilecode.Code{Level: query.Z, X: query.X, Y: query.Y}

	resp, err := h.service.VectorTile(r.Context(), r.PathValue("id"), code, style)
	if err != nil {
		h.writeError(w, "Failed to paint vector tile", err)
		return
	}
	h.writeJSON(w, resp)
}

type boundsQuery struct {
	MinX float64
	MinY float64
	MaxX float64 `validate:"gtefield=MinX"`
	MaxY float64 `validate:"gtefield=MinY"`
}

func (b boundsQuery) bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

type rasterQuery struct {
	Bounds boundsQuery
	Scale  float64 `validate:"gt=0"`
	Style  string  `validate:"max=128"`
}

func (h *Handlers) HandleRasterBatch(w http.ResponseWriter, r *http.Request) {
	var query rasterQuery
	var err error
	query.Bounds, err = parseBounds(r)
	if err == nil {
		query.Scale, err = parseFloat(r.URL.Query().Get("scale"))
	}
	if err != nil {
		http.Error(w, "Invalid raster parameters", http.StatusBadRequest)
		return
	}
	query.Style = r.URL.Query().Get("style")

	if err := h.validate.Struct(query); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.service.RasterBatch(r.Context(), protocol.RasterBatchRequest{
		Layer:  r.PathValue("id"),
		Bounds: query.Bounds.bound(),
		Scale:  query.Scale,
		Style:  query.Style,
	})
	if err != nil {
		h.writeError(w, "Failed to list raster tiles", err)
		return
	}
	h.writeJSON(w, resp)
}

func (h *Handlers) HandleRasterImage(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	name, ok := strings.CutSuffix(file, ".jpg")
	if !ok {
		name, ok = strings.CutSuffix(file, ".jpeg")
	}
	if !ok {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}

	z, err := parseUint(r.PathValue("z"))
	if err != nil {
		http.Error(w, "Invalid zoom level", http.StatusBadRequest)
		return
	}
	x, err := parseUint(r.PathValue("x"))
	if err != nil {
		http.Error(w, "Invalid x coordinate", http.StatusBadRequest)
		return
	}
	y, err := parseUint(name)
	if err != nil {
		http.Error(w, "Invalid y coordinate", http.StatusBadRequest)
		return
	}

	img, err := h.service.RasterImage(r.Context(), r.PathValue("id"), tilecode.Code{Level: z, X: x, Y: y})
	if err != nil {
		h.writeError(w, "Failed to render tile", err)
		return
	}

	etag := `"` + img.ETag + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("X-Tile-Bytes", strconv.Itoa(len(img.Data)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(img.Data)
}

func (h *Handlers) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	bounds, err := parseBounds(r)
	if err != nil {
		http.Error(w, "Invalid bounds", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(bounds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	removed, err := h.service.Invalidate(r.PathValue("id"), bounds.bound())
	if err != nil {
		h.writeError(w, "Failed to invalidate", err)
		return
	}
	h.writeJSON(w, map[string]int{"removed": removed})
}

func (h *Handlers) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Reload(); err != nil {
		h.writeError(w, "Failed to reload layers", err)
		return
	}
	h.writeJSON(w, map[string]int{"layers": len(h.service.Registry().Layers())})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, layers.ErrLayerNotFound), errors.Is(err, layers.ErrEmptyTile):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, render.ErrUnsupportedLayer),
		errors.Is(err, render.ErrInvalidTile),
		errors.Is(err, render.ErrInvalidRequest),
		errors.Is(err, painter.ErrBadFilter):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error(msg, zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func parseUint(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func parseBool(s string, def bool) (bool, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseBool(s)
}

func parseBounds(r *http.Request) (boundsQuery, error) {
	q := r.URL.Query()
	var b boundsQuery
	var err error
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"minx", &b.MinX},
		{"miny", &b.MinY},
		{"maxx", &b.MaxX},
		{"maxy", &b.MaxY},
	} {
		if *f.dst, err = parseFloat(q.Get(f.name)); err != nil {
			return boundsQuery{}, err
		}
	}
	return b, nil
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
