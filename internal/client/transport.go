// Package client fetches tiles from a gigatiles server for the client
// caches.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"gigatiles/internal/async"
	"gigatiles/internal/protocol"
)

// Transport issues tile requests over HTTP. Outcomes are posted to a loop
// so the caches only ever see them on the loop goroutine.
type Transport struct {
	baseURL string
	http    *retryablehttp.Client
	loop    *async.Loop
	logger  *zap.Logger
}

type Option func(*retryablehttp.Client)

// WithRetry sets how often and how patiently failed requests are retried.
func WithRetry(max int, waitMin, waitMax time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.RetryMax = max
		c.RetryWaitMin = waitMin
		c.RetryWaitMax = waitMax
	}
}

// WithTimeout bounds every attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.HTTPClient.Timeout = d
	}
}

func New(baseURL string, loop *async.Loop, logger *zap.Logger, opts ...Option) *Transport {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = leveledLogger{logger.Sugar()}
	for _, opt := range opts {
		opt(rc)
	}

	return &Transport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    rc,
		loop:    loop,
		logger:  logger,
	}
}

func (t *Transport) FetchVector(req protocol.VectorTileRequest) *async.Deferred[protocol.VectorTileResponse] {
	return fetch[protocol.VectorTileResponse](t, t.vectorURL(req))
}

func (t *Transport) FetchRaster(req protocol.RasterBatchRequest) *async.Deferred[protocol.RasterBatchResponse] {
	return fetch[protocol.RasterBatchResponse](t, t.rasterURL(req))
}

// Catalog lists the layers the server offers. It blocks.
func (t *Transport) Catalog(ctx context.Context) (protocol.Catalog, error) {
	var catalog protocol.Catalog
	err := t.getJSON(ctx, t.baseURL+"/api/layers", &catalog)
	return catalog, err
}

func fetch[T any](t *Transport, target string) *async.Deferred[T] {
	ctx, cancel := context.WithCancel(context.Background())
	d := async.NewDeferred[T](cancel)

	go func() {
		defer cancel()

		var v T
		err := t.getJSON(ctx, target, &v)
		if ctx.Err() != nil {
			// cancelled; nobody is waiting
			return
		}

		postErr := t.loop.Post(func() {
			if err != nil {
				d.Reject(err)
				return
			}
			d.Resolve(v)
		})
		if postErr != nil {
			t.logger.Debug("Dropping response after loop closed", zap.String("url", target))
		}
	}()

	return d
}

func (t *Transport) getJSON(ctx context.Context, target string, v any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request %s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (t *Transport) vectorURL(req protocol.VectorTileRequest) string {
	fp := req.Fingerprint
	q := url.Values{}
	if fp.StyleID != "" {
		q.Set("style", fp.StyleID)
	}
	if fp.Filter != "" {
		q.Set("filter", fp.Filter)
	}
	if fp.CRS != "" {
		q.Set("crs", fp.CRS)
	}
	q.Set("geometries", strconv.FormatBool(fp.Geometries))
	q.Set("labels", strconv.FormatBool(fp.Labels))

	return fmt.Sprintf("%s/api/layers/%s/vector/%d/%d/%d?%s",
		t.baseURL, url.PathEscape(req.Layer), req.Code.Level, req.Code.X, req.Code.Y, q.Encode())
}

func (t *Transport) rasterURL(req protocol.RasterBatchRequest) string {
	q := url.Values{}
	q.Set("minx", formatFloat(req.Bounds.Min[0]))
	q.Set("miny", formatFloat(req.Bounds.Min[1]))
	q.Set("maxx", formatFloat(req.Bounds.Max[0]))
	q.Set("maxy", formatFloat(req.Bounds.Max[1]))
	q.Set("scale", formatFloat(req.Scale))
	if req.Style != "" {
		q.Set("style", req.Style)
	}
	return fmt.Sprintf("%s/api/layers/%s/raster?%s", t.baseURL, url.PathEscape(req.Layer), q.Encode())
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// leveledLogger routes retryablehttp logging to zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) { l.s.Errorw(msg, keysAndValues...) }
func (l leveledLogger) Info(msg string, keysAndValues ...interface{})  { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Warn(msg string, keysAndValues ...interface{})  { l.s.Warnw(msg, keysAndValues...) }
