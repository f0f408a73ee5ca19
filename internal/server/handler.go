package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"example.com/staticserve/internal/compress"
	"example.com/staticserve/internal/config"
	"example.com/staticserve/internal/handlers/proxy"
	"example.com/staticserve/internal/handlers/staticfile"
	"example.com/staticserve/internal/logger"
	"example.com/staticserve/internal/metrics"
	"example.com/staticserve/internal/mimetype"
	"example.com/staticserve/internal/resolve"
)

// Reserved paths, matched exactly before resolution.
const (
	healthPath  = "/_health"
	metricsPath = "/_metrics"
)

// Dispatcher is the fixed request pipeline: CORS headers, health
// endpoint, auth gate, metrics endpoint, path resolution, then static
// serving or proxy fallback. It implements http.Handler.
type Dispatcher struct {
	cfg      *config.Config
	log      *logger.Logger
	resolver *resolve.Resolver
	static   *staticfile.Handler

	// proxy is nil without an upstream; mets is nil unless enabled.
	proxy          *proxy.Handler
	mets           *metrics.Metrics
	metricsHandler http.Handler
}

// NewDispatcher wires the pipeline from a finalized configuration.
func NewDispatcher(cfg *config.Config, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		log:      log,
		resolver: resolve.New(cfg.Static.Root),
	}

	errorPage := func(w http.ResponseWriter, r *http.Request, status int, detail string) {
		WriteErrorResponse(w, r, status, detail, log)
	}

	mimes := mimetype.New(cfg.Static.MimeTypes)
	comp := compress.New(cfg.CompressionEnabled(), cfg.Compress.MinBytes, cfg.Compress.MaxBytes)
	d.static = staticfile.New(cfg, log, mimes, comp, errorPage)

	if cfg.ProxyEnabled() {
		d.proxy = proxy.New(cfg, log, errorPage)
	}
	if cfg.MetricsEnabled() {
		d.mets = metrics.New()
		d.metricsHandler = d.mets.Handler()
	}
	return d
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	rec := &responseRecorder{ResponseWriter: w}
	rec.Header().Set("X-Request-Id", requestID)

	if d.mets != nil {
		d.mets.RequestStarted()
	}

	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				d.finish(rec, r, requestID, start)
				panic(p)
			}
			d.log.Error("panic in request pipeline", logger.LogFields{
				"request_id": requestID,
				"method":     r.Method,
				"uri":        r.URL.RequestURI(),
				"panic":      fmt.Sprint(p),
				"stack":      string(debug.Stack()),
			})
			if rec.wroteHeader {
				// Headers are out; aborting the connection is the only
				// way left to signal the failure.
				d.finish(rec, r, requestID, start)
				panic(http.ErrAbortHandler)
			}
			WriteErrorResponse(rec, r, http.StatusInternalServerError, "", d.log)
		}
		d.finish(rec, r, requestID, start)
	}()

	d.dispatch(rec, r, requestID)
}

func (d *Dispatcher) dispatch(rec *responseRecorder, r *http.Request, requestID string) {
	if d.cfg.CORSEnabled() {
		hdr := rec.Header()
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Range")
	}

	if r.URL.Path == healthPath {
		d.serveHealth(rec, r)
		return
	}

	if d.cfg.AuthEnabled() && !d.checkAuth(rec, r) {
		return
	}

	if d.metricsHandler != nil && r.URL.Path == metricsPath {
		d.metricsHandler.ServeHTTP(rec, r)
		return
	}

	res, err := d.resolver.Resolve(r.URL.EscapedPath())
	switch {
	case err == nil:
		d.static.Serve(rec, r, res)
	case errors.Is(err, resolve.ErrMalformed):
		WriteErrorResponse(rec, r, http.StatusBadRequest, "malformed request path", d.log)
	case errors.Is(err, resolve.ErrForbidden):
		WriteErrorResponse(rec, r, http.StatusForbidden, "", d.log)
	case errors.Is(err, resolve.ErrNotFound):
		if d.proxy != nil {
			d.proxy.ServeHTTP(rec, r)
			return
		}
		WriteErrorResponse(rec, r, http.StatusNotFound, "", d.log)
	default:
		d.log.Error("path resolution failed", logger.LogFields{
			"request_id": requestID,
			"uri":        r.URL.Path,
			"error":      err.Error(),
		})
		WriteErrorResponse(rec, r, http.StatusInternalServerError, "", d.log)
	}
}

func (d *Dispatcher) serveHealth(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("Content-Type", "application/json")
	hdr.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		io.WriteString(w, `{"status":"ok"}`)
	}
}

func (d *Dispatcher) finish(rec *responseRecorder, r *http.Request, requestID string, start time.Time) {
	elapsed := time.Since(start)
	d.log.Access(logger.AccessEntry{
		RequestID:  requestID,
		RemoteAddr: r.RemoteAddr,
		Method:     r.Method,
		URI:        r.URL.RequestURI(),
		Proto:      r.Proto,
		Status:     rec.Status(),
		Bytes:      rec.bytes,
		Duration:   elapsed,
		UserAgent:  r.Header.Get("User-Agent"),
		Referer:    r.Header.Get("Referer"),
	})
	if d.mets != nil {
		d.mets.RequestFinished(r.Method, rec.Status(), rec.bytes, elapsed)
	}
}

// responseRecorder captures the status and body size for the access log
// and metrics without altering the response.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (rec *responseRecorder) WriteHeader(code int) {
	if !rec.wroteHeader {
		rec.status = code
		rec.wroteHeader = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *responseRecorder) Write(p []byte) (int, error) {
	if !rec.wroteHeader {
		rec.status = http.StatusOK
		rec.wroteHeader = true
	}
	n, err := rec.ResponseWriter.Write(p)
	rec.bytes += int64(n)
	return n, err
}

func (rec *responseRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Status reports the recorded status, defaulting to 200 the way net/http
// does for handlers that never call WriteHeader.
func (rec *responseRecorder) Status() int {
	if !rec.wroteHeader {
		return http.StatusOK
	}
	return rec.status
}

func (rec *responseRecorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }
