// Package staticfile serves resolved filesystem targets: regular files
// with conditional-request and compression support, directories via
// index files or a streamed listing.
package staticfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"example.com/staticserve/internal/compress"
	"example.com/staticserve/internal/config"
	"example.com/staticserve/internal/logger"
	"example.com/staticserve/internal/mimetype"
	"example.com/staticserve/internal/resolve"
)

// ErrorPageFunc renders a negotiated error response. The dispatcher
// injects it so this package stays independent of the server package.
type ErrorPageFunc func(w http.ResponseWriter, r *http.Request, status int, detail string)

// Handler serves files and directory listings from the document root.
type Handler struct {
	cfg       *config.Config
	log       *logger.Logger
	mimes     *mimetype.Resolver
	comp      *compress.Negotiator
	errorPage ErrorPageFunc
}

// New builds a Handler.
func New(cfg *config.Config, log *logger.Logger, mimes *mimetype.Resolver, comp *compress.Negotiator, errorPage ErrorPageFunc) *Handler {
	return &Handler{cfg: cfg, log: log, mimes: mimes, comp: comp, errorPage: errorPage}
}

// Serve writes the response for a resolved target.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, res *resolve.Result) {
	if res.Info.IsDir() {
		h.serveDir(w, r, res)
		return
	}
	h.serveFile(w, r, res.Path, res.Info)
}

func (h *Handler) serveDir(w http.ResponseWriter, r *http.Request, res *resolve.Result) {
	// Relative entry links only resolve against the slash form.
	if !strings.HasSuffix(r.URL.Path, "/") {
		target := r.URL.EscapedPath() + "/"
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}

	if h.cfg.AutoIndexEnabled() {
		for _, name := range h.cfg.Static.IndexFiles {
			candidate := filepath.Join(res.Path, name)
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				h.serveFile(w, r, candidate, info)
				return
			}
		}
	}

	if h.cfg.ListingEnabled() {
		h.serveListing(w, r, res)
		return
	}
	h.errorPage(w, r, http.StatusForbidden, "directory listing is disabled")
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, fsPath string, info os.FileInfo) {
	etag := etagFor(info)
	contentType := h.mimes.TypeOf(fsPath)
	cacheControl := h.cacheControlFor(contentType)

	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		hdr := w.Header()
		hdr.Set("ETag", etag)
		hdr.Set("Cache-Control", cacheControl)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	accept := r.Header.Get("Accept-Encoding")
	compressible := h.comp.Enabled() && mimetype.IsTextual(contentType)

	hdr := w.Header()
	hdr.Set("Content-Type", contentType)
	hdr.Set("ETag", etag)
	hdr.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	hdr.Set("Cache-Control", cacheControl)
	if compressible {
		hdr.Add("Vary", "Accept-Encoding")
	}

	// A precompressed sibling is relayed byte for byte; the validators
	// still describe the original file.
	if compressible && compress.AcceptsGzip(accept) {
		if gzInfo, err := os.Stat(fsPath + ".gz"); err == nil && gzInfo.Mode().IsRegular() {
			hdr.Set("Content-Encoding", "gzip")
			hdr.Set("Content-Length", strconv.FormatInt(gzInfo.Size(), 10))
			h.stream(w, r, fsPath+".gz", compress.CodingIdentity)
			return
		}
	}

	coding := h.comp.Negotiate(accept, contentType, info.Size())
	if coding == compress.CodingIdentity {
		hdr.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	} else {
		hdr.Set("Content-Encoding", coding)
	}
	h.stream(w, r, fsPath, coding)
}

func (h *Handler) cacheControlFor(contentType string) string {
	maxAge := 3600
	if mimetype.IsTextual(contentType) {
		maxAge = 0
	}
	if h.cfg.Cache.MaxAge != nil {
		maxAge = *h.cfg.Cache.MaxAge
	}
	return fmt.Sprintf("public, max-age=%d", maxAge)
}

// stream copies the file to the client in ChunkBytes-sized reads,
// optionally through a content coder. HEAD never opens the file.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, fsPath, coding string) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	f, err := os.Open(fsPath)
	if err != nil {
		// The file changed between stat and open.
		status, detail := http.StatusInternalServerError, "could not open file"
		switch {
		case os.IsNotExist(err):
			status, detail = http.StatusNotFound, "file not found"
		case os.IsPermission(err):
			status, detail = http.StatusForbidden, "access denied"
		}
		h.log.Warn("open failed after stat", logger.LogFields{"path": fsPath, "error": err.Error()})
		h.errorPage(w, r, status, detail)
		return
	}
	defer f.Close()

	w.WriteHeader(http.StatusOK)

	var dst io.Writer = w
	var enc io.WriteCloser
	if coding != compress.CodingIdentity {
		enc, err = compress.NewWriter(coding, w)
		if err != nil {
			h.log.Error("compressor init failed", logger.LogFields{"coding": coding, "error": err.Error()})
			panic(http.ErrAbortHandler)
		}
		dst = enc
	}

	buf := make([]byte, h.cfg.Static.ChunkBytes)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				h.abort(r, "write", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			h.abort(r, "read", rerr)
		}
	}
	if enc != nil {
		if cerr := enc.Close(); cerr != nil {
			h.abort(r, "flush", cerr)
		}
	}
}

// abort logs the transfer fault and tears the connection down. Headers
// and part of the body are already out, so no error page is possible.
func (h *Handler) abort(r *http.Request, op string, err error) {
	fields := logger.LogFields{"op": op, "uri": r.URL.Path, "error": err.Error()}
	if isClientAbort(err) {
		h.log.Debug("client closed connection during transfer", fields)
	} else {
		h.log.Error("file transfer failed", fields)
	}
	panic(http.ErrAbortHandler)
}

// isClientAbort reports whether an I/O error is the client hanging up
// rather than a server-side fault.
func isClientAbort(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
