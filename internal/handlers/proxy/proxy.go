// Package proxy relays requests to a single upstream when the document
// root has no answer for them.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"example.com/staticserve/internal/config"
	"example.com/staticserve/internal/logger"
)

// ErrorPageFunc renders a negotiated error response. The dispatcher
// injects it so this package stays independent of the server package.
type ErrorPageFunc func(w http.ResponseWriter, r *http.Request, status int, detail string)

// Handler forwards requests to the configured upstream and streams the
// response back verbatim. One pooled transport is shared by every
// request in the worker.
type Handler struct {
	upstream  *url.URL
	rp        *httputil.ReverseProxy
	log       *logger.Logger
	errorPage ErrorPageFunc
}

// New builds a Handler for cfg.Proxy.UpstreamURL.
func New(cfg *config.Config, log *logger.Logger, errorPage ErrorPageFunc) *Handler {
	upstream := cfg.Proxy.UpstreamURL
	h := &Handler{upstream: upstream, log: log, errorPage: errorPage}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	h.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		Transport: transport,
		// Flush every write so upstream streaming survives the relay.
		FlushInterval: -1,
		ErrorLog:      log.StdLogger(),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			fields := logger.LogFields{
				"upstream": upstream.String(),
				"uri":      r.URL.RequestURI(),
				"error":    err.Error(),
			}
			if errors.Is(err, context.Canceled) {
				h.log.Debug("client canceled during relay", fields)
			} else {
				h.log.Error("upstream request failed", fields)
			}
			h.errorPage(w, r, http.StatusBadGateway, "upstream unreachable")
		},
	}
	return h
}

// ServeHTTP relays one request. A request target that fails to reparse
// is rejected before any upstream contact.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := url.ParseRequestURI(r.RequestURI); err != nil {
		h.errorPage(w, r, http.StatusBadRequest, "malformed request URL")
		return
	}
	h.rp.ServeHTTP(w, r)
}
