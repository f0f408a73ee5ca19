// Package server owns the request pipeline and the HTTP server
// lifecycle: binding or adopting a listener, TLS, connection caps,
// timeouts and graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/netutil"

	"example.com/staticserve/internal/config"
	"example.com/staticserve/internal/logger"
)

// Server runs the dispatcher on one listener, owned or inherited.
type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	httpSrv  *http.Server
	listener net.Listener
}

// New builds a Server around the pipeline for cfg.
func New(cfg *config.Config, log *logger.Logger) *Server {
	return &Server{
		cfg: cfg,
		log: log,
		httpSrv: &http.Server{
			Handler:           NewDispatcher(cfg, log),
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout(),
			ReadTimeout:       cfg.Server.ReadTimeout(),
			IdleTimeout:       cfg.Server.IdleTimeout(),
			ErrorLog:          log.StdLogger(),
		},
	}
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve runs the server on ln, applying the connection cap and TLS when
// configured. ln may be an inherited listener from the supervisor.
func (s *Server) Serve(ln net.Listener) error {
	if max := s.cfg.Server.MaxConnections; max > 0 {
		ln = netutil.LimitListener(ln, max)
	}
	if s.cfg.TLSEnabled() {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.listener = ln

	s.log.Info("server listening", logger.LogFields{
		"addr":   ln.Addr().String(),
		"scheme": s.cfg.Scheme(),
		"root":   s.cfg.Static.Root,
	})

	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Shutdown stops accepting and drains in-flight requests until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Addr reports the bound address; nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
