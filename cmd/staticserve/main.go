package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"example.com/staticserve/internal/config"
	"example.com/staticserve/internal/logger"
	"example.com/staticserve/internal/server"
	"example.com/staticserve/internal/supervisor"
	"example.com/staticserve/internal/util"
)

func main() {
	cfg, err := config.FromFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "staticserve:", err)
		os.Exit(2)
	}

	lg, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("staticserve: initializing logger: %v", err)
	}

	err = run(cfg, lg)
	if err != nil {
		lg.Error("server exited", logger.LogFields{"error": err.Error()})
	}
	lg.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, lg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if util.IsWorker() {
		return runWorker(ctx, cfg, lg)
	}

	printBanner(cfg)

	if cfg.Server.Workers > 1 {
		return runLeader(ctx, cfg, lg)
	}
	return serve(ctx, cfg, lg, nil)
}

// runWorker adopts the listener handed down by the supervisor and
// serves on it. Workers never bind and never print the banner.
func runWorker(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	ln, err := util.InheritedListener()
	if err != nil {
		return fmt.Errorf("worker startup: %w", err)
	}
	return serve(ctx, cfg, lg.WithFields(logger.LogFields{"worker": util.WorkerID()}), ln)
}

// runLeader binds the shared listener and runs the supervisor instead
// of serving. Requests are handled only by the workers.
func runLeader(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		if util.IsAddrInUse(err) {
			return fmt.Errorf("%s is already in use", cfg.Addr())
		}
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}
	defer ln.Close()

	lnFile, err := util.ListenerFile(ln)
	if err != nil {
		return err
	}
	defer lnFile.Close()

	return supervisor.New(cfg, lg, lnFile).Run(ctx)
}

// serve runs one Server until ctx is cancelled, then drains it. A nil
// ln means bind the configured address.
func serve(ctx context.Context, cfg *config.Config, lg *logger.Logger, ln net.Listener) error {
	srv := server.New(cfg, lg)

	errCh := make(chan error, 1)
	go func() {
		if ln != nil {
			errCh <- srv.Serve(ln)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	lg.Info("shutting down", nil)
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return <-errCh
}

func printBanner(cfg *config.Config) {
	if cfg.QuietMode() {
		return
	}
	color.New(color.FgCyan, color.Bold).Fprintln(os.Stderr, "staticserve")
	dim := color.New(color.FgHiBlack)
	dim.Fprintf(os.Stderr, "  serving   %s\n", cfg.Static.Root)
	dim.Fprintf(os.Stderr, "  listening %s://%s\n", cfg.Scheme(), cfg.Addr())
	if cfg.ProxyEnabled() {
		dim.Fprintf(os.Stderr, "  proxying  misses to %s\n", cfg.Proxy.UpstreamURL)
	}
	if cfg.Server.Workers > 1 {
		dim.Fprintf(os.Stderr, "  workers   %d\n", cfg.Server.Workers)
	}
}
