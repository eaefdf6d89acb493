// Command watchtower runs the event-processing daemon: it loads
// configuration, assembles a supervisor, exposes the ops HTTP surface and
// drains cleanly on SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/logger"
	"github.com/kart-io/watchtower/pkg/supervisor"
	opshttp "github.com/kart-io/watchtower/transport/http"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to a YAML configuration file")
		logLevel   = flag.String("log-level", "", "log level override: debug, info, warn or error")
	)
	flag.Parse()

	var opts []config.Option
	if *logLevel != "" {
		opts = append(opts, config.WithLogLevel(*logLevel))
	}
	cfg, err := config.LoadFile(*configPath, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}
	log := cfg.BuildLogger()

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.Error("Supervisor construction failed", "error", err)
		return 1
	}
	if err := sup.Start(context.Background()); err != nil {
		log.Error("Supervisor start failed", "error", err)
		return 1
	}

	var srv *opshttp.Server
	var serveErr <-chan error
	if cfg.Server.Enabled {
		srv = opshttp.NewServer(cfg.Server, sup, log)
		if err := srv.Start(); err != nil {
			log.Error("Ops server failed to start", "addr", cfg.Server.Addr, "error", err)
			shutdown(sup, nil, cfg, log)
			return 1
		}
		serveErr = srv.ServeErr()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// A nil serveErr channel blocks forever, so a disabled server never
	// trips this select.
	select {
	case sig := <-quit:
		log.Info("Signal received, shutting down", "signal", sig.String())
		shutdown(sup, srv, cfg, log)
		return 0
	case err := <-serveErr:
		log.Error("Ops server failed", "error", err)
		shutdown(sup, srv, cfg, log)
		return 1
	}
}

// shutdown stops intake first so in-flight requests drain against a live
// supervisor, then drains the supervisor itself under the configured
// deadline. A blown deadline is logged, not fatal: surviving events stay
// in the queue and dead-letter ring.
func shutdown(sup *supervisor.Supervisor, srv *opshttp.Server, cfg *config.Config, log logger.Logger) {
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		if err := srv.Stop(ctx); err != nil {
			log.Warn("Ops server stop failed", "error", err)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Instances.ShutdownTimeout())
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		log.Warn("In-flight work abandoned at shutdown deadline", "error", err)
	}
}
