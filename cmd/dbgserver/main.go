package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/dbgwire/internal/actors"
	"github.com/danmuck/dbgwire/internal/admin"
	"github.com/danmuck/dbgwire/internal/config"
	"github.com/danmuck/dbgwire/internal/logging"
	"github.com/danmuck/dbgwire/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "dbgserver: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseOptions(args, os.Stderr)
	if err != nil {
		return err
	}
	if opts.writeConfig != "" {
		if err := config.WriteTemplate(opts.writeConfig, opts.force); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote config template to %s\n", opts.writeConfig)
		return nil
	}

	logging.ConfigureRuntime()
	logging.SetLevel(opts.cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, opts.cfg, nil)
}

// serve runs a server until ctx is done. ready, when set, receives the
// server once every listener is up.
func serve(ctx context.Context, cfg config.ServerConfig, ready chan<- *server.Server) error {
	srv := server.New(cfg.Server(), nil)
	srv.SetRootFactory(actors.NewRootFactory(srv, cfg.Root()))
	srv.Init(cfg.Policy(srv))

	if cfg.RemoteEnabled {
		if err := srv.OpenListener(cfg.Port); err != nil {
			return fmt.Errorf("open listener: %w", err)
		}
	}
	if cfg.WebSocketAddr != "" {
		if _, err := srv.ServeWebSocket(cfg.WebSocketAddr); err != nil {
			srv.CloseListener()
			return fmt.Errorf("serve websocket: %w", err)
		}
	}

	adminErr := make(chan error, 1)
	if cfg.AdminAddr != "" {
		a := admin.New(cfg.Name, srv, cfg.AdminCORSOrigins, cfg.AdminOptions()...)
		go func() { adminErr <- a.Serve(ctx, cfg.AdminAddr) }()
	}
	if ready != nil {
		ready <- srv
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-adminErr:
		if err != nil {
			runErr = fmt.Errorf("admin: %w", err)
		}
	}

	log.Info().Str("server", cfg.Name).Int("connections", srv.ConnectionCount()).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown: %w", err)
	}
	return runErr
}
