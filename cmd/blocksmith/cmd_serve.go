package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"blocksmith/internal/registry"
	"blocksmith/internal/server"
)

var servePort int

// serveCmd runs the HTTP/SSE/websocket surface.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the agent over HTTP",
	Long: `Exposes planning, execution, and the catalog over HTTP:

  POST /v1/plan              stream planner events as SSE
  GET  /v1/ws/plan           the same stream over a websocket
  POST /v1/run               plan an intent and execute the result
  POST /v1/webhooks/message  inbound message -> planned pipeline
  CRUD /v1/blocks, /v1/pipelines, /v1/runs, /v1/notifications

The seed directory is watched while serving, so dropping a block
document into .blocksmith/blocks/ publishes it live.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port override")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Servers outlive the flag timeout; only signals stop them.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if cfg.Registry.WatchSeeds {
		watcher, err := registry.NewSeedWatcher(cfg.SeedDir(), rt.registry)
		if err != nil {
			logger.Warn("seed watcher unavailable", zap.Error(err))
		} else {
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("seed watcher failed to start", zap.Error(err))
			} else {
				defer watcher.Stop()
			}
		}
	}

	srv := server.New(rt.agent, rt.registry, rt.store, server.FromAppConfig(cfg))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Printf("blocksmith listening on http://%s\n", cfg.ListenAddr())
	logger.Info("server started", zap.String("addr", cfg.ListenAddr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	// Unblock any in-flight planner streams before the stores close.
	cancel()
	return <-errCh
}
