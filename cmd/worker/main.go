// Command flamenco-worker runs one worker process: it registers (or
// reuses its saved identity) with a Flamenco Manager, signs on, then
// repeatedly fetches and executes tasks until asked to shut down.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flamenco-io/flamenco-worker/internal/command"
	"github.com/flamenco-io/flamenco-worker/internal/config"
	"github.com/flamenco-io/flamenco-worker/internal/logger"
	"github.com/flamenco-io/flamenco-worker/internal/scratch"
	"github.com/flamenco-io/flamenco-worker/internal/status"
	statusws "github.com/flamenco-io/flamenco-worker/internal/status/websocket"
	"github.com/flamenco-io/flamenco-worker/internal/upstream"
	"github.com/flamenco-io/flamenco-worker/internal/upstreamqueue"
	"github.com/flamenco-io/flamenco-worker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Str("manager", cfg.Manager.URL).Msg("starting flamenco-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootstrapClient, err := upstream.NewClient(cfg.Manager.URL, "", upstream.WithTimeout(cfg.Manager.RequestTimeout))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build bootstrap manager client")
	}

	id, err := worker.Register(ctx, bootstrapClient, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register worker identity")
	}

	manager, err := upstream.NewClient(cfg.Manager.URL, id.AccessToken,
		upstream.WithTimeout(cfg.Manager.RequestTimeout))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build authenticated manager client")
	}

	queue, err := upstreamqueue.Open(cfg.Queue.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open durable update queue")
	}
	defer queue.Close()
	queue.FlushCap = cfg.Queue.FlushCap
	queue.BackoffTime = cfg.Queue.BackoffTime

	if cfg.Worker.ScratchDir != "" {
		if err := scratch.Sweep(cfg.Worker.ScratchDir, ""); err != nil {
			log.Warn().Err(err).Msg("failed to sweep task scratch directory")
		}
	}

	registry := buildRegistry(cfg)

	app := worker.New(cfg, manager, queue, registry, id)

	if err := app.SignOn(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to sign on with manager")
	}

	var statusServer *status.Server
	if cfg.Status.Enabled {
		hub := statusws.NewHub()
		hub.Run(ctx)
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Path
		}
		statusServer = status.New(cfg.Status.Addr, metricsPath, app, hub)
		statusServer.Start()
		app.SetHub(hub)
	}

	go app.DrainLoop(ctx)
	go app.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()
	app.Shutdown(shutdownCtx)

	if statusServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := statusServer.Shutdown(stopCtx); err != nil {
			log.Warn().Err(err).Msg("status server shutdown error")
		}
	}

	log.Info().Msg("flamenco-worker stopped")
}

// buildRegistry populates the command registry with every handler this
// worker supports, configured from cfg.Command.
func buildRegistry(cfg *config.Config) *command.Registry {
	r := command.NewRegistry()

	r.Register("blender-render", command.NewBlenderRenderHandler(cfg.Command.KillGracePeriod, cfg.Command.PythonExitCode, cfg.Command.BlenderCmd))
	r.Register("blender-render-audio", command.NewBlenderRenderAudioHandler(cfg.Command.KillGracePeriod, cfg.Command.PythonExitCode, cfg.Command.BlenderCmd))
	r.Register("exr-merge", command.NewExrMergeHandler(cfg.Command.ExrMergeCmd, cfg.Command.KillGracePeriod))
	r.Register("file-copy", command.FileCopyHandler{})
	r.Register("move-out-of-way", command.MoveOutOfWayHandler{})
	r.Register("create-directory", command.CreateDirectoryHandler{})
	r.Register("json-writes", command.JSONWritesHandler{})

	return r
}
