package main

import (
	"context"

	"renderhub/internal/app"
	"renderhub/internal/config"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/pkg/shutdown"
	"renderhub/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	log := app.NewLogger(cfg.Log, "renderhub-worker")
	if cfg.Queue.Broker != "redis" {
		log.Warn("worker started with the in-memory broker, it only runs jobs enqueued in this process")
	}

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.Server.ShutdownTimeout)

	infra, err := app.Open(ctx, cfg, log, shutdownMgr)
	if err != nil {
		log.LogFatal("failed to initialize dependencies", err)
	}

	w := worker.New(worker.Deps{
		Jobs:      infra.Jobs,
		Files:     infra.Files,
		Broker:    infra.Broker,
		Catalog:   infra.Catalog,
		Events:    infra.Events,
		Renderer:  app.RendererConfig(cfg.Renderer),
		Queue:     app.QueueConfig(cfg.Queue),
		AdminAddr: "0.0.0.0:" + cfg.Worker.AdminPort,
		Checks:    infra.Checks(),
		Log:       log,
	})
	if err := w.Start(ctx); err != nil {
		log.LogFatal("failed to start worker", err)
	}
	shutdownMgr.Register("worker", w.Stop)

	log.Info("renderhub worker started",
		"concurrency", cfg.Queue.Concurrency,
		"queue", cfg.Queue.Name,
	)
	shutdownMgr.Wait()
}
