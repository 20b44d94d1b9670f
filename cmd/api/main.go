package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"renderhub/internal/app"
	"renderhub/internal/config"
	"renderhub/internal/httpapi"
	"renderhub/internal/httpapi/handlers"
	"renderhub/internal/metrics"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/pkg/shutdown"
	"renderhub/internal/repositories"
	"renderhub/internal/worker"
	"renderhub/internal/worker/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	log := app.NewLogger(cfg.Log, "renderhub-api")
	log.Info("starting renderhub API",
		"version", "0.1.0",
		"queue_broker", cfg.Queue.Broker,
	)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.Server.ShutdownTimeout)

	infra, err := app.Open(ctx, cfg, log, shutdownMgr)
	if err != nil {
		log.LogFatal("failed to initialize dependencies", err)
	}
	m := metrics.New()

	// With the in-memory broker the queue only exists in this process, so
	// the workers run here too.
	var enqueuer handlers.Enqueuer
	if cfg.Queue.Broker == "memory" {
		w := worker.New(worker.Deps{
			Jobs:     infra.Jobs,
			Files:    infra.Files,
			Broker:   infra.Broker,
			Catalog:  infra.Catalog,
			Events:   infra.Events,
			Metrics:  m,
			Renderer: app.RendererConfig(cfg.Renderer),
			Queue:    app.QueueConfig(cfg.Queue),
			Log:      log,
		})
		if err := w.Start(ctx); err != nil {
			log.LogFatal("failed to start embedded worker", err)
		}
		shutdownMgr.Register("worker", w.Stop)
		enqueuer = w.Queue()
		log.Info("embedded worker started", "concurrency", cfg.Queue.Concurrency)
	} else {
		enqueuer = queue.New(queue.Deps{
			Broker: infra.Broker,
			Jobs:   infra.Jobs,
			Logger: log,
			Config: app.QueueConfig(cfg.Queue),
		})
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Handlers: handlers.Deps{
			Jobs:           infra.Jobs,
			Queue:          enqueuer,
			Templates:      repositories.NewTemplateRepository(cfg.Renderer.TemplatesDir),
			Files:          infra.Files,
			Checks:         infra.Checks(),
			Log:            log,
			MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		},
		Metrics:        m,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		StaticRoot:     cfg.Storage.Root,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogError(ctx, "HTTP server failed", err)
			os.Exit(1)
		}
	}()

	shutdownMgr.Wait()
}
