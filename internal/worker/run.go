// Package worker owns the render worker lifecycle: the job queue, the
// pipeline it runs and the admin server exposing health and metrics.
package worker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"renderhub/internal/httpkit"
	"renderhub/internal/metrics"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/pkg/middleware"
	"renderhub/internal/worker/processor"
	"renderhub/internal/worker/queue"
	"renderhub/internal/worker/renderer"
)

type Service struct {
	queue   *queue.Queue
	metrics *metrics.Metrics
	checks  []httpkit.Check
	log     *logger.Logger

	adminAddr string
	admin     *http.Server
}

func New(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	m := d.Metrics
	if m == nil {
		m = metrics.New()
	}

	exec := renderer.New(renderer.Deps{
		Config:   d.Renderer,
		Logger:   log,
		Observer: m,
	})
	p := processor.New(processor.Deps{
		Jobs:     d.Jobs,
		Files:    d.Files,
		Renderer: exec,
		Catalog:  d.Catalog,
		Events:   d.Events,
		Observer: m,
		Log:      log,
	})
	q := queue.New(queue.Deps{
		Broker: d.Broker,
		Runner: p,
		Jobs:   d.Jobs,
		Logger: log,
		Config: d.Queue,
	})
	m.RegisterQueue(q)

	return &Service{
		queue:     q,
		metrics:   m,
		checks:    d.Checks,
		log:       log,
		adminAddr: d.AdminAddr,
	}
}

// Queue returns the queue the service drains, for callers that enqueue in
// the same process.
func (s *Service) Queue() *queue.Queue { return s.queue }

// Start launches the workers and, when configured, the admin server. It
// returns once both are running.
func (s *Service) Start(ctx context.Context) error {
	if s.adminAddr != "" {
		ln, err := net.Listen("tcp", s.adminAddr)
		if err != nil {
			return err
		}
		s.admin = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.log.Info("admin server listening", "addr", ln.Addr().String())
			if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.LogError(ctx, "admin server failed", err)
			}
		}()
	}

	s.queue.Start(ctx)
	return nil
}

// Stop stops taking work, interrupts running jobs and waits for the workers,
// bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.queue.Stop()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warn("queue did not stop in time")
	}

	if s.admin != nil {
		if shutdownErr := s.admin.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}
	return err
}

// Handler serves /health, /metrics and /queue/metrics.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(s.log))

	r.Get("/health", s.health)
	r.Get("/queue/metrics", s.queueMetrics)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	checks, ok := httpkit.RunChecks(r.Context(), s.checks)
	body := map[string]any{
		"status":  "ok",
		"service": "renderhub-worker",
		"queue":   s.queue.Metrics(),
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}

	status := http.StatusOK
	if !ok {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	httpkit.WriteJSON(w, status, body)
}

func (s *Service) queueMetrics(w http.ResponseWriter, _ *http.Request) {
	httpkit.WriteJSON(w, http.StatusOK, s.queue.Metrics())
}
