package worker

import (
	"renderhub/internal/catalog"
	"renderhub/internal/events"
	"renderhub/internal/files"
	"renderhub/internal/httpkit"
	"renderhub/internal/jobs"
	"renderhub/internal/metrics"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/worker/queue"
	"renderhub/internal/worker/renderer"
)

type Deps struct {
	Jobs   *jobs.Service
	Files  *files.Manager
	Broker queue.Broker
	// Catalog defaults to catalog.Static.
	Catalog catalog.Client
	// Events defaults to events.Noop.
	Events events.Publisher
	// Metrics defaults to a fresh registry.
	Metrics *metrics.Metrics

	Renderer renderer.Config
	Queue    queue.Config

	// AdminAddr empty disables the admin server.
	AdminAddr string
	Checks    []httpkit.Check

	Log *logger.Logger
}
