package handlers

import (
	"context"

	"renderhub/internal/files"
	"renderhub/internal/httpkit"
	"renderhub/internal/jobs"
	"renderhub/internal/models"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/worker/queue"
)

// Enqueuer hands a job spec to the worker queue. It reports false when the
// job is already queued.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec *queue.JobSpec) (bool, error)
}

type TemplateSource interface {
	Get(ctx context.Context, id string) (*models.Template, error)
	List(ctx context.Context) ([]models.Template, error)
}

type Deps struct {
	Jobs      *jobs.Service
	Queue     Enqueuer
	Templates TemplateSource
	Files     *files.Manager
	Checks    []httpkit.Check
	Log       *logger.Logger
	// MaxUploadBytes bounds the multipart body of POST /render-jobs.
	MaxUploadBytes int64
}

type Handler struct {
	jobs      *jobs.Service
	queue     Enqueuer
	templates TemplateSource
	files     *files.Manager
	checks    []httpkit.Check
	log       *logger.Logger
	maxUpload int64
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	maxUpload := d.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 20 << 20
	}
	return &Handler{
		jobs:      d.Jobs,
		queue:     d.Queue,
		templates: d.Templates,
		files:     d.Files,
		checks:    d.Checks,
		log:       log.WithComponent("httpapi"),
		maxUpload: maxUpload,
	}
}

// Log is the logger handlers report errors through.
func (h *Handler) Log() *logger.Logger { return h.log }
