package handlers

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"renderhub/internal/httpkit"
	"renderhub/internal/jobs"
	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
	"renderhub/internal/worker/queue"
	"renderhub/internal/worker/renderer"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	// multipartMemory is how much of a form is buffered before spilling to disk.
	multipartMemory = 8 << 20
)

// RenderOptions are the optional render settings accepted on create and retry.
type RenderOptions struct {
	FabricColor     string `json:"fabric_color,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
	RenderMode      string `json:"render_mode,omitempty"`
	Samples         int    `json:"samples,omitempty"`
}

func (o RenderOptions) validate() error {
	if err := renderer.ValidateColor("fabric_color", o.FabricColor, false); err != nil {
		return err
	}
	if err := renderer.ValidateColor("background_color", o.BackgroundColor, true); err != nil {
		return err
	}
	if o.RenderMode != "" && !models.RenderMode(o.RenderMode).Valid() {
		return errors.InvalidField("render_mode", "unknown render mode").WithField("render_mode", o.RenderMode)
	}
	return nil
}

func (o RenderOptions) apply(spec *queue.JobSpec) {
	spec.FabricColor = o.FabricColor
	spec.BackgroundColor = o.BackgroundColor
	spec.RenderMode = o.RenderMode
	spec.Samples = o.Samples
}

// PostRenderJob accepts a multipart design upload, records a pending job and
// queues it.
func (h *Handler) PostRenderJob(w http.ResponseWriter, r *http.Request) error {
	const op = "httpapi.post_render_job"
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.InvalidField("design", "upload exceeds size limit").WithField("limit", h.maxUpload)
		}
		return errors.InvalidInput("invalid multipart body")
	}

	file, header, err := r.FormFile("design")
	if err != nil {
		return errors.InvalidField("design", "design file is required")
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		return errors.Wrap(err, op, "read design upload")
	}
	mime := header.Header.Get("Content-Type")
	if err := h.files.ValidateUpload(data, header.Filename, mime); err != nil {
		return err
	}

	opts := RenderOptions{
		FabricColor:     strings.TrimSpace(r.FormValue("fabric_color")),
		BackgroundColor: strings.TrimSpace(r.FormValue("background_color")),
		RenderMode:      strings.TrimSpace(r.FormValue("render_mode")),
	}
	if s := strings.TrimSpace(r.FormValue("samples")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return errors.InvalidField("samples", "samples must be a positive integer").WithField("samples", s)
		}
		opts.Samples = n
	}
	if err := opts.validate(); err != nil {
		return err
	}

	tmpl, err := h.template(ctx, strings.TrimSpace(r.FormValue("template_id")))
	if err != nil {
		return err
	}

	spec := &queue.JobSpec{
		ProductID:      strings.TrimSpace(r.FormValue("product_id")),
		VariantID:      strings.TrimSpace(r.FormValue("variant_id")),
		Design:         data,
		DesignFilename: header.Filename,
		DesignMIME:     mime,
		Preset:         strings.TrimSpace(r.FormValue("preset")),
		TemplateID:     tmpl.ID,
		TemplatePath:   tmpl.ImagePath,
		BlendFile:      tmpl.BlendFile,
	}
	opts.apply(spec)
	if err := spec.Validate(); err != nil {
		return err
	}

	job, err := h.jobs.Create(ctx, jobs.CreateParams{
		ProductID:  spec.ProductID,
		VariantID:  models.StringPtr(spec.VariantID),
		Preset:     models.Preset(spec.Preset),
		TemplateID: models.StringPtr(tmpl.ID),
	})
	if err != nil {
		return err
	}
	if err := h.enqueue(ctx, job, spec); err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job": job})
	return nil
}

func (h *Handler) ListRenderJobs(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	f := jobs.Filter{
		Status:    models.Status(strings.TrimSpace(q.Get("status"))),
		ProductID: strings.TrimSpace(q.Get("product_id")),
		Limit:     defaultListLimit,
	}
	if s := q.Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 && v <= maxListLimit {
			f.Limit = v
		}
	}
	if s := q.Get("offset"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			f.Offset = v
		}
	}

	out, err := h.jobs.List(r.Context(), f)
	if err != nil {
		return err
	}
	if out == nil {
		out = []*models.RenderJob{}
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":   out,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
	return nil
}

func (h *Handler) GetRenderJob(w http.ResponseWriter, r *http.Request) error {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job": job})
	return nil
}

// RetryRenderJob creates a new job from a failed one and queues it with the
// stored design. An optional JSON body overrides the render options.
func (h *Handler) RetryRenderJob(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := chi.URLParam(r, "jobId")

	var opts RenderOptions
	if err := httpkit.DecodeJSON(r, &opts); err != nil && !stderrors.Is(err, io.EOF) {
		return errors.InvalidInput("invalid json body")
	}
	if err := opts.validate(); err != nil {
		return err
	}

	prev, err := h.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if prev.Status != models.StatusFailed {
		return errors.InvalidState("only failed render jobs can be retried").
			WithFields(map[string]any{"id": prev.ID, "status": string(prev.Status)})
	}
	if prev.DesignURL == nil || prev.TemplateID == nil {
		return errors.InvalidState("render job has no stored design to retry").WithField("id", prev.ID)
	}
	tmpl, err := h.template(ctx, *prev.TemplateID)
	if err != nil {
		return err
	}

	spec := &queue.JobSpec{
		ProductID:    prev.ProductID,
		DesignURL:    *prev.DesignURL,
		Preset:       string(prev.Preset),
		TemplateID:   tmpl.ID,
		TemplatePath: tmpl.ImagePath,
		BlendFile:    tmpl.BlendFile,
	}
	if prev.VariantID != nil {
		spec.VariantID = *prev.VariantID
	}
	opts.apply(spec)
	if err := spec.Validate(); err != nil {
		return err
	}

	job, err := h.jobs.Retry(ctx, id)
	if err != nil {
		return err
	}
	if err := h.enqueue(ctx, job, spec); err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job": job})
	return nil
}

func (h *Handler) template(ctx context.Context, id string) (*models.Template, error) {
	if id == "" {
		return nil, errors.InvalidField("template_id", "template id is required")
	}
	return h.templates.Get(ctx, id)
}

// enqueue queues spec under job's ID. A record whose spec never reached the
// queue is deleted so no pending job is left without a worker.
func (h *Handler) enqueue(ctx context.Context, job *models.RenderJob, spec *queue.JobSpec) error {
	spec.JobID = job.ID
	added, err := h.queue.Enqueue(ctx, spec)
	if err != nil {
		if delErr := h.jobs.Delete(context.WithoutCancel(ctx), job.ID); delErr != nil {
			h.log.LogError(ctx, "failed to delete unqueued render job", delErr, "job_id", job.ID)
		}
		return errors.Wrap(err, "httpapi.enqueue", "enqueue render job")
	}
	if !added {
		return errors.Conflict("render job already queued").WithField("id", job.ID)
	}
	return nil
}
