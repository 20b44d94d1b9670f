package processor

import (
	"context"

	"renderhub/internal/catalog"
	"renderhub/internal/files"
	"renderhub/internal/jobs"
	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
	"renderhub/internal/sandbox"
	"renderhub/internal/worker/queue"
	"renderhub/internal/worker/renderer"
)

// InputHandler checks a job before anything is written, then creates its
// record and stores its design.
type InputHandler struct {
	jobs    JobService
	files   *files.Manager
	catalog catalog.Client
}

func NewInputHandler(js JobService, fm *files.Manager, cat catalog.Client) *InputHandler {
	return &InputHandler{jobs: js, files: fm, catalog: cat}
}

// Preflight rejects a spec that could never succeed.
func (ih *InputHandler) Preflight(ctx context.Context, spec queue.JobSpec) error {
	const op = "processor.preflight"

	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.JobID == "" {
		return errors.InvalidField("job_id", "job id is required")
	}
	if err := sandbox.ValidateJobID(spec.JobID); err != nil {
		return err
	}
	if err := sandbox.ValidateID("product_id", spec.ProductID); err != nil {
		return err
	}

	if len(spec.Design) > 0 {
		if err := ih.files.ValidateUpload(spec.Design, spec.DesignFilename, spec.DesignMIME); err != nil {
			return err
		}
	}
	if err := sandbox.ValidateExecPath(spec.TemplatePath, sandbox.RoleImage); err != nil {
		return errors.Wrap(err, op, "invalid template path")
	}
	if err := sandbox.ValidateExecPath(spec.BlendFile, sandbox.RoleProject); err != nil {
		return errors.Wrap(err, op, "invalid blend file path")
	}
	if err := renderer.ValidateColor("fabric_color", spec.FabricColor, false); err != nil {
		return err
	}
	if err := renderer.ValidateColor("background_color", spec.BackgroundColor, true); err != nil {
		return err
	}

	ok, err := ih.catalog.ProductExists(ctx, spec.ProductID)
	if err != nil {
		return errors.Wrap(err, op, "check product")
	}
	if !ok {
		return errors.NotFound("product", spec.ProductID)
	}
	return nil
}

// Create records the job as pending, adopting a pending record that already
// exists under the same ID.
func (ih *InputHandler) Create(ctx context.Context, r *run) error {
	spec := r.spec
	job, created, err := ih.jobs.Ensure(ctx, jobs.CreateParams{
		ID:         spec.JobID,
		ProductID:  spec.ProductID,
		VariantID:  models.StringPtr(spec.VariantID),
		Preset:     models.Preset(spec.Preset),
		TemplateID: models.StringPtr(spec.TemplateID),
		DesignURL:  models.StringPtr(spec.DesignURL),
		Metadata:   models.JobMetadata{Attempt: spec.Attempt},
	})
	if err != nil {
		return err
	}
	r.job = job
	r.created = created
	if !created {
		r.log.Info("adopted pending job record")
	}
	return nil
}

// Upload stores the design, either from the spec's bytes or copied from an
// already stored design URL.
func (ih *InputHandler) Upload(ctx context.Context, r *run) error {
	const op = "processor.upload"

	dir, err := ih.files.CreateTempDir(r.job.ID)
	if err != nil {
		return err
	}
	r.tempDir = dir

	var stored files.StoredFile
	if len(r.spec.Design) > 0 {
		stored, err = ih.files.UploadDesign(ctx, r.job.ID, r.spec.Design, r.spec.DesignFilename, r.spec.DesignMIME)
	} else {
		stored, err = ih.files.ImportDesign(ctx, r.job.ID, r.spec.DesignURL)
	}
	if err != nil {
		return err
	}
	r.design = stored

	if _, err := ih.jobs.RecordResults(ctx, r.job.ID, models.Artifacts{DesignURL: &stored.URL}); err != nil {
		return errors.Wrap(err, op, "record design url")
	}
	return nil
}
