package processor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"renderhub/internal/files"
	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
	"renderhub/internal/worker/renderer"
)

// RendererAdapter moves the job through compositing and rendering and turns
// process results into pipeline errors.
type RendererAdapter struct {
	renderer Renderer
	jobs     JobService
	files    *files.Manager
}

func NewRendererAdapter(rn Renderer, js JobService, fm *files.Manager) *RendererAdapter {
	return &RendererAdapter{renderer: rn, jobs: js, files: fm}
}

func (ra *RendererAdapter) Composite(ctx context.Context, r *run) error {
	const op = "processor.composite"

	if _, err := ra.jobs.Transition(ctx, r.job.ID, models.StatusCompositing, nil); err != nil {
		return err
	}

	out, err := ra.files.TempFilePath(r.job.ID, "composited.png")
	if err != nil {
		return err
	}

	res, err := ra.renderer.Composite(ctx, renderer.CompositeRequest{
		TemplatePath: r.spec.TemplatePath,
		DesignPath:   r.design.Path,
		Preset:       models.Preset(r.spec.Preset),
		OutputPath:   out,
		FabricColor:  r.spec.FabricColor,
	})
	if err != nil {
		return err
	}
	if err := processError(ctx, renderer.ToolComposite, res); err != nil {
		return err
	}
	r.composited = res.OutputPath
	r.log.Info("design composited", "duration_ms", res.Duration.Milliseconds())

	stored, err := ra.files.StoreOutput(ctx, r.spec.ProductID, r.job.ID, res.OutputPath, files.OutputComposited, "")
	if err != nil {
		return err
	}
	r.keep(stored)

	if _, err := ra.jobs.RecordResults(ctx, r.job.ID, models.Artifacts{CompositedURL: &stored.URL}); err != nil {
		return errors.Wrap(err, op, "record composited url")
	}
	return nil
}

func (ra *RendererAdapter) Render(ctx context.Context, r *run) error {
	const op = "processor.render"

	if _, err := ra.jobs.Transition(ctx, r.job.ID, models.StatusRendering, nil); err != nil {
		return err
	}

	outDir := filepath.Join(r.tempDir, "renders")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, op, "create render output dir")
	}

	mode := models.RenderMode(r.spec.RenderMode)
	if mode == "" {
		mode = models.RenderModeAll
	}

	res, err := ra.renderer.Render(ctx, renderer.RenderRequest{
		BlendFile:   r.spec.BlendFile,
		TexturePath: r.composited,
		OutputDir:   outDir,
		Samples:     r.spec.Samples,
		Mode:        mode,
		Colors: renderer.Colors{
			Fabric:     r.spec.FabricColor,
			Background: r.spec.BackgroundColor,
		},
	})
	if err != nil {
		return err
	}
	if err := processError(ctx, renderer.ToolRender, res); err != nil {
		return err
	}

	switch {
	case mode == models.RenderModeAnimationOnly && res.Animation == "":
		return errors.NoOutput("render produced no animation")
	case mode != models.RenderModeAnimationOnly && len(res.Images) == 0:
		return errors.NoOutput("render produced no images")
	}

	r.images = res.Images
	r.animation = res.Animation
	r.log.Info("render finished",
		"images", len(res.Images),
		"animation", res.Animation != "",
		"duration_ms", res.Duration.Milliseconds(),
	)
	return nil
}

// processError converts a process that ran but did not succeed into an error.
func processError(ctx context.Context, tool string, res *renderer.Result) error {
	if res.Success {
		return nil
	}
	switch {
	case res.TimedOut:
		return errors.Timeout(tool).WithField("duration", res.Duration.Round(time.Millisecond).String())
	case res.Canceled:
		cause := context.Cause(ctx)
		if cause == nil {
			cause = context.Canceled
		}
		return errors.Wrap(cause, "processor."+tool, tool+" canceled")
	default:
		return errors.ExternalProcess(tool, res.Error).WithField("exit_code", res.ExitCode)
	}
}
