// Package processor runs the render pipeline for one job: create the record,
// store the design, composite, render, store the outputs and attach them to
// the product. A failed stage is compensated by walking back through the
// stages that already ran.
package processor

import (
	"context"
	"time"

	"renderhub/internal/catalog"
	"renderhub/internal/events"
	"renderhub/internal/files"
	"renderhub/internal/jobs"
	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/worker/heartbeat"
	"renderhub/internal/worker/queue"
	"renderhub/internal/worker/renderer"
)

// Stage names, also used as keys of Metadata.StageTimes.
const (
	StageCreate    = "create"
	StageUpload    = "upload"
	StageComposite = "composite"
	StageRender    = "render"
	StageStore     = "store"
	StageAssociate = "associate"
)

const publishTimeout = 5 * time.Second

// JobService is the part of the job service the pipeline drives.
type JobService interface {
	Ensure(ctx context.Context, p jobs.CreateParams) (*models.RenderJob, bool, error)
	Get(ctx context.Context, id string) (*models.RenderJob, error)
	Transition(ctx context.Context, id string, next models.Status, patch *jobs.Patch) (*models.RenderJob, error)
	RecordResults(ctx context.Context, id string, a models.Artifacts) (*models.RenderJob, error)
	RecordMetadata(ctx context.Context, id string, m models.JobMetadata) (*models.RenderJob, error)
	MarkFailed(ctx context.Context, id, message string) (*models.RenderJob, error)
	Delete(ctx context.Context, id string) error
}

// Renderer runs the composite and render processes.
type Renderer interface {
	Composite(ctx context.Context, req renderer.CompositeRequest) (*renderer.Result, error)
	Render(ctx context.Context, req renderer.RenderRequest) (*renderer.Result, error)
}

// Observer receives stage durations and terminal outcomes.
type Observer interface {
	ObserveStage(stage string, err error, d time.Duration)
	JobFinished(status string)
}

type Deps struct {
	Jobs     JobService
	Files    *files.Manager
	Renderer Renderer
	// Catalog defaults to catalog.Static.
	Catalog catalog.Client
	// Events defaults to events.Noop.
	Events   events.Publisher
	Observer Observer
	Log      *logger.Logger
	Now      func() time.Time
}

type Processor struct {
	jobs     JobService
	events   events.Publisher
	observer Observer
	log      *logger.Logger
	now      func() time.Time

	inputHandler    *InputHandler
	rendererAdapter *RendererAdapter
	outputHandler   *OutputHandler
	cleanup         *Cleanup
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("processor")

	cat := d.Catalog
	if cat == nil {
		cat = catalog.Static{}
	}
	pub := d.Events
	if pub == nil {
		pub = events.Noop{}
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}

	return &Processor{
		jobs:            d.Jobs,
		events:          pub,
		observer:        d.Observer,
		log:             log,
		now:             now,
		inputHandler:    NewInputHandler(d.Jobs, d.Files, cat),
		rendererAdapter: NewRendererAdapter(d.Renderer, d.Jobs, d.Files),
		outputHandler:   NewOutputHandler(d.Jobs, d.Files, cat),
		cleanup:         NewCleanup(d.Jobs, d.Files),
	}
}

// run is the state one pipeline execution accumulates as its stages complete.
type run struct {
	spec queue.JobSpec
	log  *logger.Logger
	now  func() time.Time

	job     *models.RenderJob
	created bool
	tempDir string

	design     files.StoredFile
	composited string
	images     []string
	animation  string

	stored        []storedImage
	animationFile *files.StoredFile
	media         []models.ProducedMedia
	mirrored      []string

	times map[string]time.Time
}

// keep notes a stored file's mirror copy, if one was made.
func (r *run) keep(f files.StoredFile) {
	if f.MirrorKey != "" {
		r.mirrored = append(r.mirrored, f.MirrorKey)
	}
}

type storedImage struct {
	angle string
	file  files.StoredFile
}

type step struct {
	name   string
	action func(ctx context.Context, r *run) error
	// compensate undoes the stage, or is nil when there is nothing to undo.
	compensate func(ctx context.Context, r *run, cause error) error
	// seals stops the walk-back after compensate ran.
	seals bool
	// final stages persist their own stage time with the terminal transition.
	final bool
}

func (p *Processor) steps() []step {
	return []step{
		{name: StageCreate, action: p.inputHandler.Create, compensate: p.cleanup.DeleteRecord},
		{name: StageUpload, action: p.inputHandler.Upload, compensate: p.cleanup.RemoveFiles},
		{name: StageComposite, action: p.rendererAdapter.Composite, compensate: p.cleanup.MarkFailed("compositing failed"), seals: true},
		{name: StageRender, action: p.rendererAdapter.Render, compensate: p.cleanup.MarkFailed("rendering failed"), seals: true},
		{name: StageStore, action: p.outputHandler.Store, compensate: p.cleanup.MarkFailed("storing outputs failed"), seals: true},
		{name: StageAssociate, action: p.outputHandler.Associate, compensate: p.cleanup.MarkFailed("associating media failed"), seals: true, final: true},
	}
}

// Run executes the whole pipeline for spec. Nothing is written when
// preflight rejects the spec. On failure the returned error names the stage.
func (p *Processor) Run(ctx context.Context, spec queue.JobSpec) error {
	ctx = logger.ContextWithJobID(ctx, spec.JobID)
	log := p.log.FromContext(ctx)

	if err := p.inputHandler.Preflight(ctx, spec); err != nil {
		log.Warn("job rejected", "error", err.Error())
		return err
	}

	r := &run{spec: spec, log: log, now: p.now, times: make(map[string]time.Time)}
	steps := p.steps()
	started := p.now()

	for i, s := range steps {
		stageCtx := logger.ContextWithStage(ctx, s.name)
		heartbeat.Beat(ctx)

		t0 := p.now()
		err := s.action(stageCtx, r)
		p.observeStage(s.name, err, p.now().Sub(t0))
		heartbeat.Beat(ctx)

		if err != nil {
			log.Error("stage failed", "stage", s.name, "error", err.Error())
			p.walkBack(ctx, r, steps[:i+1], err)
			p.finish(ctx, r)
			return errors.Wrap(err, "processor."+s.name, s.name+" stage failed")
		}

		r.times[s.name] = p.now().UTC()
		if !s.final {
			p.recordStageTime(stageCtx, r, s.name)
		}
	}

	log.Info("render pipeline completed",
		"images", len(r.stored),
		"animation", r.animationFile != nil,
		"duration_ms", p.now().Sub(started).Milliseconds(),
	)
	p.finish(ctx, r)
	return nil
}

// walkBack runs the compensations of done in reverse. Compensation errors
// are logged and never replace cause.
func (p *Processor) walkBack(ctx context.Context, r *run, done []step, cause error) {
	ctx = context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		s := done[i]
		if s.compensate == nil {
			continue
		}
		if err := s.compensate(logger.ContextWithStage(ctx, s.name), r, cause); err != nil {
			p.log.FromContext(ctx).Warn("compensation failed", "stage", s.name, "error", err.Error())
		}
		if s.seals {
			return
		}
	}
}

func (p *Processor) recordStageTime(ctx context.Context, r *run, stage string) {
	if r.job == nil {
		return
	}
	_, err := p.jobs.RecordMetadata(ctx, r.job.ID, models.JobMetadata{
		StageTimes: map[string]time.Time{stage: r.times[stage]},
	})
	if err != nil {
		p.log.FromContext(ctx).Warn("failed to record stage time", "stage", stage, "error", err.Error())
	}
}

// finish reports the job's terminal state, if it reached one.
func (p *Processor) finish(ctx context.Context, r *run) {
	if r.job == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	job, err := p.jobs.Get(ctx, r.job.ID)
	if err != nil {
		if !errors.IsNotFound(err) {
			p.log.FromContext(ctx).Warn("failed to load job for event", "error", err.Error())
		}
		return
	}

	ev, ok := events.ForJob(job, p.now())
	if !ok {
		return
	}
	if p.observer != nil {
		p.observer.JobFinished(string(job.Status))
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.events.Publish(pubCtx, ev); err != nil {
		p.log.FromContext(ctx).Warn("failed to publish job event", "type", string(ev.Type), "error", err.Error())
	}
}

func (p *Processor) observeStage(stage string, err error, d time.Duration) {
	if p.observer != nil {
		p.observer.ObserveStage(stage, err, d)
	}
}
