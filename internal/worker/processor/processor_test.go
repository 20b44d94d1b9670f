package processor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"renderhub/internal/adapters/storage/localfs"
	"renderhub/internal/events"
	"renderhub/internal/files"
	"renderhub/internal/jobs"
	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/worker/queue"
	"renderhub/internal/worker/renderer"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R', 0, 0, 0, 1}

// fakeRenderer writes the files a real composite or render would produce.
type fakeRenderer struct {
	compositeFail string
	renderFail    string
	timeout       bool
	angles        []string
	animation     bool
	// linkTo makes every image a symlink to this path.
	linkTo string

	compositeCalls int
	renderCalls    int
	lastRender     renderer.RenderRequest
}

func (f *fakeRenderer) Composite(_ context.Context, req renderer.CompositeRequest) (*renderer.Result, error) {
	f.compositeCalls++
	if f.compositeFail != "" {
		return &renderer.Result{Error: f.compositeFail, ExitCode: 1}, nil
	}
	if err := os.WriteFile(req.OutputPath, pngBytes, 0o644); err != nil {
		return nil, err
	}
	return &renderer.Result{Success: true, OutputPath: req.OutputPath}, nil
}

func (f *fakeRenderer) Render(_ context.Context, req renderer.RenderRequest) (*renderer.Result, error) {
	f.renderCalls++
	f.lastRender = req
	if f.timeout {
		return &renderer.Result{TimedOut: true, ExitCode: -1, Error: "timed out"}, nil
	}
	if f.renderFail != "" {
		return &renderer.Result{Error: f.renderFail, ExitCode: 2}, nil
	}

	res := &renderer.Result{Success: true}
	if req.Mode.WantsImages() {
		for _, a := range f.angles {
			p := filepath.Join(req.OutputDir, a+".png")
			if f.linkTo != "" {
				if err := os.Symlink(f.linkTo, p); err != nil {
					return nil, err
				}
			} else if err := os.WriteFile(p, pngBytes, 0o644); err != nil {
				return nil, err
			}
			res.Images = append(res.Images, p)
		}
	}
	if f.animation && req.Mode.WantsAnimation() {
		p := filepath.Join(req.OutputDir, "turntable.mp4")
		if err := os.WriteFile(p, []byte("mp4"), 0o644); err != nil {
			return nil, err
		}
		res.Animation = p
	}
	return res, nil
}

type fakeCatalog struct {
	mu        sync.Mutex
	missing   bool
	attachErr error
	attached  []string
	thumbnail string
}

func (c *fakeCatalog) ProductExists(context.Context, string) (bool, error) { return !c.missing, nil }

func (c *fakeCatalog) AttachMedia(_ context.Context, _ string, url string, _ map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attachErr != nil {
		return "", c.attachErr
	}
	c.attached = append(c.attached, url)
	return "media-" + filepath.Base(url), nil
}

func (c *fakeCatalog) SetThumbnail(_ context.Context, _ string, url string) error {
	c.thumbnail = url
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type env struct {
	proc    *Processor
	jobs    *jobs.Service
	files   *files.Manager
	render  *fakeRenderer
	catalog *fakeCatalog
	events  *recordingPublisher
	root    string
	tmp     string
	assets  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base := t.TempDir()
	e := &env{
		root:    filepath.Join(base, "storage"),
		tmp:     filepath.Join(base, "tmp"),
		assets:  filepath.Join(base, "assets"),
		render:  &fakeRenderer{angles: []string{"front", "back"}},
		catalog: &fakeCatalog{},
		events:  &recordingPublisher{},
	}
	for _, d := range []string{e.root, e.tmp, e.assets} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	fm, err := files.New(files.Deps{
		Primary: localfs.New(e.root),
		Logger:  logger.Nop(),
		Config:  files.Config{TempRoot: e.tmp, BaseURL: "http://cdn.test/static"},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.files = fm
	e.jobs = jobs.NewService(jobs.Deps{Store: jobs.NewMemoryStore(), Logger: logger.Nop()})
	e.proc = New(Deps{
		Jobs:     e.jobs,
		Files:    fm,
		Renderer: e.render,
		Catalog:  e.catalog,
		Events:   e.events,
		Log:      logger.Nop(),
	})
	return e
}

func (e *env) spec(id string) queue.JobSpec {
	return queue.JobSpec{
		JobID:          id,
		ProductID:      "prod-1",
		Design:         pngBytes,
		DesignFilename: "logo.png",
		DesignMIME:     "image/png",
		Preset:         string(models.PresetChestMedium),
		TemplatePath:   filepath.Join(e.assets, "tshirt.png"),
		BlendFile:      filepath.Join(e.assets, "tshirt.blend"),
		Attempt:        1,
	}
}

func (e *env) exists(t *testing.T, rel string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(e.root, filepath.FromSlash(rel)))
	return err == nil
}

func TestRunCompletesJob(t *testing.T) {
	e := newEnv(t)
	e.render.animation = true

	if err := e.proc.Run(context.Background(), e.spec("job-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, err := e.jobs.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Error("expected started and completed timestamps")
	}

	base := "http://cdn.test/static/media/products/prod-1/renders/job-1/"
	checks := []struct {
		got  *string
		want string
	}{
		{job.DesignURL, "http://cdn.test/static/uploads/render-jobs/job-1/design.png"},
		{job.CompositedURL, base + "composited.png"},
		{job.RenderedImageURL, base + "rendered-front.png"},
		{job.AnimationURL, base + "animation.mp4"},
	}
	for _, c := range checks {
		if c.got == nil || *c.got != c.want {
			t.Errorf("expected %s, got %v", c.want, c.got)
		}
	}

	if len(job.Metadata.RenderedImages) != 2 || len(job.Metadata.ProducedMedia) != 2 {
		t.Errorf("expected two images and two media, got %+v", job.Metadata)
	}
	if job.Metadata.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", job.Metadata.Attempt)
	}
	for _, stage := range []string{StageCreate, StageUpload, StageComposite, StageRender, StageStore, StageAssociate} {
		if _, ok := job.Metadata.StageTimes[stage]; !ok {
			t.Errorf("missing stage time for %s", stage)
		}
	}

	if len(e.catalog.attached) != 2 || e.catalog.thumbnail != base+"rendered-front.png" {
		t.Errorf("unexpected catalog calls: attached=%v thumbnail=%q", e.catalog.attached, e.catalog.thumbnail)
	}
	if !e.exists(t, "media/products/prod-1/renders/job-1/rendered-back.png") {
		t.Error("expected rendered-back.png in storage")
	}
	if _, err := os.Stat(filepath.Join(e.tmp, "render-jobs", "job-1")); !os.IsNotExist(err) {
		t.Error("expected temp dir to be removed")
	}
	if len(e.events.events) != 1 || e.events.events[0].Type != events.TypeJobCompleted {
		t.Errorf("expected one completed event, got %+v", e.events.events)
	}
}

func TestSingleImageUsesPlainName(t *testing.T) {
	e := newEnv(t)
	e.render.angles = []string{"front"}

	if err := e.proc.Run(context.Background(), e.spec("job-1")); err != nil {
		t.Fatal(err)
	}
	if !e.exists(t, "media/products/prod-1/renders/job-1/rendered.png") {
		t.Error("expected rendered.png")
	}
}

func TestPreflightWritesNothing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*queue.JobSpec, *env)
		code   errors.Code
	}{
		{"magic mismatch", func(s *queue.JobSpec, _ *env) { s.DesignMIME = "image/jpeg" }, errors.CodeInvalidInput},
		{"unknown preset", func(s *queue.JobSpec, _ *env) { s.Preset = "pocket" }, errors.CodeInvalidInput},
		{"template traversal", func(s *queue.JobSpec, e *env) { s.TemplatePath = e.assets + "/../x.png" }, errors.CodeInvalidInput},
		{"system blend path", func(s *queue.JobSpec, _ *env) { s.BlendFile = "/etc/scene.blend" }, errors.CodeInvalidInput},
		{"bad color", func(s *queue.JobSpec, _ *env) { s.FabricColor = "rgb(1,2,3)" }, errors.CodeInvalidInput},
		{"missing product", func(_ *queue.JobSpec, e *env) { e.catalog.missing = true }, errors.CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			spec := e.spec("job-1")
			tt.mutate(&spec, e)

			err := e.proc.Run(context.Background(), spec)
			if !errors.IsCode(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
			if _, err := e.jobs.Get(context.Background(), "job-1"); !errors.IsNotFound(err) {
				t.Errorf("expected no job record, got %v", err)
			}
			if e.exists(t, "uploads/render-jobs/job-1") {
				t.Error("expected no upload")
			}
			if e.render.compositeCalls != 0 {
				t.Error("expected no process to run")
			}
		})
	}
}

func TestCompositeFailureMarksJobFailed(t *testing.T) {
	e := newEnv(t)
	e.render.compositeFail = "design too small"

	err := e.proc.Run(context.Background(), e.spec("job-1"))
	if !errors.IsCode(err, errors.CodeExternalProcess) {
		t.Fatalf("expected external process error, got %v", err)
	}

	job, err := e.jobs.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	want := "compositing failed: composite: design too small"
	if job.ErrorMessage == nil || *job.ErrorMessage != want {
		t.Errorf("expected message %q, got %v", want, job.ErrorMessage)
	}
	// The walk-back stops at the failed mark, so earlier artifacts survive.
	if job.DesignURL == nil || !e.exists(t, "uploads/render-jobs/job-1/design.png") {
		t.Error("expected design to be kept")
	}
	if e.render.renderCalls != 0 {
		t.Error("render must not run after a failed composite")
	}
	if len(e.events.events) != 1 || e.events.events[0].Type != events.TypeJobFailed {
		t.Errorf("expected one failed event, got %+v", e.events.events)
	}
}

func TestRenderFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*fakeRenderer)
		mode   models.RenderMode
		code   errors.Code
		prefix string
	}{
		{"process error", func(r *fakeRenderer) { r.renderFail = "GPU lost" }, "", errors.CodeExternalProcess, "rendering failed: render: GPU lost"},
		{"timeout", func(r *fakeRenderer) { r.timeout = true }, "", errors.CodeTimeout, "rendering failed: operation timed out: render"},
		{"no images", func(r *fakeRenderer) { r.angles = nil }, "", errors.CodeNoOutput, "rendering failed: render produced no images"},
		{"no animation", func(r *fakeRenderer) { r.animation = false }, models.RenderModeAnimationOnly, errors.CodeNoOutput, "rendering failed: render produced no animation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			tt.setup(e.render)
			spec := e.spec("job-1")
			spec.RenderMode = string(tt.mode)

			err := e.proc.Run(context.Background(), spec)
			if !errors.IsCode(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
			job, _ := e.jobs.Get(context.Background(), "job-1")
			if job.Status != models.StatusFailed {
				t.Fatalf("expected failed, got %s", job.Status)
			}
			if job.ErrorMessage == nil || *job.ErrorMessage != tt.prefix {
				t.Errorf("expected message %q, got %v", tt.prefix, job.ErrorMessage)
			}
			if job.CompositedURL == nil {
				t.Error("expected composited url to be kept")
			}
			if _, err := os.Stat(filepath.Join(e.tmp, "render-jobs", "job-1")); !os.IsNotExist(err) {
				t.Errorf("expected temp dir removed after failure, stat err = %v", err)
			}
			if !e.exists(t, "uploads/render-jobs/job-1/design.png") {
				t.Error("expected the uploaded design to be kept")
			}
			if !e.exists(t, "media/products/prod-1/renders/job-1/composited.png") {
				t.Error("expected the composited output to be kept")
			}
		})
	}
}

func TestSymlinkedRenderIsNotPublished(t *testing.T) {
	e := newEnv(t)
	secret := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(secret, []byte("DB_PASSWORD=hunter2"), 0o600); err != nil {
		t.Fatal(err)
	}
	e.render.angles = []string{"front"}
	e.render.linkTo = secret

	err := e.proc.Run(context.Background(), e.spec("job-1"))
	if !errors.IsInvalidInput(err) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	job, _ := e.jobs.Get(context.Background(), "job-1")
	if job.Status != models.StatusFailed || job.RenderedImageURL != nil {
		t.Errorf("unexpected job: %+v", job)
	}
	if e.exists(t, "media/products/prod-1/renders/job-1/rendered.png") {
		t.Error("symlinked output must not reach public storage")
	}
	if len(e.catalog.attached) != 0 {
		t.Errorf("nothing should be attached, got %v", e.catalog.attached)
	}
}

func TestAnimationOnlySkipsImages(t *testing.T) {
	e := newEnv(t)
	e.render.animation = true
	spec := e.spec("job-1")
	spec.RenderMode = string(models.RenderModeAnimationOnly)

	if err := e.proc.Run(context.Background(), spec); err != nil {
		t.Fatal(err)
	}
	job, _ := e.jobs.Get(context.Background(), "job-1")
	if job.Status != models.StatusCompleted || job.AnimationURL == nil || job.RenderedImageURL != nil {
		t.Errorf("unexpected job: %+v", job)
	}
	if e.catalog.thumbnail != "" {
		t.Error("no thumbnail expected without images")
	}
}

func TestAssociateFailureMarksFailed(t *testing.T) {
	e := newEnv(t)
	e.catalog.attachErr = errors.Unavailable("catalog")

	err := e.proc.Run(context.Background(), e.spec("job-1"))
	if !errors.IsCode(err, errors.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	job, _ := e.jobs.Get(context.Background(), "job-1")
	if job.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if !strings.HasPrefix(*job.ErrorMessage, "associating media failed: ") {
		t.Errorf("unexpected message %q", *job.ErrorMessage)
	}
	if job.RenderedImageURL == nil {
		t.Error("expected rendered urls to be kept")
	}
}

func TestUploadFailureRemovesRecord(t *testing.T) {
	e := newEnv(t)
	spec := e.spec("job-1")
	spec.Design = nil
	spec.DesignMIME = ""
	spec.DesignURL = "http://cdn.test/static/uploads/render-jobs/old/design.png"

	err := e.proc.Run(context.Background(), spec)
	if err == nil {
		t.Fatal("expected error for a missing stored design")
	}
	if _, err := e.jobs.Get(context.Background(), "job-1"); !errors.IsNotFound(err) {
		t.Errorf("expected record to be deleted, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.tmp, "render-jobs", "job-1")); !os.IsNotExist(err) {
		t.Error("expected temp dir to be removed")
	}
	if len(e.events.events) != 0 {
		t.Errorf("expected no event for a deleted record, got %+v", e.events.events)
	}
}

func TestRetryReusesStoredDesign(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.render.compositeFail = "boom"
	if err := e.proc.Run(ctx, e.spec("job-1")); err == nil {
		t.Fatal("expected first run to fail")
	}
	prev, _ := e.jobs.Get(ctx, "job-1")

	retry, err := e.jobs.Retry(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}

	e.render.compositeFail = ""
	spec := e.spec(retry.ID)
	spec.Design = nil
	spec.DesignMIME = ""
	spec.DesignURL = *prev.DesignURL
	if err := e.proc.Run(ctx, spec); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	job, _ := e.jobs.Get(ctx, retry.ID)
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.Metadata.RetryCount() != 1 || job.Metadata.Retry.From != "job-1" {
		t.Errorf("expected lineage from job-1, got %+v", job.Metadata.Retry)
	}
	if !e.exists(t, "uploads/render-jobs/"+retry.ID+"/design.png") {
		t.Error("expected design copied into the retry's upload slot")
	}
}

func TestDescribe(t *testing.T) {
	err := errors.Wrap(errors.ExternalProcess("render", "GPU lost"), "processor.render", "render stage failed")
	if got := Describe(err); got != "render stage failed: render: GPU lost" {
		t.Errorf("unexpected description %q", got)
	}
	if got := Describe(context.Canceled); got != "context canceled" {
		t.Errorf("unexpected description %q", got)
	}
}
