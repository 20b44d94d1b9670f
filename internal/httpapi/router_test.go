package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"renderhub/internal/adapters/storage/localfs"
	"renderhub/internal/files"
	"renderhub/internal/httpapi/handlers"
	"renderhub/internal/httpkit"
	"renderhub/internal/jobs"
	"renderhub/internal/metrics"
	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/repositories"
	"renderhub/internal/worker/queue"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R', 0, 0, 0, 1}

type fakeQueue struct {
	mu    sync.Mutex
	specs []queue.JobSpec
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, spec *queue.JobSpec) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	q.specs = append(q.specs, *spec)
	return true, nil
}

type env struct {
	jobs   *jobs.Service
	queue  *fakeQueue
	root   string
	router http.Handler
}

func newEnv(t *testing.T, checks ...httpkit.Check) *env {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "storage")
	templates := filepath.Join(base, "templates")

	tdir := filepath.Join(templates, "tshirt")
	if err := os.MkdirAll(tdir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{repositories.TemplateImageName, repositories.TemplateBlendName} {
		if err := os.WriteFile(filepath.Join(tdir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	fm, err := files.New(files.Deps{
		Primary: localfs.New(root),
		Logger:  logger.Nop(),
		Config:  files.Config{TempRoot: filepath.Join(base, "tmp"), BaseURL: "/static", MaxUploadBytes: 1 << 20},
	})
	if err != nil {
		t.Fatal(err)
	}

	e := &env{
		jobs:  jobs.NewService(jobs.Deps{Store: jobs.NewMemoryStore(), Logger: logger.Nop()}),
		queue: &fakeQueue{},
		root:  root,
	}
	e.router = NewRouter(Deps{
		Handlers: handlers.Deps{
			Jobs:           e.jobs,
			Queue:          e.queue,
			Templates:      repositories.NewTemplateRepository(templates),
			Files:          fm,
			Checks:         checks,
			Log:            logger.Nop(),
			MaxUploadBytes: 1 << 20,
		},
		Metrics:     metrics.New(),
		CORSOrigins: []string{"*"},
		StaticRoot:  root,
	})
	return e
}

type form struct {
	fields map[string]string
	design []byte
	mime   string
}

func validForm() form {
	return form{
		fields: map[string]string{
			"product_id":  "prod-1",
			"preset":      "chest-medium",
			"template_id": "tshirt",
		},
		design: pngBytes,
		mime:   "image/png",
	}
}

func (f form) request(t *testing.T) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range f.fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if f.design != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="design"; filename="logo.png"`)
		h.Set("Content-Type", f.mime)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(f.design); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/render-jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) models.RenderJob {
	t.Helper()
	var body struct {
		Job models.RenderJob `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode job: %v (%s)", err, rec.Body.String())
	}
	return body.Job
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env httpkit.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error: %v (%s)", err, rec.Body.String())
	}
	return env.Error.Code
}

func TestPostRenderJob(t *testing.T) {
	e := newEnv(t)
	f := validForm()
	f.fields["variant_id"] = "var-9"
	f.fields["fabric_color"] = "#112233"
	f.fields["render_mode"] = "images-only"
	f.fields["samples"] = "32"

	rec := e.do(f.request(t))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	job := decodeJob(t, rec)
	if job.Status != models.StatusPending {
		t.Errorf("expected pending, got %s", job.Status)
	}
	if job.TemplateID == nil || *job.TemplateID != "tshirt" {
		t.Errorf("template id not recorded: %v", job.TemplateID)
	}

	if len(e.queue.specs) != 1 {
		t.Fatalf("expected one queued spec, got %d", len(e.queue.specs))
	}
	spec := e.queue.specs[0]
	if spec.JobID != job.ID {
		t.Errorf("spec job id %q, want %q", spec.JobID, job.ID)
	}
	if !bytes.Equal(spec.Design, pngBytes) || spec.DesignMIME != "image/png" {
		t.Error("design not carried in spec")
	}
	if !strings.HasSuffix(spec.TemplatePath, repositories.TemplateImageName) ||
		!strings.HasSuffix(spec.BlendFile, repositories.TemplateBlendName) {
		t.Errorf("template not resolved: %s %s", spec.TemplatePath, spec.BlendFile)
	}
	if spec.VariantID != "var-9" || spec.Samples != 32 || spec.RenderMode != "images-only" || spec.FabricColor != "#112233" {
		t.Errorf("options not applied: %+v", spec)
	}
}

func TestPostRenderJobRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*form)
		status int
	}{
		{"missing design", func(f *form) { f.design = nil }, http.StatusBadRequest},
		{"magic mismatch", func(f *form) { f.design = []byte("GIF89a....") }, http.StatusBadRequest},
		{"disallowed type", func(f *form) { f.mime = "image/gif" }, http.StatusBadRequest},
		{"missing product", func(f *form) { delete(f.fields, "product_id") }, http.StatusBadRequest},
		{"unknown preset", func(f *form) { f.fields["preset"] = "hat" }, http.StatusBadRequest},
		{"missing template", func(f *form) { delete(f.fields, "template_id") }, http.StatusBadRequest},
		{"unknown template", func(f *form) { f.fields["template_id"] = "hoodie" }, http.StatusNotFound},
		{"bad color", func(f *form) { f.fields["background_color"] = "plaid" }, http.StatusBadRequest},
		{"bad samples", func(f *form) { f.fields["samples"] = "-1" }, http.StatusBadRequest},
		{"bad mode", func(f *form) { f.fields["render_mode"] = "video" }, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			f := validForm()
			tt.modify(&f)

			rec := e.do(f.request(t))
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			list, err := e.jobs.List(context.Background(), jobs.Filter{})
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 0 || len(e.queue.specs) != 0 {
				t.Errorf("rejected request left %d jobs and %d queued specs", len(list), len(e.queue.specs))
			}
		})
	}
}

func TestPostRenderJobEnqueueFailureDeletesRecord(t *testing.T) {
	e := newEnv(t)
	e.queue.err = errors.Unavailable("queue")

	rec := e.do(validForm().request(t))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	list, _ := e.jobs.List(context.Background(), jobs.Filter{})
	if len(list) != 0 {
		t.Errorf("expected the record to be deleted, found %d", len(list))
	}
}

func TestGetAndListRenderJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, p := range []string{"prod-1", "prod-1", "prod-2"} {
		if _, err := e.jobs.Create(ctx, jobs.CreateParams{ProductID: p, Preset: models.PresetBackLarge}); err != nil {
			t.Fatal(err)
		}
	}

	rec := e.do(httptest.NewRequest(http.MethodGet, "/render-jobs?product_id=prod-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Jobs []models.RenderJob `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Jobs) != 2 {
		t.Fatalf("expected 2 jobs for prod-1, got %d", len(list.Jobs))
	}

	rec = e.do(httptest.NewRequest(http.MethodGet, "/render-jobs/"+list.Jobs[0].ID, nil))
	if rec.Code != http.StatusOK || decodeJob(t, rec).ID != list.Jobs[0].ID {
		t.Errorf("get returned %d", rec.Code)
	}

	rec = e.do(httptest.NewRequest(http.MethodGet, "/render-jobs/missing", nil))
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != string(errors.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %d %s", rec.Code, rec.Body.String())
	}

	rec = e.do(httptest.NewRequest(http.MethodGet, "/render-jobs?status=exploded", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestRetryRenderJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tmpl := "tshirt"
	design := "/static/uploads/render-jobs/old/design.png"

	prev, err := e.jobs.Create(ctx, jobs.CreateParams{
		ProductID:  "prod-1",
		Preset:     models.PresetChestSmall,
		TemplateID: &tmpl,
		DesignURL:  &design,
	})
	if err != nil {
		t.Fatal(err)
	}

	retry := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/render-jobs/"+prev.ID+"/retry", strings.NewReader(`{"samples":64}`))
		req.Header.Set("Content-Type", "application/json")
		return e.do(req)
	}

	if rec := retry(); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a pending job, got %d", rec.Code)
	}

	if _, err := e.jobs.MarkFailed(ctx, prev.ID, "rendering failed: blender crashed"); err != nil {
		t.Fatal(err)
	}
	rec := retry()
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	job := decodeJob(t, rec)
	if job.ID == prev.ID || job.Metadata.Retry == nil || job.Metadata.Retry.From != prev.ID || job.Metadata.Retry.Count != 1 {
		t.Errorf("unexpected retry lineage: %+v", job.Metadata.Retry)
	}

	spec := e.queue.specs[len(e.queue.specs)-1]
	if spec.JobID != job.ID || spec.DesignURL != design || spec.Samples != 64 || len(spec.Design) != 0 {
		t.Errorf("unexpected retry spec: %+v", spec)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t, httpkit.Check{Name: "postgres", Run: func(context.Context) error {
		return errors.Unavailable("postgres")
	}})

	rec := e.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("shallow health should not run checks, got %d", rec.Code)
	}

	rec = e.do(httptest.NewRequest(http.MethodGet, "/health?deep=true", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Errorf("expected degraded, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestStaticAndMetrics(t *testing.T) {
	e := newEnv(t)
	dir := filepath.Join(e.root, "media", "products", "prod-1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "rendered.png"), pngBytes, 0o644); err != nil {
		t.Fatal(err)
	}

	rec := e.do(httptest.NewRequest(http.MethodGet, "/static/media/products/prod-1/rendered.png", nil))
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), pngBytes) {
		t.Errorf("static file not served: %d", rec.Code)
	}
	rec = e.do(httptest.NewRequest(http.MethodGet, "/static/media/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("directory listing should be hidden, got %d", rec.Code)
	}

	rec = e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `route="/static/*"`) {
		t.Errorf("expected request counter for /static/*, got:\n%s", body)
	}
}
