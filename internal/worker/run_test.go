package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"renderhub/internal/adapters/storage/localfs"
	"renderhub/internal/files"
	"renderhub/internal/httpkit"
	"renderhub/internal/jobs"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/worker/queue"
)

func newService(t *testing.T, checks ...httpkit.Check) *Service {
	t.Helper()
	dir := t.TempDir()
	fm, err := files.New(files.Deps{
		Primary: localfs.New(filepath.Join(dir, "storage")),
		Logger:  logger.Nop(),
		Config:  files.Config{TempRoot: filepath.Join(dir, "tmp"), BaseURL: "http://localhost/static"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(Deps{
		Jobs:      jobs.NewService(jobs.Deps{Store: jobs.NewMemoryStore(), Logger: logger.Nop()}),
		Files:     fm,
		Broker:    queue.NewMemoryBroker(),
		Queue:     queue.Config{Concurrency: 1},
		AdminAddr: "127.0.0.1:0",
		Checks:    checks,
		Log:       logger.Nop(),
	})
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestAdminRoutes(t *testing.T) {
	s := newService(t)
	h := s.Handler()

	code, body := get(t, h, "/queue/metrics")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var snap queue.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap != (queue.Snapshot{}) {
		t.Errorf("expected an idle queue, got %+v", snap)
	}

	code, body = get(t, h, "/metrics")
	if code != http.StatusOK || !strings.Contains(body, `renderhub_queue_jobs{state="waiting"} 0`) {
		t.Errorf("expected queue gauges in /metrics, got %d", code)
	}

	code, body = get(t, h, "/health")
	if code != http.StatusOK || !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("expected healthy, got %d %s", code, body)
	}
}

func TestHealthDegraded(t *testing.T) {
	s := newService(t, httpkit.Check{
		Name: "redis",
		Run:  func(context.Context) error { return stderrors.New("connection refused") },
	})

	code, body := get(t, s.Handler(), "/health")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if !strings.Contains(body, `"degraded"`) || !strings.Contains(body, "connection refused") {
		t.Errorf("unexpected body %s", body)
	}
}

func TestStartStop(t *testing.T) {
	s := newService(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
