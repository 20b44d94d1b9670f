package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"renderhub/internal/httpkit"
	"renderhub/internal/models"
	"renderhub/internal/worker/queue"
)

type apiStub struct {
	requests []*http.Request
	bodies   []string
}

func (s *apiStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.requests = append(s.requests, r)
		s.bodies = append(s.bodies, string(body))

		errMsg := "rendering failed: blender crashed"
		job := models.RenderJob{
			ID:           "job-1",
			ProductID:    "prod-1",
			Preset:       models.PresetChestMedium,
			Status:       models.StatusFailed,
			ErrorMessage: &errMsg,
			CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}

		switch {
		case r.URL.Path == "/render-jobs/missing":
			httpkit.WriteErr(w, http.StatusNotFound, "NOT_FOUND", "render job not found", nil)
		case r.URL.Path == "/render-jobs/job-1":
			httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job": job})
		case r.URL.Path == "/render-jobs" && r.Method == http.MethodGet:
			httpkit.WriteJSON(w, http.StatusOK, map[string]any{"jobs": []models.RenderJob{job}})
		case r.URL.Path == "/render-jobs" && r.Method == http.MethodPost:
			job.ID, job.Status, job.ErrorMessage = "job-2", models.StatusPending, nil
			httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job": job})
		case r.URL.Path == "/render-jobs/job-1/retry":
			job.ID, job.Status, job.ErrorMessage = "job-3", models.StatusPending, nil
			job.Metadata.Retry = &models.RetryInfo{From: "job-1", Count: 1}
			httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job": job})
		case r.URL.Path == "/queue/metrics":
			httpkit.WriteJSON(w, http.StatusOK, queue.Snapshot{Waiting: 3, Active: 2, Failed: 1})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--api-url", srv.URL, "--admin-url", srv.URL, "--retries", "0"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"status", []string{"status", "job-1"}, []string{"Job:        job-1", "Status:     failed", "blender crashed"}},
		{"status json", []string{"status", "job-1", "--json"}, []string{`"id": "job-1"`, `"status": "failed"`}},
		{"list", []string{"list", "--status", "failed"}, []string{"ID", "job-1", "prod-1", "chest-medium"}},
		{"retry", []string{"retry", "job-1", "--samples", "64"}, []string{"Job:        job-3", "Retry of:   job-1 (#1)"}},
		{"queue metrics", []string{"queue", "metrics"}, []string{"Waiting:    3", "Active:     2", "Failed:     1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &apiStub{}
			out, err := run(t, stub.server(t), tt.args...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestListSendsFilters(t *testing.T) {
	stub := &apiStub{}
	if _, err := run(t, stub.server(t), "list", "--status", "failed", "--product", "prod-1", "--limit", "5"); err != nil {
		t.Fatal(err)
	}
	q := stub.requests[0].URL.Query()
	if q.Get("status") != "failed" || q.Get("product_id") != "prod-1" || q.Get("limit") != "5" {
		t.Errorf("unexpected query %s", stub.requests[0].URL.RawQuery)
	}
}

func TestRetrySendsOptions(t *testing.T) {
	stub := &apiStub{}
	if _, err := run(t, stub.server(t), "retry", "job-1", "--samples", "64", "--mode", "images-only"); err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(stub.bodies[0]), &body); err != nil {
		t.Fatal(err)
	}
	if body["samples"] != float64(64) || body["render_mode"] != "images-only" {
		t.Errorf("unexpected retry body %v", body)
	}
	if _, ok := body["fabric_color"]; ok {
		t.Error("empty options should be omitted")
	}
}

func TestSubmitUploadsDesign(t *testing.T) {
	design := filepath.Join(t.TempDir(), "logo.png")
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	if err := os.WriteFile(design, png, 0o644); err != nil {
		t.Fatal(err)
	}

	stub := &apiStub{}
	out, err := run(t, stub.server(t), "submit", design, "--product", "prod-1", "--template", "tshirt", "--fabric-color", "navy")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "job-2") {
		t.Errorf("expected the new job in output:\n%s", out)
	}

	req := stub.requests[0]
	if !strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/form-data") {
		t.Fatalf("expected multipart, got %s", req.Header.Get("Content-Type"))
	}
	body := stub.bodies[0]
	for _, w := range []string{`name="product_id"`, "prod-1", `name="template_id"`, "tshirt", `name="fabric_color"`, `filename="logo.png"`, "Content-Type: image/png"} {
		if !strings.Contains(body, w) {
			t.Errorf("multipart body missing %q", w)
		}
	}
}

func TestSubmitRequiresFlags(t *testing.T) {
	stub := &apiStub{}
	if _, err := run(t, stub.server(t), "submit", "x.png"); err == nil {
		t.Fatal("expected missing flag error")
	}
	if len(stub.requests) != 0 {
		t.Error("no request should be sent")
	}
}

func TestAPIErrorIsReported(t *testing.T) {
	stub := &apiStub{}
	_, err := run(t, stub.server(t), "status", "missing")
	if err == nil {
		t.Fatal("expected an error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestAwaitCode(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    string
		wantErr string
	}{
		{"code", "state=s1&code=abc", "abc", ""},
		{"wrong state", "state=other&code=abc", "", "invalid state"},
		{"denied", "state=s1&error=access_denied", "", "access_denied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}
			callback := "http://" + ln.Addr().String() + "/callback?" + tt.query

			code, err := awaitCode(context.Background(), ln, "s1", func() {
				go func() {
					res, err := http.Get(callback)
					if err == nil {
						res.Body.Close()
					}
				}()
			})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if code != tt.want {
				t.Errorf("code = %q, want %q", code, tt.want)
			}
		})
	}
}
