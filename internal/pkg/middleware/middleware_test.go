package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"renderhub/internal/pkg/errors"
	"renderhub/internal/pkg/logger"
)

func newTestLogger(buf *bytes.Buffer) *logger.Logger {
	return logger.New(logger.Config{Level: "debug", Format: "json", Output: buf})
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(logger.RequestIDKey).(string)
	}))

	t.Run("assigns a uuid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/render-jobs", nil))

		got := rec.Header().Get(RequestIDHeader)
		if _, err := uuid.Parse(got); err != nil {
			t.Errorf("expected uuid request id, got %q", got)
		}
		if seen != got {
			t.Errorf("context id %q does not match header %q", seen, got)
		}
	})

	t.Run("keeps caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/render-jobs", nil)
		req.Header.Set(RequestIDHeader, "trace-42")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Header().Get(RequestIDHeader) != "trace-42" {
			t.Errorf("expected trace-42, got %s", rec.Header().Get(RequestIDHeader))
		}
	})
}

func TestLoggingLevels(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"accepted logs info", http.StatusAccepted, `"level":"INFO"`},
		{"not found logs warn", http.StatusNotFound, `"level":"WARN"`},
		{"server error logs error", http.StatusBadGateway, `"level":"ERROR"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := Logging(newTestLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/render-jobs", nil))

			out := buf.String()
			if !strings.Contains(out, tt.level) {
				t.Errorf("expected %s in %s", tt.level, out)
			}
			if !strings.Contains(out, "duration_ms") || !strings.Contains(out, "/render-jobs") {
				t.Errorf("expected path and duration in %s", out)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	handler := Recovery(newTestLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("renderer exploded")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("expected INTERNAL_ERROR body, got %s", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "renderer exploded") {
		t.Errorf("expected panic value logged, got %s", buf.String())
	}
}

func TestTimeoutSetsDeadline(t *testing.T) {
	var hasDeadline bool
	handler := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !hasDeadline {
		t.Error("expected request context to carry a deadline")
	}
}

func TestResponseWriter(t *testing.T) {
	rw := wrapResponseWriter(httptest.NewRecorder())
	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("hello"))

	if rw.status != http.StatusCreated {
		t.Errorf("expected first status to stick, got %d", rw.status)
	}
	if rw.size != 5 {
		t.Errorf("expected size 5, got %d", rw.size)
	}
}

func TestWrapHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "not found",
			err:        errors.NotFound("render job", "abc"),
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
			wantMsg:    "render job not found: abc",
		},
		{
			name:       "invalid transition",
			err:        errors.InvalidTransition("completed", "rendering"),
			wantStatus: http.StatusConflict,
			wantCode:   "INVALID_TRANSITION",
			wantMsg:    "cannot transition from completed to rendering",
		},
		{
			name:       "internal hides detail",
			err:        errors.Wrap(context.DeadlineExceeded, "db", "query failed"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
			wantMsg:    "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := WrapHandler(newTestLogger(&buf), func(w http.ResponseWriter, r *http.Request) error {
				return tt.err
			})

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/render-jobs/abc", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}

			var env struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if env.Error.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, env.Error.Code)
			}
			if env.Error.Message != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, env.Error.Message)
			}
		})
	}
}

func TestWrapHandlerSuccess(t *testing.T) {
	var buf bytes.Buffer
	handler := WrapHandler(newTestLogger(&buf), func(w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusNoContent)
		return nil
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}
