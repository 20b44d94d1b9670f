// Package httpapi is the public REST surface: render job submission, status,
// retry, templates and the static file tree.
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"renderhub/internal/httpapi/handlers"
	"renderhub/internal/httpkit"
	"renderhub/internal/metrics"
	"renderhub/internal/pkg/middleware"
)

type Deps struct {
	Handlers handlers.Deps
	Metrics  *metrics.Metrics

	CORSOrigins    []string
	RequestTimeout time.Duration
	// StaticRoot is served under /static. Empty disables the route.
	StaticRoot string
}

func NewRouter(d Deps) http.Handler {
	h := handlers.New(d.Handlers)
	log := h.Log()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	if d.Metrics != nil {
		r.Use(observe(d.Metrics))
	}
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		ExposedHeaders: []string{"X-Request-ID"},
	}))

	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	r.Get("/health", h.Health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if d.RequestTimeout > 0 {
			r.Use(middleware.Timeout(d.RequestTimeout))
		}

		r.Post("/render-jobs", wrap(h.PostRenderJob))
		r.Get("/render-jobs", wrap(h.ListRenderJobs))
		r.Get("/render-jobs/{jobId}", wrap(h.GetRenderJob))
		r.Post("/render-jobs/{jobId}/retry", wrap(h.RetryRenderJob))

		r.Get("/templates", wrap(h.ListTemplates))
		r.Get("/templates/{templateId}", wrap(h.GetTemplate))
	})

	if d.StaticRoot != "" {
		r.Handle("/static/*", http.StripPrefix("/static", noListing(http.FileServer(http.Dir(d.StaticRoot)))))
	}

	return r
}

// observe counts requests by route pattern and status class.
func observe(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveRequest(route, status)
		})
	}
}

func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
