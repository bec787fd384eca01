package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/elskow/binder-build/internal/auth"
)

type RouterParams struct {
	Handler        *Handler
	AuthMiddleware *auth.AuthMiddleware
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter mounts the public endpoints and the authenticated build and
// template endpoints.
func NewRouter(p RouterParams) http.Handler {
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binder_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)
	if p.Registerer != nil {
		p.Registerer.MustRegister(requests)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(p.Logger, requests))
	r.Use(middleware.Recoverer)
	if len(p.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: p.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	h := p.Handler
	r.Get(HealthPath, h.Health)
	if p.Gatherer != nil {
		r.Method(http.MethodGet, MetricsPath, promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(p.AuthMiddleware.Handler)

		r.Get(BuildEventsPath, h.BuildEvents)

		r.Group(func(r chi.Router) {
			if p.RequestTimeout > 0 {
				r.Use(middleware.Timeout(p.RequestTimeout))
			}
			r.Post(BuildsPath, h.SubmitBuild)
			r.Get(BuildsPath, h.ListBuilds)
			r.Get(BuildPath, h.GetBuild)
			r.Delete(BuildPath, h.RemoveBuild)
			r.Post(BuildCancelPath, h.CancelBuild)
			r.Get(TemplatesPath, h.ListTemplates)
			r.Get(TemplatePath, h.GetTemplate)
		})
	})

	return r
}

func loggingMiddleware(logger *zap.Logger, requests *prometheus.CounterVec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			requests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()

			log := logger.Info
			if PublicEndpoints[route] {
				log = logger.Debug
			}
			log("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
