package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/restic123gw/gateway/internal/gateway"
	"github.com/restic123gw/gateway/internal/metrics"
)

// RouterConfig bundles everything NewRouter needs to wire up the Restic
// REST surface.
type RouterConfig struct {
	Gateway *gateway.Gateway
	RootID  int64
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// NewRouter builds the complete chi handler: middleware chain, the Restic
// REST v2 routes, and a /metrics scrape endpoint on the same mux.
func NewRouter(cfg RouterConfig) http.Handler {
	h := NewHandler(cfg.Gateway, cfg.RootID, cfg.Logger, cfg.Metrics)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Post("/", h.CreateRepo)
	r.Delete("/", h.DeleteRepo)

	r.Route("/config", func(r chi.Router) {
		r.Head("/", h.HeadConfig)
		r.Get("/", h.GetConfig)
		r.Post("/", h.PostConfig)
	})

	r.Get("/{type}/", h.ListType)
	r.Head("/{type}/{name}", h.HeadObject)
	r.Get("/{type}/{name}", h.GetObject)
	r.Post("/{type}/{name}", h.PostObject)
	r.Delete("/{type}/{name}", h.DeleteObject)

	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	return r
}
