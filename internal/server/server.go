package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/mcpcalc/internal/config"
	"github.com/gaspardpetit/mcpcalc/internal/dispatch"
	"github.com/gaspardpetit/mcpcalc/internal/inflight"
	"github.com/gaspardpetit/mcpcalc/internal/metrics"
	"github.com/gaspardpetit/mcpcalc/internal/serverstate"
	"github.com/gaspardpetit/mcpcalc/internal/session"
)

// Paths served by New.
const (
	MCPPath = "/mcp"
	WSPath  = "/mcp/ws"
)

// Options wires the HTTP handler to the session layer.
type Options struct {
	Config      config.ServerConfig
	Manager     *session.Manager
	Dispatcher  *dispatch.Dispatcher
	Calls       *inflight.Counter
	BaseContext context.Context
}

// New constructs the HTTP handler for the server.
func New(opts Options) http.Handler {
	cfg := opts.Config
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{HeaderSessionID, HeaderProtocolVersion},
		}))
	}
	for _, m := range middlewareChain() {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)

	t := NewStreamable(opts.Manager, opts.Dispatcher, StreamableOptions{
		JSONResponse: cfg.JSONResponse,
		Calls:        opts.Calls,
		BaseContext:  opts.BaseContext,
		Draining:     serverstate.IsDraining,
	})
	r.Handle(MCPPath, t)
	r.Handle(WSPath, NewWebSocket(t, cfg.AllowedOrigins))
	r.Get("/healthz", healthHandler(t))
	r.Get("/tools", toolsHandler(opts.Dispatcher.Tools()))
	r.Get("/sessions", sessionsHandler(opts.Manager))
	r.Get("/version", versionHandler(opts.Dispatcher.Info()))

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}
	return r
}
