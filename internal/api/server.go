// SPDX-License-Identifier: MIT

// Package api is the HTTP binding of the engine: a chi router over the
// ingestion pipeline, the decision engine, the detection scheduler and the
// stream hub. The handlers stay thin; authorization and domain rules live
// behind them.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stellwerk/railwatch/internal/audit"
	"github.com/stellwerk/railwatch/internal/config"
	"github.com/stellwerk/railwatch/internal/decision"
	"github.com/stellwerk/railwatch/internal/detect"
	"github.com/stellwerk/railwatch/internal/hub"
	"github.com/stellwerk/railwatch/internal/ingest"
	"github.com/stellwerk/railwatch/internal/kv"
	"github.com/stellwerk/railwatch/internal/ratelimit"
	"github.com/stellwerk/railwatch/internal/store"
)

// edgeRequestsPerMinute is the per-IP ceiling in front of everything,
// including unauthenticated requests. Domain quotas are enforced per
// controller behind it.
const edgeRequestsPerMinute = 600

// Server binds the engine components to HTTP.
type Server struct {
	store     *store.Store
	kv        *kv.Client
	pipeline  *ingest.Pipeline
	engine    *decision.Engine
	scheduler *detect.Scheduler
	hub       *hub.Hub
	audit     *audit.Logger
	opts      config.Options

	ingestLimiter *ratelimit.IngestLimiter
}

// New wires the HTTP server.
func New(st *store.Store, client *kv.Client, pipeline *ingest.Pipeline,
	engine *decision.Engine, scheduler *detect.Scheduler, h *hub.Hub,
	auditLog *audit.Logger, opts config.Options) *Server {
	return &Server{
		store:         st,
		kv:            client,
		pipeline:      pipeline,
		engine:        engine,
		scheduler:     scheduler,
		hub:           h,
		audit:         auditLog,
		opts:          opts,
		ingestLimiter: ratelimit.NewIngestLimiter(ratelimit.DefaultIngestConfig()),
	}
}

// Router builds the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(withCorrelation)
	r.Use(withRequestLog)
	r.Use(httprate.Limit(edgeRequestsPerMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.withAuth)

		r.Route("/api", func(r chi.Router) {
			r.With(s.withIngestLimit).Post("/positions", s.handleReportPosition)
			r.With(s.withIngestLimit).Post("/positions/bulk", s.handleReportBulk)
			r.Get("/positions/{train}", s.handleCurrentPosition)
			r.Get("/sections/{id}/trains", s.handleTrainsInSection)

			r.Get("/conflicts/active", s.handleActiveConflicts)
			r.Post("/conflicts/{id}/resolve", s.handleResolveConflict)

			r.Post("/trains/{id}/control", s.handleControlTrain)

			r.Post("/decisions", s.handleLogDecision)
			r.Get("/decisions", s.handleQueryAudit)
			r.Post("/decisions/{id}/approve", s.handleApprove)

			r.Post("/detect", s.handleDetect)
			r.Get("/metrics/performance", s.handlePerformance)
		})

		r.Get("/ws", s.hub.ServeWS)
	})

	return r
}

// handleHealth answers liveness probes; a failing store ping degrades the
// answer to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
