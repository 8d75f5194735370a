// SPDX-License-Identifier: MIT

// Package app assembles the engine: storage, fast KV, ingestion, detection,
// decisions, the stream hub and the HTTP binding, supervised as one unit.
package app

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stellwerk/railwatch/internal/ai"
	"github.com/stellwerk/railwatch/internal/api"
	"github.com/stellwerk/railwatch/internal/audit"
	"github.com/stellwerk/railwatch/internal/bus"
	"github.com/stellwerk/railwatch/internal/config"
	"github.com/stellwerk/railwatch/internal/conflict"
	"github.com/stellwerk/railwatch/internal/decision"
	"github.com/stellwerk/railwatch/internal/detect"
	"github.com/stellwerk/railwatch/internal/hub"
	"github.com/stellwerk/railwatch/internal/ingest"
	"github.com/stellwerk/railwatch/internal/kv"
	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/predict"
	"github.com/stellwerk/railwatch/internal/ratelimit"
	"github.com/stellwerk/railwatch/internal/store"
)

// shutdownGrace bounds the drain of in-flight requests on stop.
const shutdownGrace = 10 * time.Second

// Engine is the assembled application.
type Engine struct {
	opts config.Options

	store     *store.Store
	kv        *kv.Client
	bus       *bus.Bus
	registry  *ai.Registry
	pipeline  *ingest.Pipeline
	sweeper   *ingest.Sweeper
	scheduler *detect.Scheduler
	decisions *decision.Engine
	hub       *hub.Hub
	server    *http.Server
}

// New builds the engine from validated options. It connects to Redis and
// opens the store; both must be reachable at startup.
func New(ctx context.Context, opts config.Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(opts.DataDir, "railwatch.db"), store.DefaultConfig())
	if err != nil {
		return nil, err
	}
	client, err := kv.New(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	e, err := assemble(ctx, st, client, opts)
	if err != nil {
		_ = client.Close()
		_ = st.Close()
		return nil, err
	}
	return e, nil
}

// assemble wires the components over already-open backends.
func assemble(ctx context.Context, st *store.Store, client *kv.Client, opts config.Options) (*Engine, error) {
	sections, err := st.ListSections(ctx)
	if err != nil {
		return nil, err
	}
	pred := predict.New(sections, predict.Options{
		Horizon:    opts.PredictionHorizon,
		FloorSpeed: opts.TravelTimeFloorSpeed,
		Margin:     opts.TravelTimeMargin,
	})

	b := bus.New()
	pipeline := ingest.New(st, pred, b, ingest.Config{
		Workers:       opts.ExecutorPoolSize,
		QueueCapacity: opts.IngestionQueueCapacity,
	})
	// Startup recovery: current positions and open occupancies come back
	// from the store before any traffic is accepted.
	if err := pipeline.Rebuild(ctx); err != nil {
		return nil, err
	}

	limiter := ratelimit.New(client, opts.RateLimits)
	auditLog := audit.NewLogger()

	registry := ai.NewRegistry(opts.AI)

	detector := conflict.New(opts.SeverityWeights, opts.AlertWindow, opts.SafetyBuffer)
	scheduler := detect.New(st, client, b, detector, pred, registry, limiter, opts)

	decisions := decision.New(st, client, b, limiter, registry, auditLog, opts)

	h := hub.New(opts)
	server := api.New(st, client, pipeline, decisions, scheduler, h, auditLog, opts)

	return &Engine{
		opts:      opts,
		store:     st,
		kv:        client,
		bus:       b,
		registry:  registry,
		pipeline:  pipeline,
		sweeper:   ingest.NewSweeper(st, opts.PositionRetention, time.Hour),
		scheduler: scheduler,
		decisions: decisions,
		hub:       h,
		server: &http.Server{
			Addr:              opts.Listen,
			Handler:           server.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Strategies exposes the shared AI registry so external recommenders can
// be registered before Run.
func (e *Engine) Strategies() *ai.Registry { return e.registry }

// Run starts every subsystem and blocks until ctx ends or a subsystem
// fails fatally. Shutdown drains in-flight HTTP work.
func (e *Engine) Run(ctx context.Context) error {
	logger := log.WithComponent("app")
	g, ctx := errgroup.WithContext(ctx)

	e.pipeline.Start(ctx)
	e.decisions.Start(ctx)

	g.Go(func() error {
		e.scheduler.Run(ctx)
		return nil
	})
	g.Go(func() error {
		e.sweeper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		e.hub.Run(ctx, e.bus)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("listen", e.opts.Listen).Msg("http server started")
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return e.server.Shutdown(drainCtx)
	})

	err := g.Wait()
	e.pipeline.Wait()
	e.decisions.Wait()
	e.hub.Wait()
	e.close()
	logger.Info().Msg("engine stopped")
	return err
}

func (e *Engine) close() {
	logger := log.WithComponent("app")
	if err := e.kv.Close(); err != nil {
		logger.Warn().Err(err).Msg("redis close failed")
	}
	if err := e.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("store close failed")
	}
}
