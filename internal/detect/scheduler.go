// SPDX-License-Identifier: MIT

// Package detect drives the conflict detector: a periodic tick plus
// on-demand runs, coordinated across engine replicas through a Redis
// advisory lock. A run that exceeds its timeout is cancelled without
// persisting partial results.
package detect

import (
	"context"
	"sync"
	"time"

	"github.com/stellwerk/railwatch/internal/ai"
	"github.com/stellwerk/railwatch/internal/bus"
	"github.com/stellwerk/railwatch/internal/conflict"
	"github.com/stellwerk/railwatch/internal/config"
	"github.com/stellwerk/railwatch/internal/kv"
	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/metrics"
	"github.com/stellwerk/railwatch/internal/model"
	"github.com/stellwerk/railwatch/internal/predict"
	"github.com/stellwerk/railwatch/internal/ratelimit"
	"github.com/stellwerk/railwatch/internal/store"
)

// alertScoreThreshold is the severity score from which imminent conflicts
// are broadcast as ConflictAlert.
const alertScoreThreshold = 6

// activeConflictsTTL is the Redis cache lifetime of the active snapshot.
const activeConflictsTTL = 30 * time.Second

// Result is the delta of one detection run.
type Result struct {
	New      []model.Conflict
	Updated  []model.Conflict
	Duration time.Duration
}

// Scheduler owns the detection cadence.
type Scheduler struct {
	store     *store.Store
	kv        *kv.Client
	bus       *bus.Bus
	detector  *conflict.Detector
	predictor *predict.Predictor
	registry  *ai.Registry
	limiter   *ratelimit.Limiter
	opts      config.Options

	// runLock makes concurrent runs within this process impossible; the
	// Redis advisory lock extends that across replicas.
	runLock sync.Mutex
}

// New wires the scheduler. registry may be nil when AI is disabled.
func New(st *store.Store, client *kv.Client, b *bus.Bus, det *conflict.Detector,
	pred *predict.Predictor, registry *ai.Registry, limiter *ratelimit.Limiter,
	opts config.Options) *Scheduler {
	return &Scheduler{
		store:     st,
		kv:        client,
		bus:       b,
		detector:  det,
		predictor: pred,
		registry:  registry,
		limiter:   limiter,
		opts:      opts,
	}
}

// Run blocks until ctx ends, driving a detection run every tick.
func (s *Scheduler) Run(ctx context.Context) {
	logger := log.WithComponent("detect")
	ticker := time.NewTicker(s.opts.DetectionInterval)
	defer ticker.Stop()

	logger.Info().Dur("interval", s.opts.DetectionInterval).Msg("detection scheduler started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("detection scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.tick(ctx); err != nil {
				logger.Warn().Err(err).Msg("detection run failed")
			}
		}
	}
}

// tick runs one scheduled detection pass. A tick that finds a run already
// active (here or on another replica) is skipped, not queued.
func (s *Scheduler) tick(ctx context.Context) (Result, error) {
	if !s.runLock.TryLock() {
		metrics.IncSkippedTick()
		return Result{}, nil
	}
	defer s.runLock.Unlock()

	held, err := s.kv.AcquireDetectLock(ctx, s.opts.DetectionTimeout+5*time.Second)
	if err != nil {
		return Result{}, err
	}
	if !held {
		metrics.IncSkippedTick()
		return Result{}, nil
	}
	defer func() { _ = s.kv.ReleaseDetectLock(context.WithoutCancel(ctx)) }()

	return s.runOnce(ctx)
}

// RunDetectionOnce is the manual entry point. It is rate limited
// system-wide and returns the run's delta synchronously.
func (s *Scheduler) RunDetectionOnce(ctx context.Context) (Result, error) {
	// Controller id 0 keys the system-wide manual-detection window.
	if err := s.limiter.Allow(ctx, 0, ratelimit.KindManualDetection); err != nil {
		return Result{}, err
	}
	if !s.runLock.TryLock() {
		return Result{}, model.New(model.CodePrecondition, "a detection run is already active")
	}
	defer s.runLock.Unlock()
	return s.runOnce(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) (Result, error) {
	logger := log.WithComponent("detect")
	started := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, s.opts.DetectionTimeout)
	defer cancel()

	snap, err := s.snapshot(runCtx)
	if err != nil {
		return Result{}, s.classifyRunError(err, started)
	}

	found := s.detector.DetectAll(snap)

	// Checkpoint between rule evaluation and persistence: a cancelled run
	// persists nothing.
	if err := runCtx.Err(); err != nil {
		return Result{}, s.classifyRunError(model.Wrap(model.CodeTransient, err, "run cancelled"), started)
	}

	persisted, created, err := s.store.UpsertConflicts(runCtx, found)
	if err != nil {
		return Result{}, s.classifyRunError(err, started)
	}

	res := Result{Duration: time.Since(started)}
	for i, c := range persisted {
		if c.Resolved() {
			// Re-detected inside the identity bucket of an already resolved
			// conflict; never re-surface it.
			continue
		}
		if created[i] {
			res.New = append(res.New, c)
			metrics.IncConflictFound(string(c.Type))
			s.emitConflict(ctx, model.EventConflictDetected, c)
		} else {
			res.Updated = append(res.Updated, c)
			metrics.IncConflictDedup()
			s.emitConflict(ctx, model.EventConflictUpdated, c)
		}
		s.maybeAlert(ctx, c, snap.Now)
	}

	metrics.ObserveDetection(res.Duration)
	if err := s.refreshActiveCache(ctx); err != nil {
		logger.Warn().Err(err).Msg("active conflict cache refresh failed")
	}
	if len(res.New) > 0 && s.registry != nil && s.registry.Enabled() {
		go s.enrich(ctx, res.New, snap)
	}

	logger.Info().
		Int("found", len(found)).
		Int("new", len(res.New)).
		Int("updated", len(res.Updated)).
		Dur("duration", res.Duration).
		Msg("detection run complete")
	return res, nil
}

// snapshot freezes the world state one run works on.
func (s *Scheduler) snapshot(ctx context.Context) (conflict.Snapshot, error) {
	trains, err := s.store.ListTrains(ctx)
	if err != nil {
		return conflict.Snapshot{}, err
	}
	sections, err := s.store.ListSections(ctx)
	if err != nil {
		return conflict.Snapshot{}, err
	}
	live, err := s.store.OpenOccupancies(ctx)
	if err != nil {
		return conflict.Snapshot{}, err
	}

	now := time.Now().UTC()
	snap := conflict.Snapshot{
		Now:      now,
		Trains:   make(map[int64]model.Train, len(trains)),
		Sections: make(map[int64]model.Section, len(sections)),
		Paths:    s.predictor.Paths(trains, now),
	}
	for _, t := range trains {
		snap.Trains[t.ID] = t
	}
	for _, sec := range sections {
		snap.Sections[sec.ID] = sec
	}
	snap.Live = live
	return snap, nil
}

func (s *Scheduler) classifyRunError(err error, started time.Time) error {
	if time.Since(started) >= s.opts.DetectionTimeout {
		metrics.IncSlowRun()
	}
	return err
}

func (s *Scheduler) emitConflict(ctx context.Context, kind model.EventKind, c model.Conflict) {
	ev := model.NewEvent(kind, conflictPayload(c))
	ev.TrainIDs = c.Trains
	ev.SectionIDs = c.Sections
	s.publish(ctx, ev)
}

func (s *Scheduler) maybeAlert(ctx context.Context, c model.Conflict, now time.Time) {
	if c.SeverityScore < alertScoreThreshold {
		return
	}
	if c.ExpectedImpact.IsZero() || c.TimeToImpact(now) <= s.opts.AlertWindow {
		ev := model.NewEvent(model.EventConflictAlert, conflictPayload(c))
		ev.TrainIDs = c.Trains
		ev.SectionIDs = c.Sections
		s.publish(ctx, ev)
	}
}

func (s *Scheduler) publish(ctx context.Context, ev model.Event) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_ = s.bus.Publish(pubCtx, bus.TopicFor(ev.Kind), ev)
}

func (s *Scheduler) refreshActiveCache(ctx context.Context) error {
	active, err := s.store.ActiveConflicts(ctx)
	if err != nil {
		return err
	}
	return s.kv.CacheActiveConflicts(ctx, active, activeConflictsTTL)
}

// enrich consults the AI registry for newly detected conflicts under the
// background deadline and refines their suggestion lists in place.
func (s *Scheduler) enrich(ctx context.Context, conflicts []model.Conflict, snap conflict.Snapshot) {
	logger := log.WithComponent("detect")
	world := ai.Context{Now: snap.Now, Trains: snap.Trains, Sections: snap.Sections}

	for _, c := range conflicts {
		rec := s.registry.RecommendBackground(ctx, c, world)
		if rec.SolutionID == "" || rec.Method == ai.RuleName {
			continue
		}
		c.Suggestions = append(c.Suggestions, rec.Suggestion())
		c.AIAnalyzed = true
		c.AIConfidence = rec.Confidence
		c.AISolutionID = rec.SolutionID
		if _, _, err := s.store.UpsertConflict(ctx, c); err != nil {
			logger.Warn().Int64("conflict_id", c.ID).Err(err).Msg("ai enrichment persist failed")
			continue
		}
		s.emitConflict(ctx, model.EventConflictUpdated, c)
	}
}

func conflictPayload(c model.Conflict) map[string]any {
	data := map[string]any{
		"conflict_id":       c.ID,
		"type":              c.Type,
		"severity":          c.Severity,
		"severity_score":    c.SeverityScore,
		"trains_involved":   c.Trains,
		"sections_involved": c.Sections,
		"description":       c.Description,
		"suggestions":       c.Suggestions,
	}
	if !c.ExpectedImpact.IsZero() {
		data["expected_impact_time"] = c.ExpectedImpact.UTC()
	}
	if c.Resolved() {
		data["resolution_time"] = c.ResolutionTime.UTC()
		data["resolved_by"] = c.ResolvedBy
	}
	return data
}
