// SPDX-License-Identifier: MIT

// Package decision is the controller command surface: conflict resolution,
// train control, approvals and the audit trail. Every accepted command is a
// durable Decision row first; the actual state mutation runs on a deferred
// executor pool with a background reaper as safety net.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stellwerk/railwatch/internal/ai"
	"github.com/stellwerk/railwatch/internal/audit"
	"github.com/stellwerk/railwatch/internal/auth"
	"github.com/stellwerk/railwatch/internal/bus"
	"github.com/stellwerk/railwatch/internal/config"
	"github.com/stellwerk/railwatch/internal/kv"
	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/metrics"
	"github.com/stellwerk/railwatch/internal/model"
	"github.com/stellwerk/railwatch/internal/ratelimit"
	"github.com/stellwerk/railwatch/internal/store"
)

// decisionCacheTTL is the Redis lifetime of a freshly written decision.
const decisionCacheTTL = time.Hour

// activeConflictsTTL matches the detection scheduler's snapshot cache.
const activeConflictsTTL = 30 * time.Second

// enqueueWait bounds the backpressure on the executor queue. A decision
// that cannot be enqueued in time is not lost, the reaper picks it up.
const enqueueWait = 100 * time.Millisecond

// maxExecutionRetries bounds reaper retries per decision.
const maxExecutionRetries = 3

// Engine owns the decision lifecycle.
type Engine struct {
	store    *store.Store
	kv       *kv.Client
	bus      *bus.Bus
	limiter  *ratelimit.Limiter
	registry *ai.Registry // nil when AI is disabled
	audit    *audit.Logger
	opts     config.Options

	// reaperInterval is shortened by tests.
	reaperInterval time.Duration

	queue chan int64
	wg    sync.WaitGroup
}

// New wires the engine. Start must be called before commands are accepted;
// until then decisions are still recorded but execute only via the reaper.
func New(st *store.Store, client *kv.Client, b *bus.Bus, limiter *ratelimit.Limiter,
	registry *ai.Registry, auditLog *audit.Logger, opts config.Options) *Engine {
	workers := opts.ExecutorPoolSize
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		store:          st,
		kv:             client,
		bus:            b,
		limiter:        limiter,
		registry:       registry,
		audit:          auditLog,
		opts:           opts,
		reaperInterval: 2 * time.Second,
		queue:          make(chan int64, workers*8),
	}
}

// Start launches the executor pool and the retry reaper.
func (e *Engine) Start(ctx context.Context) {
	workers := e.opts.ExecutorPoolSize
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.executorLoop(ctx)
		}()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reaperLoop(ctx)
	}()
}

// Wait blocks until all engine goroutines have exited.
func (e *Engine) Wait() { e.wg.Wait() }

// Ack is the synchronous answer to an accepted command. Execution is
// deferred; PendingApproval means it will not run before Approve.
type Ack struct {
	DecisionID      int64 `json:"decision_id"`
	ApprovalNeeded  bool  `json:"approval_required"`
	PendingApproval bool  `json:"pending_approval"`
}

// ResolveRequest is a controller's verdict on one conflict.
type ResolveRequest struct {
	ConflictID    int64                   `json:"conflict_id"`
	Verdict       model.ResolveAction     `json:"action"`
	Rationale     string                  `json:"rationale"`
	Modifications []model.SuggestedAction `json:"modifications,omitempty"`
	AISolutionID  string                  `json:"ai_solution_id,omitempty"`
}

// ResolveConflict records a SUPERVISOR-level verdict on a conflict. The
// decision row and its precondition checks commit in one transaction; the
// conflict is closed by the deferred executor.
func (e *Engine) ResolveConflict(ctx context.Context, req ResolveRequest) (Ack, error) {
	ctrl, err := auth.Require(ctx, model.LevelSupervisor)
	if err != nil {
		e.auditDenied(ctx, "conflict", req.ConflictID, err)
		return Ack{}, err
	}
	if err := model.ValidateRationale(req.Rationale); err != nil {
		return Ack{}, err
	}
	switch req.Verdict {
	case model.ResolveAccept, model.ResolveReject:
	case model.ResolveModify:
		if len(req.Modifications) == 0 {
			return Ack{}, model.New(model.CodeValidation, "MODIFY requires modifications")
		}
	default:
		return Ack{}, model.Newf(model.CodeValidation, "unknown resolve action %q", req.Verdict)
	}

	// Resolutions land as MANUAL_OVERRIDE rows, so they draw on the
	// critical budget.
	if err := e.allow(ctx, ctrl.ID, ratelimit.KindForAction(model.ActionManualOverride)); err != nil {
		return Ack{}, err
	}

	conflict, err := e.store.GetConflict(ctx, req.ConflictID)
	if err != nil {
		return Ack{}, err
	}

	d := model.Decision{
		ControllerID: ctrl.ID,
		ConflictID:   conflict.ID,
		Action:       model.ActionManualOverride,
		Timestamp:    time.Now().UTC(),
		Rationale:    req.Rationale,
		Parameters:   map[string]any{"verdict": string(req.Verdict)},
	}
	d.SectionID = firstID(conflict.Sections)

	switch req.Verdict {
	case model.ResolveAccept:
		sug, err := e.acceptedSuggestion(ctx, conflict, req.AISolutionID)
		if err != nil {
			return Ack{}, err
		}
		if sug.ID != "" {
			d.Parameters["solution_id"] = sug.ID
			d.Parameters["source"] = sug.Source
			if len(sug.Actions) > 0 {
				d.Action = sug.Actions[0].Action
			}
			if sug.Source != ai.RuleName && sug.Source != "" {
				d.AIGenerated = true
				d.AISolverMethod = sug.Source
				d.AIConfidence = sug.Confidence
				d.AIScore = sug.EstimatedCost
			}
		}
	case model.ResolveModify:
		d.Parameters["modifications"] = req.Modifications
	}

	id, err := e.store.CreateConflictDecision(ctx, d, req.AISolutionID)
	if err != nil {
		return Ack{}, err
	}
	d.ID = id

	e.accepted(ctx, d)
	return Ack{DecisionID: id}, nil
}

// acceptedSuggestion picks the suggestion an ACCEPT verdict refers to: the
// named one when an ai_solution_id is given, else an inline AI
// recommendation when strategies are live, else the conflict's first
// rule suggestion. The final ai_solution_id match is re-checked inside the
// decision transaction.
func (e *Engine) acceptedSuggestion(ctx context.Context, c model.Conflict, solutionID string) (model.ResolutionSuggestion, error) {
	if solutionID != "" {
		for _, s := range c.Suggestions {
			if s.ID == solutionID {
				return s, nil
			}
		}
		return model.ResolutionSuggestion{}, model.Newf(model.CodePrecondition,
			"ai solution %s does not match conflict %d", solutionID, c.ID)
	}
	if e.registry != nil && e.registry.Enabled() {
		world, err := e.world(ctx)
		if err == nil {
			if rec := e.registry.RecommendInline(ctx, c, world); rec.SolutionID != "" {
				return rec.Suggestion(), nil
			}
		}
	}
	if len(c.Suggestions) > 0 {
		return c.Suggestions[0], nil
	}
	return model.ResolutionSuggestion{}, nil
}

func (e *Engine) world(ctx context.Context) (ai.Context, error) {
	trains, err := e.store.ListTrains(ctx)
	if err != nil {
		return ai.Context{}, err
	}
	sections, err := e.store.ListSections(ctx)
	if err != nil {
		return ai.Context{}, err
	}
	world := ai.Context{
		Now:      time.Now().UTC(),
		Trains:   make(map[int64]model.Train, len(trains)),
		Sections: make(map[int64]model.Section, len(sections)),
	}
	for _, t := range trains {
		world.Trains[t.ID] = t
	}
	for _, s := range sections {
		world.Sections[s.ID] = s
	}
	return world, nil
}

// ControlRequest is a direct command against one train.
type ControlRequest struct {
	TrainID   int64                `json:"train_id"`
	Action    model.DecisionAction `json:"command"`
	Params    model.CommandParams  `json:"parameters"`
	Reason    string               `json:"reason"`
	Emergency bool                 `json:"emergency"`
}

// ControlTrain records a direct train command. Emergency commands require
// MANAGER; all others SUPERVISOR. Controllers act only on trains inside
// their section responsibility set, admins everywhere.
func (e *Engine) ControlTrain(ctx context.Context, req ControlRequest) (Ack, error) {
	level := model.LevelSupervisor
	if req.Emergency {
		level = model.LevelManager
	}
	ctrl, err := auth.Require(ctx, level)
	if err != nil {
		e.auditDenied(ctx, "train", req.TrainID, err)
		return Ack{}, err
	}
	if err := model.ValidateRationale(req.Reason); err != nil {
		return Ack{}, err
	}
	if err := req.Params.ValidateFor(req.Action); err != nil {
		return Ack{}, err
	}

	train, err := e.store.GetTrain(ctx, req.TrainID)
	if err != nil {
		return Ack{}, err
	}
	if train.CurrentSectionID != 0 && !ctrl.ResponsibleFor(train.CurrentSectionID) {
		fault := model.Newf(model.CodeForbidden, "section %d outside responsibility", train.CurrentSectionID)
		e.auditDenied(ctx, "train", req.TrainID, fault)
		return Ack{}, fault
	}
	if req.Action == model.ActionReroute {
		if err := e.validateRoute(ctx, req.Params.Reroute.NewRoute); err != nil {
			return Ack{}, err
		}
	}

	if err := e.allow(ctx, ctrl.ID, ratelimit.KindForAction(req.Action)); err != nil {
		return Ack{}, err
	}

	now := time.Now().UTC()
	d := model.Decision{
		ControllerID: ctrl.ID,
		TrainID:      req.TrainID,
		SectionID:    train.CurrentSectionID,
		Action:       req.Action,
		Timestamp:    now,
		Rationale:    req.Reason,
		Parameters:   req.Params.Document(),
	}
	if req.Emergency {
		d.Parameters["emergency"] = true
	}
	e.applyApprovalPolicy(&d, ctrl, now)

	id, err := e.store.CreateTrainDecision(ctx, d)
	if err != nil {
		return Ack{}, err
	}
	d.ID = id

	e.accepted(ctx, d)
	return Ack{
		DecisionID:      id,
		ApprovalNeeded:  d.ApprovalRequired,
		PendingApproval: !d.Approved(),
	}, nil
}

// applyApprovalPolicy sets the approval fields. REROUTE always requires
// approval; a SUPERVISOR-or-higher submitter auto-approves their own
// decision in the same transaction.
func (e *Engine) applyApprovalPolicy(d *model.Decision, ctrl model.Controller, now time.Time) {
	if d.Action != model.ActionReroute {
		return
	}
	d.ApprovalRequired = true
	if ctrl.Level.AtLeast(model.LevelSupervisor) {
		d.ApprovedBy = ctrl.ID
		d.ApprovalTime = now
	}
}

func (e *Engine) validateRoute(ctx context.Context, route []int64) error {
	for _, id := range route {
		if _, err := e.store.GetSection(ctx, id); err != nil {
			if model.IsCode(err, model.CodeNotFound) {
				return model.Newf(model.CodeValidation, "new_route references unknown section %d", id)
			}
			return err
		}
	}
	return nil
}

// Approve grants a pending approval (MANAGER+) and releases the decision
// to the executor pool.
func (e *Engine) Approve(ctx context.Context, decisionID int64) (model.Decision, error) {
	approver, err := auth.Require(ctx, model.LevelManager)
	if err != nil {
		e.auditDenied(ctx, "decision", decisionID, err)
		return model.Decision{}, err
	}

	d, err := e.store.ApproveDecision(ctx, decisionID, approver.ID, time.Now().UTC())
	if err != nil {
		return model.Decision{}, err
	}
	metrics.AddApprovalsPending(-1)
	e.audit.DecisionApproved(ctx, d.ID, approver.ID)
	e.cacheDecision(ctx, d)
	e.enqueue(ctx, d.ID)
	return d, nil
}

// LogRequest records a decision made outside the engine (radio, phone,
// local signal box) for the audit trail. Execution still runs deferred so
// the recorded state catches up with reality.
type LogRequest struct {
	TrainID    int64                `json:"train_id,omitempty"`
	ConflictID int64                `json:"conflict_id,omitempty"`
	SectionID  int64                `json:"section_id,omitempty"`
	Action     model.DecisionAction `json:"action"`
	Rationale  string               `json:"rationale"`
	Params     model.CommandParams  `json:"parameters"`
}

// LogDecision is the OPERATOR-level direct audit write.
func (e *Engine) LogDecision(ctx context.Context, req LogRequest) (Ack, error) {
	ctrl, err := auth.Require(ctx, model.LevelOperator)
	if err != nil {
		e.auditDenied(ctx, "decision", 0, err)
		return Ack{}, err
	}
	if err := model.ValidateRationale(req.Rationale); err != nil {
		return Ack{}, err
	}
	if err := req.Params.ValidateFor(req.Action); err != nil {
		return Ack{}, err
	}
	if err := e.allow(ctx, ctrl.ID, ratelimit.KindForAction(req.Action)); err != nil {
		return Ack{}, err
	}

	now := time.Now().UTC()
	d := model.Decision{
		ControllerID: ctrl.ID,
		TrainID:      req.TrainID,
		ConflictID:   req.ConflictID,
		SectionID:    req.SectionID,
		Action:       req.Action,
		Timestamp:    now,
		Rationale:    req.Rationale,
		Parameters:   req.Params.Document(),
	}
	e.applyApprovalPolicy(&d, ctrl, now)
	if d.ApprovalRequired && !d.Approved() {
		metrics.AddApprovalsPending(1)
	}

	id, err := e.store.InsertDecision(ctx, d)
	if err != nil {
		return Ack{}, err
	}
	d.ID = id

	e.accepted(ctx, d)
	return Ack{
		DecisionID:      id,
		ApprovalNeeded:  d.ApprovalRequired,
		PendingApproval: !d.Approved(),
	}, nil
}

// GetActiveConflicts returns unresolved conflicts ordered by priority
// score, highest first, served from the Redis snapshot when fresh.
func (e *Engine) GetActiveConflicts(ctx context.Context) ([]model.Conflict, error) {
	if _, err := auth.Require(ctx, model.LevelOperator); err != nil {
		return nil, err
	}

	conflicts, found, err := e.kv.CachedActiveConflicts(ctx)
	if err != nil || !found {
		conflicts, err = e.store.ActiveConflicts(ctx)
		if err != nil {
			return nil, err
		}
		_ = e.kv.CacheActiveConflicts(ctx, conflicts, activeConflictsTTL)
	}

	now := time.Now().UTC()
	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].PriorityScore(now) > conflicts[j].PriorityScore(now)
	})
	return conflicts, nil
}

// AuditPage is one page of the decision trail.
type AuditPage struct {
	Decisions []model.Decision `json:"decisions"`
	Total     int64            `json:"total"`
	Limit     int              `json:"limit"`
	Offset    int              `json:"offset"`
}

// QueryAudit pages through the decision trail, newest first (OPERATOR+).
func (e *Engine) QueryAudit(ctx context.Context, filter store.AuditFilter) (AuditPage, error) {
	if _, err := auth.Require(ctx, model.LevelOperator); err != nil {
		return AuditPage{}, err
	}
	decisions, total, err := e.store.QueryDecisions(ctx, filter)
	if err != nil {
		return AuditPage{}, err
	}
	return AuditPage{Decisions: decisions, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// PerformanceReport aggregates engine throughput over a window.
type PerformanceReport struct {
	Window            time.Duration                  `json:"window"`
	GeneratedAt       time.Time                      `json:"generated_at"`
	PositionsIngested int64                          `json:"positions_ingested"`
	ConflictsByType   map[model.ConflictType]int64   `json:"conflicts_by_type"`
	DecisionsByAction map[model.DecisionAction]int64 `json:"decisions_by_action"`
}

// GetPerformanceMetrics aggregates store counters over the trailing window
// (SUPERVISOR+).
func (e *Engine) GetPerformanceMetrics(ctx context.Context, window time.Duration) (PerformanceReport, error) {
	if _, err := auth.Require(ctx, model.LevelSupervisor); err != nil {
		return PerformanceReport{}, err
	}
	if window <= 0 {
		window = time.Hour
	}
	now := time.Now().UTC()
	since := now.Add(-window)

	positions, err := e.store.CountPositionsSince(ctx, since)
	if err != nil {
		return PerformanceReport{}, err
	}
	conflicts, err := e.store.ConflictCountsSince(ctx, since)
	if err != nil {
		return PerformanceReport{}, err
	}
	decisions, err := e.store.DecisionCountsSince(ctx, since)
	if err != nil {
		return PerformanceReport{}, err
	}
	return PerformanceReport{
		Window:            window,
		GeneratedAt:       now,
		PositionsIngested: positions,
		ConflictsByType:   conflicts,
		DecisionsByAction: decisions,
	}, nil
}

// allow consults the rate limiter and audits a rejection.
func (e *Engine) allow(ctx context.Context, controllerID int64, kind string) error {
	err := e.limiter.Allow(ctx, controllerID, kind)
	if err == nil {
		return nil
	}
	retryAfter := time.Minute
	var fault *model.Fault
	if errors.As(err, &fault) && fault.RetryAfter > 0 {
		retryAfter = fault.RetryAfter
	}
	e.audit.RateLimited(ctx, controllerID, kind, retryAfter)
	return err
}

// accepted runs the post-commit tail every command shares: cache, audit
// entry, DecisionLogged event, executor handoff.
func (e *Engine) accepted(ctx context.Context, d model.Decision) {
	metrics.IncDecisionSubmitted(string(d.Action))
	e.cacheDecision(ctx, d)
	e.audit.DecisionSubmitted(ctx, d)
	e.publish(ctx, e.decisionEvent(model.EventDecisionLogged, d))
	if d.Approved() {
		e.enqueue(ctx, d.ID)
	}
}

func (e *Engine) cacheDecision(ctx context.Context, d model.Decision) {
	if err := e.kv.SetJSON(ctx, kv.DecisionKey(d.ID), d, decisionCacheTTL); err != nil {
		logger := log.WithComponent("decision")
		logger.Warn().Int64("decision_id", d.ID).Err(err).
			Msg("decision cache write failed")
	}
}

// enqueue hands a decision to the executor pool with bounded backpressure.
// A full queue is not an error, the reaper retries unexecuted rows.
func (e *Engine) enqueue(ctx context.Context, decisionID int64) {
	timer := time.NewTimer(enqueueWait)
	defer timer.Stop()
	select {
	case e.queue <- decisionID:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (e *Engine) publish(ctx context.Context, ev model.Event) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_ = e.bus.Publish(pubCtx, bus.TopicFor(ev.Kind), ev)
}

func (e *Engine) decisionEvent(kind model.EventKind, d model.Decision) model.Event {
	data := map[string]any{
		"decision_id":   d.ID,
		"controller_id": d.ControllerID,
		"action":        d.Action,
		"rationale":     d.Rationale,
	}
	if d.TrainID != 0 {
		data["train_id"] = d.TrainID
	}
	if d.ConflictID != 0 {
		data["conflict_id"] = d.ConflictID
	}
	if d.ApprovalRequired {
		data["approval_required"] = true
	}
	if d.Executed {
		data["execution_time"] = d.ExecutionTime.UTC()
		data["execution_result"] = d.ExecutionResult
	}
	ev := model.NewEvent(kind, data)
	if d.TrainID != 0 {
		ev.TrainIDs = []int64{d.TrainID}
	}
	if d.SectionID != 0 {
		ev.SectionIDs = []int64{d.SectionID}
	}
	return ev
}

func (e *Engine) auditDenied(ctx context.Context, resource string, id int64, err error) {
	ref := resource
	if id != 0 {
		ref = fmt.Sprintf("%s/%d", resource, id)
	}
	if ctrl, ok := auth.ControllerFrom(ctx); ok {
		e.audit.Forbidden(ctx, ctrl.ID, ref, err.Error())
		return
	}
	e.audit.AuthFailure(ctx, ref, err.Error())
}

func firstID(ids []int64) int64 {
	if len(ids) == 0 {
		return 0
	}
	return ids[0]
}
