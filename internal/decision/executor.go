// SPDX-License-Identifier: MIT

package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/metrics"
	"github.com/stellwerk/railwatch/internal/model"
)

// executeTimeout bounds one deferred execution including its store writes.
const executeTimeout = 10 * time.Second

func (e *Engine) executorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			e.execute(ctx, id)
		}
	}
}

// execute applies one decision's state mutation and flips executed exactly
// once. A failure is recorded on the row; the reaper re-enqueues it within
// the retry budget.
func (e *Engine) execute(ctx context.Context, decisionID int64) {
	logger := log.WithComponent("decision")
	execCtx, cancel := context.WithTimeout(ctx, executeTimeout)
	defer cancel()

	d, err := e.store.GetDecision(execCtx, decisionID)
	if err != nil {
		logger.Warn().Int64("decision_id", decisionID).Err(err).Msg("executor load failed")
		return
	}
	if d.Executed || !d.Approved() {
		return
	}

	result, err := e.apply(execCtx, d)
	if err != nil {
		metrics.IncDecisionExecuted("failure")
		e.audit.DecisionFailed(d.ID, d.ControllerID, d.RetryCount+1, err.Error())
		if rerr := e.store.RecordDecisionFailure(context.WithoutCancel(ctx), d.ID, err.Error()); rerr != nil {
			logger.Error().Int64("decision_id", d.ID).Err(rerr).Msg("failure record lost")
		}
		return
	}

	now := time.Now().UTC()
	if err := e.store.CompleteDecision(execCtx, d.ID, now, result); err != nil {
		// Lost the completion race or the row changed under us; either way
		// this attempt must not emit an execution event.
		logger.Warn().Int64("decision_id", d.ID).Err(err).Msg("completion skipped")
		return
	}

	d.Executed = true
	d.ExecutionTime = now
	if d.ExecutionTime.Before(d.Timestamp) {
		d.ExecutionTime = d.Timestamp
	}
	d.ExecutionResult = result

	metrics.IncDecisionExecuted("success")
	e.audit.DecisionExecuted(d.ID, d.ControllerID, result)
	e.cacheDecision(execCtx, d)
	e.publish(ctx, e.decisionEvent(model.EventDecisionExecuted, d))
}

// apply performs the decision's state mutation and returns the recorded
// execution result.
func (e *Engine) apply(ctx context.Context, d model.Decision) (string, error) {
	if d.ConflictID != 0 {
		return e.applyConflictDecision(ctx, d)
	}
	return e.applyTrainCommand(ctx, d)
}

// applyConflictDecision closes the conflict on behalf of the deciding
// controller and drops the active snapshot cache.
func (e *Engine) applyConflictDecision(ctx context.Context, d model.Decision) (string, error) {
	now := time.Now().UTC()
	err := e.store.MarkConflictResolved(ctx, d.ConflictID, d.ControllerID, now)
	if model.IsCode(err, model.CodePrecondition) {
		// Already closed by an earlier attempt of this same decision.
		return "conflict already resolved", nil
	}
	if err != nil {
		return "", err
	}

	if cerr := e.kv.InvalidateActiveConflicts(ctx); cerr != nil {
		logger := log.WithComponent("decision")
		logger.Warn().Err(cerr).Msg("active cache invalidation failed")
	}

	verdict, _ := d.Parameters["verdict"].(string)
	ev := model.NewEvent(model.EventConflictResolved, map[string]any{
		"conflict_id":     d.ConflictID,
		"resolved_by":     d.ControllerID,
		"resolution_time": now,
		"verdict":         verdict,
		"decision_id":     d.ID,
	})
	if d.SectionID != 0 {
		ev.SectionIDs = []int64{d.SectionID}
	}
	e.publish(ctx, ev)
	e.audit.ConflictResolved(ctx, d.ConflictID, d.ControllerID, verdict)

	return fmt.Sprintf("conflict %d resolved (%s)", d.ConflictID, verdict), nil
}

// applyTrainCommand mutates the target train per the recorded action.
func (e *Engine) applyTrainCommand(ctx context.Context, d model.Decision) (string, error) {
	switch d.Action {
	case model.ActionDelay:
		minutes := paramInt(d.Parameters, "delay_minutes")
		// The delay is dispatcher-facing: it shifts the operational schedule,
		// which lives outside the engine. The row itself is the record.
		if _, err := e.store.UpdateTrain(ctx, d.TrainID, func(*model.Train) error { return nil }); err != nil {
			return "", err
		}
		return fmt.Sprintf("train %d delayed %d minutes", d.TrainID, minutes), nil

	case model.ActionReroute:
		route := paramRoute(d.Parameters)
		if len(route) == 0 {
			return "", model.New(model.CodeValidation, "reroute without new_route")
		}
		if _, err := e.store.UpdateTrain(ctx, d.TrainID, func(t *model.Train) error {
			t.Route = route
			return nil
		}); err != nil {
			return "", err
		}
		return fmt.Sprintf("train %d rerouted over %d sections", d.TrainID, len(route)), nil

	case model.ActionPriorityChange:
		prio := paramInt(d.Parameters, "new_priority")
		if _, err := e.store.UpdateTrain(ctx, d.TrainID, func(t *model.Train) error {
			t.Priority = prio
			return nil
		}); err != nil {
			return "", err
		}
		return fmt.Sprintf("train %d priority set to %d", d.TrainID, prio), nil

	case model.ActionSpeedLimit:
		limit := paramFloat(d.Parameters, "max_speed")
		if _, err := e.store.UpdateTrain(ctx, d.TrainID, func(t *model.Train) error {
			if t.CurrentSpeed > limit {
				t.CurrentSpeed = limit
			}
			return nil
		}); err != nil {
			return "", err
		}
		return fmt.Sprintf("train %d limited to %.0f km/h", d.TrainID, limit), nil

	case model.ActionEmergencyStop:
		if _, err := e.store.UpdateTrain(ctx, d.TrainID, func(t *model.Train) error {
			t.Status = model.StatusEmergency
			t.CurrentSpeed = 0
			return nil
		}); err != nil {
			return "", err
		}
		return fmt.Sprintf("train %d emergency stopped", d.TrainID), nil

	case model.ActionResume:
		if _, err := e.store.UpdateTrain(ctx, d.TrainID, func(t *model.Train) error {
			t.Status = model.StatusActive
			return nil
		}); err != nil {
			return "", err
		}
		return fmt.Sprintf("train %d resumed", d.TrainID), nil

	case model.ActionManualOverride:
		return fmt.Sprintf("manual override on train %d recorded", d.TrainID), nil

	default:
		return "", model.Newf(model.CodeInternal, "unexecutable action %q", d.Action)
	}
}

// Parameter documents round-trip through JSON, so numbers come back as
// float64.

func paramInt(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func paramFloat(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func paramRoute(params map[string]any) []int64 {
	raw, ok := params["new_route"].([]any)
	if !ok {
		if ids, ok := params["new_route"].([]int64); ok {
			return ids
		}
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, int64(f))
		}
	}
	return out
}
