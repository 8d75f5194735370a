// SPDX-License-Identifier: MIT

// Package audit provides structured audit logging for controller-facing
// operations. Every entry answers WHO did WHAT and WHEN; the decision rows
// in the store are the durable trail, this log is the operational one.
package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/model"
)

// EventType classifies an audit entry.
type EventType string

const (
	// Decision lifecycle
	EventDecisionSubmitted EventType = "decision.submitted"
	EventDecisionApproved  EventType = "decision.approved"
	EventDecisionExecuted  EventType = "decision.executed"
	EventDecisionFailed    EventType = "decision.failed"

	// Conflict lifecycle
	EventConflictResolved EventType = "conflict.resolved"

	// Access control
	EventAuthFailure EventType = "auth.failure"
	EventForbidden   EventType = "auth.forbidden"
	EventRateLimited EventType = "auth.ratelimited"
)

// Event is one structured audit entry.
type Event struct {
	Timestamp    time.Time
	Type         EventType
	ControllerID int64  // WHO; 0 for unauthenticated callers
	Action       string // WHAT, human readable
	Resource     string // affected entity, e.g. "conflict/12"
	Result       string // success, failure, denied
	RequestID    string
	Details      map[string]string
}

// Logger writes audit events on a dedicated component.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates the audit logger.
func NewLogger() *Logger {
	return &Logger{
		logger: log.WithComponent("audit").With().Str("log_type", "audit").Logger(),
	}
}

// Log writes one audit event.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	e := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)
	if event.ControllerID != 0 {
		e = e.Int64("controller_id", event.ControllerID)
	}
	if event.RequestID != "" {
		e = e.Str("request_id", event.RequestID)
	}
	for key, value := range event.Details {
		e = e.Str(key, value)
	}
	e.Msg("audit event")
}

// LogFromContext writes an event stamped with the context's correlation id.
func (l *Logger) LogFromContext(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = log.CorrelationIDFromContext(ctx)
	}
	l.Log(event)
}

// DecisionSubmitted records an accepted controller decision.
func (l *Logger) DecisionSubmitted(ctx context.Context, d model.Decision) {
	details := map[string]string{"action": string(d.Action)}
	if d.ConflictID != 0 {
		details["conflict_id"] = strconv.FormatInt(d.ConflictID, 10)
	}
	if d.TrainID != 0 {
		details["train_id"] = strconv.FormatInt(d.TrainID, 10)
	}
	if d.AIGenerated {
		details["ai_generated"] = "true"
	}
	l.LogFromContext(ctx, Event{
		Type:         EventDecisionSubmitted,
		ControllerID: d.ControllerID,
		Action:       "submitted decision",
		Resource:     "decision/" + strconv.FormatInt(d.ID, 10),
		Result:       "success",
		Details:      details,
	})
}

// DecisionApproved records a granted approval.
func (l *Logger) DecisionApproved(ctx context.Context, decisionID, approverID int64) {
	l.LogFromContext(ctx, Event{
		Type:         EventDecisionApproved,
		ControllerID: approverID,
		Action:       "approved decision",
		Resource:     "decision/" + strconv.FormatInt(decisionID, 10),
		Result:       "success",
	})
}

// DecisionExecuted records a completed deferred execution.
func (l *Logger) DecisionExecuted(decisionID, controllerID int64, result string) {
	l.Log(Event{
		Type:         EventDecisionExecuted,
		ControllerID: controllerID,
		Action:       "executed decision",
		Resource:     "decision/" + strconv.FormatInt(decisionID, 10),
		Result:       "success",
		Details:      map[string]string{"execution_result": result},
	})
}

// DecisionFailed records a failed execution attempt.
func (l *Logger) DecisionFailed(decisionID, controllerID int64, attempt int, cause string) {
	l.Log(Event{
		Type:         EventDecisionFailed,
		ControllerID: controllerID,
		Action:       "execution attempt failed",
		Resource:     "decision/" + strconv.FormatInt(decisionID, 10),
		Result:       "failure",
		Details: map[string]string{
			"attempt": strconv.Itoa(attempt),
			"cause":   cause,
		},
	})
}

// ConflictResolved records a conflict closed by a controller.
func (l *Logger) ConflictResolved(ctx context.Context, conflictID, controllerID int64, verdict string) {
	l.LogFromContext(ctx, Event{
		Type:         EventConflictResolved,
		ControllerID: controllerID,
		Action:       "resolved conflict",
		Resource:     "conflict/" + strconv.FormatInt(conflictID, 10),
		Result:       "success",
		Details:      map[string]string{"verdict": verdict},
	})
}

// AuthFailure records a rejected authentication attempt.
func (l *Logger) AuthFailure(ctx context.Context, resource, reason string) {
	l.LogFromContext(ctx, Event{
		Type:     EventAuthFailure,
		Action:   "authentication failed",
		Resource: resource,
		Result:   "denied",
		Details:  map[string]string{"reason": reason},
	})
}

// Forbidden records an authorization denial for an authenticated controller.
func (l *Logger) Forbidden(ctx context.Context, controllerID int64, resource, reason string) {
	l.LogFromContext(ctx, Event{
		Type:         EventForbidden,
		ControllerID: controllerID,
		Action:       "authorization denied",
		Resource:     resource,
		Result:       "denied",
		Details:      map[string]string{"reason": reason},
	})
}

// RateLimited records a quota rejection.
func (l *Logger) RateLimited(ctx context.Context, controllerID int64, kind string, retryAfter time.Duration) {
	l.LogFromContext(ctx, Event{
		Type:         EventRateLimited,
		ControllerID: controllerID,
		Action:       "rate limit exceeded",
		Resource:     "quota/" + kind,
		Result:       "denied",
		Details:      map[string]string{"retry_after": retryAfter.Round(time.Second).String()},
	})
}
