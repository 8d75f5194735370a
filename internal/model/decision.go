package model

import (
	"time"
)

// DecisionAction is the command recorded on a decision row.
type DecisionAction string

const (
	ActionDelay          DecisionAction = "DELAY"
	ActionReroute        DecisionAction = "REROUTE"
	ActionPriorityChange DecisionAction = "PRIORITY_CHANGE"
	ActionEmergencyStop  DecisionAction = "EMERGENCY_STOP"
	ActionSpeedLimit     DecisionAction = "SPEED_LIMIT"
	ActionManualOverride DecisionAction = "MANUAL_OVERRIDE"
	ActionResume         DecisionAction = "RESUME"
)

// ResolveAction is a controller's verdict on a conflict.
type ResolveAction string

const (
	ResolveAccept ResolveAction = "ACCEPT"
	ResolveModify ResolveAction = "MODIFY"
	ResolveReject ResolveAction = "REJECT"
)

// Per-action parameter variants. Heterogeneous command parameters are typed
// here and flattened to a key-value document only at the persistence
// boundary.

// DelayParams delays a train by a bounded number of minutes.
type DelayParams struct {
	DelayMinutes int `json:"delay_minutes"`
}

func (p DelayParams) Validate() error {
	if p.DelayMinutes < 0 || p.DelayMinutes > 180 {
		return Newf(CodeValidation, "delay_minutes %d out of range [0,180]", p.DelayMinutes)
	}
	return nil
}

// RerouteParams replaces the remaining route with an explicit section list.
type RerouteParams struct {
	NewRoute []int64 `json:"new_route"`
}

func (p RerouteParams) Validate() error {
	if len(p.NewRoute) == 0 {
		return New(CodeValidation, "new_route must not be empty")
	}
	return nil
}

// PriorityChangeParams rewrites a train's priority.
type PriorityChangeParams struct {
	NewPriority int `json:"new_priority"`
}

func (p PriorityChangeParams) Validate() error {
	if p.NewPriority < 1 || p.NewPriority > 10 {
		return Newf(CodeValidation, "new_priority %d out of range [1,10]", p.NewPriority)
	}
	return nil
}

// SpeedLimitParams caps a train's speed.
type SpeedLimitParams struct {
	MaxSpeed float64 `json:"max_speed"`
}

func (p SpeedLimitParams) Validate() error {
	if p.MaxSpeed < 0 || p.MaxSpeed > 300 {
		return Newf(CodeValidation, "max_speed %.1f out of range [0,300]", p.MaxSpeed)
	}
	return nil
}

// CommandParams carries exactly the variant matching the decision action.
// EMERGENCY_STOP, RESUME and MANUAL_OVERRIDE take no parameters.
type CommandParams struct {
	Delay      *DelayParams          `json:"delay,omitempty"`
	Reroute    *RerouteParams        `json:"reroute,omitempty"`
	Priority   *PriorityChangeParams `json:"priority,omitempty"`
	SpeedLimit *SpeedLimitParams     `json:"speed_limit,omitempty"`
}

// ValidateFor checks that the populated variant matches the action and is in
// range.
func (p CommandParams) ValidateFor(action DecisionAction) error {
	switch action {
	case ActionDelay:
		if p.Delay == nil {
			return New(CodeValidation, "DELAY requires delay parameters")
		}
		return p.Delay.Validate()
	case ActionReroute:
		if p.Reroute == nil {
			return New(CodeValidation, "REROUTE requires reroute parameters")
		}
		return p.Reroute.Validate()
	case ActionPriorityChange:
		if p.Priority == nil {
			return New(CodeValidation, "PRIORITY_CHANGE requires priority parameters")
		}
		return p.Priority.Validate()
	case ActionSpeedLimit:
		if p.SpeedLimit == nil {
			return New(CodeValidation, "SPEED_LIMIT requires speed limit parameters")
		}
		return p.SpeedLimit.Validate()
	case ActionEmergencyStop, ActionResume, ActionManualOverride:
		return nil
	default:
		return Newf(CodeValidation, "unknown action %q", action)
	}
}

// Document flattens the populated variant into the key-value form stored on
// the decision row.
func (p CommandParams) Document() map[string]any {
	doc := map[string]any{}
	switch {
	case p.Delay != nil:
		doc["delay_minutes"] = p.Delay.DelayMinutes
	case p.Reroute != nil:
		doc["new_route"] = p.Reroute.NewRoute
	case p.Priority != nil:
		doc["new_priority"] = p.Priority.NewPriority
	case p.SpeedLimit != nil:
		doc["max_speed"] = p.SpeedLimit.MaxSpeed
	}
	return doc
}

// Decision is a persistent, attributable record of a controller-initiated
// action. Rows are append-only and immutable once executed.
type Decision struct {
	ID           int64          `json:"id"`
	ControllerID int64          `json:"controller_id"`
	ConflictID   int64          `json:"conflict_id,omitempty"` // 0 when not tied to a conflict
	TrainID      int64          `json:"train_id,omitempty"`    // 0 when not tied to a train
	SectionID    int64          `json:"section_id,omitempty"`
	Action       DecisionAction `json:"action"`
	Timestamp    time.Time      `json:"timestamp"`
	Rationale    string         `json:"rationale"`
	Parameters   map[string]any `json:"parameters,omitempty"`

	Executed        bool      `json:"executed"`
	ExecutionTime   time.Time `json:"execution_time,omitzero"`
	ExecutionResult string    `json:"execution_result,omitempty"`

	ApprovalRequired bool      `json:"approval_required,omitempty"`
	ApprovedBy       int64     `json:"approved_by,omitempty"`
	ApprovalTime     time.Time `json:"approval_time,omitzero"`

	AIGenerated    bool    `json:"ai_generated,omitempty"`
	AISolverMethod string  `json:"ai_solver_method,omitempty"`
	AIScore        float64 `json:"ai_score,omitempty"`
	AIConfidence   float64 `json:"ai_confidence,omitempty"`

	RetryCount int `json:"retry_count,omitempty"`
}

// MinRationaleLen is the minimum accepted rationale length.
const MinRationaleLen = 10

// ValidateRationale enforces the audit-trail minimum.
func ValidateRationale(rationale string) error {
	if len(rationale) < MinRationaleLen {
		return Newf(CodeValidation, "rationale must be at least %d characters", MinRationaleLen)
	}
	return nil
}

// Approved reports whether a pending approval has been granted.
func (d Decision) Approved() bool {
	return !d.ApprovalRequired || (d.ApprovedBy != 0 && !d.ApprovalTime.IsZero())
}
