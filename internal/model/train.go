// Package model holds the domain entities of the rail traffic engine.
//
// The domain store exclusively owns all entities; every other component
// works on read snapshots or requests writes through store operations.
package model

import "time"

// TrainType classifies rolling stock.
type TrainType string

const (
	TrainExpress     TrainType = "EXPRESS"
	TrainLocal       TrainType = "LOCAL"
	TrainFreight     TrainType = "FREIGHT"
	TrainMaintenance TrainType = "MAINTENANCE"
)

// OperationalStatus is the mutable service state of a train.
type OperationalStatus string

const (
	StatusActive       OperationalStatus = "ACTIVE"
	StatusMaintenance  OperationalStatus = "MAINTENANCE"
	StatusOutOfService OperationalStatus = "OUT_OF_SERVICE"
	StatusEmergency    OperationalStatus = "EMERGENCY"
)

// Train is a scheduled unit of rolling stock.
// Identity and build attributes are immutable; priority, status and the
// current-position fields change at runtime.
type Train struct {
	ID          int64             `json:"id"`
	Number      string            `json:"number"`
	Type        TrainType         `json:"type"`
	MaxSpeed    float64           `json:"max_speed"` // km/h
	Capacity    int               `json:"capacity"`  // passenger seats, or tonnage slots for freight
	Length      float64           `json:"length"`    // metres
	Weight      float64           `json:"weight"`    // tonnes
	Priority    int               `json:"priority"`  // 1..10, higher wins
	Status      OperationalStatus `json:"status"`
	CurrentLoad int               `json:"current_load"`

	CurrentSectionID int64     `json:"current_section_id,omitempty"` // 0 when unknown
	CurrentSpeed     float64   `json:"current_speed"`
	UpdatedAt        time.Time `json:"updated_at,omitzero"`

	// Route is the remaining scheduled section sequence, starting after the
	// current section. Empty for unscheduled movements.
	Route []int64 `json:"route,omitempty"`
}

// PassengerCount estimates occupants for severity scoring. Freight and
// maintenance stock carry crews only.
func (t Train) PassengerCount() int {
	switch t.Type {
	case TrainFreight, TrainMaintenance:
		return 2
	default:
		return t.CurrentLoad
	}
}

// Validate checks the train invariants.
func (t Train) Validate() error {
	if t.Priority < 1 || t.Priority > 10 {
		return Newf(CodeValidation, "train %d: priority %d out of range [1,10]", t.ID, t.Priority)
	}
	if t.CurrentLoad > t.Capacity {
		return Newf(CodeValidation, "train %d: load %d exceeds capacity %d", t.ID, t.CurrentLoad, t.Capacity)
	}
	if t.CurrentSpeed < 0 || t.CurrentSpeed > t.MaxSpeed {
		return Newf(CodeValidation, "train %d: speed %.1f out of range [0,%.1f]", t.ID, t.CurrentSpeed, t.MaxSpeed)
	}
	return nil
}
