package model

import "time"

// MaxClockSkew bounds how far in the future a position timestamp may lie.
const MaxClockSkew = 5 * time.Second

// Coordinates is an optional GPS fix attached to a position report.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PositionReport is a single time-stamped position sample for one train.
// Reports are append-only and retained for a configurable window.
type PositionReport struct {
	TrainID           int64        `json:"train_id"`
	SectionID         int64        `json:"section_id"`
	Timestamp         time.Time    `json:"timestamp"`
	Coordinates       *Coordinates `json:"coordinates,omitempty"`
	Speed             float64      `json:"speed"`   // km/h
	Heading           float64      `json:"heading"` // degrees, [0,360)
	DistanceFromStart float64      `json:"distance_from_start"` // metres from section start, -1 when unknown
	SignalStrength    float64      `json:"signal_strength"`     // -1 when unknown
	GPSAccuracy       float64      `json:"gps_accuracy"`        // metres, -1 when unknown
}

// Validate checks report-local invariants. Staleness against the latest
// accepted report is the ingestion pipeline's concern.
func (p PositionReport) Validate(now time.Time) error {
	if p.TrainID <= 0 {
		return New(CodeValidation, "position report: train id required")
	}
	if p.SectionID <= 0 {
		return New(CodeValidation, "position report: section id required")
	}
	if p.Timestamp.IsZero() {
		return New(CodeValidation, "position report: timestamp required")
	}
	if p.Timestamp.After(now.Add(MaxClockSkew)) {
		return Newf(CodeValidation, "position report: timestamp %s is in the future", p.Timestamp.UTC().Format(time.RFC3339))
	}
	if p.Speed < 0 {
		return New(CodeValidation, "position report: speed must be >= 0")
	}
	if p.Heading < 0 || p.Heading >= 360 {
		return Newf(CodeValidation, "position report: heading %.1f out of range [0,360)", p.Heading)
	}
	return nil
}

// OccupancyRecord is the open interval during which a train is recorded
// inside a section. A record with zero ExitTime is live.
type OccupancyRecord struct {
	ID               int64     `json:"id"`
	SectionID        int64     `json:"section_id"`
	TrainID          int64     `json:"train_id"`
	EntryTime        time.Time `json:"entry_time"`
	ExpectedExitTime time.Time `json:"expected_exit_time,omitzero"` // zero when not estimated
	ExitTime         time.Time `json:"exit_time,omitzero"`          // zero while live
}

// Live reports whether the occupancy is still open.
func (o OccupancyRecord) Live() bool { return o.ExitTime.IsZero() }
