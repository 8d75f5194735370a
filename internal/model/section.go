package model

// SectionType classifies a unit of track.
type SectionType string

const (
	SectionTrack    SectionType = "TRACK"
	SectionJunction SectionType = "JUNCTION"
	SectionStation  SectionType = "STATION"
	SectionYard     SectionType = "YARD"
)

// Section is a named, fixed-topology unit of track. Topology is immutable
// once created within a run.
type Section struct {
	ID       int64       `json:"id"`
	Code     string      `json:"code"`
	Type     SectionType `json:"type"`
	Length   float64     `json:"length"`    // metres
	MaxSpeed float64     `json:"max_speed"` // km/h
	Capacity int         `json:"capacity"`
	Adjacent []int64     `json:"adjacent,omitempty"`
	Active   bool        `json:"active"`
}

// Validate checks section invariants at creation time.
func (s Section) Validate() error {
	if s.Code == "" {
		return New(CodeValidation, "section code must not be empty")
	}
	if s.Capacity < 1 {
		return Newf(CodeValidation, "section %s: capacity %d must be >= 1", s.Code, s.Capacity)
	}
	if s.Length <= 0 {
		return Newf(CodeValidation, "section %s: length must be positive", s.Code)
	}
	return nil
}
