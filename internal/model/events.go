package model

import "time"

// EventKind names a broadcast event type.
type EventKind string

const (
	EventPositionUpdate   EventKind = "PositionUpdate"
	EventSectionStatus    EventKind = "SectionStatus"
	EventSectionEntry     EventKind = "SectionEntry"
	EventSectionExit      EventKind = "SectionExit"
	EventConflictDetected EventKind = "ConflictDetected"
	EventConflictUpdated  EventKind = "ConflictUpdated"
	EventConflictResolved EventKind = "ConflictResolved"
	EventConflictAlert    EventKind = "ConflictAlert"
	EventDecisionLogged   EventKind = "DecisionLogged"
	EventDecisionExecuted EventKind = "DecisionExecuted"
	EventSystemMessage    EventKind = "SystemMessage"
)

// Event is the envelope delivered to hub subscribers. TrainIDs and
// SectionIDs tag the event for subscription filtering and shard routing;
// they are not part of the wire payload.
type Event struct {
	Kind       EventKind `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`

	TrainIDs   []int64 `json:"-"`
	SectionIDs []int64 `json:"-"`
}

// NewEvent stamps an event envelope in UTC.
func NewEvent(kind EventKind, data any) Event {
	return Event{Kind: kind, OccurredAt: time.Now().UTC(), Data: data}
}

// Matches reports whether the event touches the given train or section.
func (e Event) Matches(trainID, sectionID int64) bool {
	for _, id := range e.TrainIDs {
		if id == trainID && trainID != 0 {
			return true
		}
	}
	for _, id := range e.SectionIDs {
		if id == sectionID && sectionID != 0 {
			return true
		}
	}
	return false
}
