package shared

import (
	"time"
)

// EventCategory represents the category of an engine event.
type EventCategory string

const (
	EvaluationEvent    EventCategory = "evaluation"
	SignalEvent        EventCategory = "signal"
	BlockEvent         EventCategory = "block"
	PositionOpenEvent  EventCategory = "position_open"
	PositionCloseEvent EventCategory = "position_close"
	SessionEvent       EventCategory = "session"
	CycleEvent         EventCategory = "cycle"
)

// Event represents a structured engine event for display.
type Event struct {
	Category   EventCategory  `json:"category"`
	Message    string         `json:"message"`
	StrategyID string         `json:"strategyId,omitempty"`
	Instrument string         `json:"instrument,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Time       time.Time      `json:"time"`
}

// NewEvent initializes a new event of the provided category.
func NewEvent(category EventCategory, message string) Event {
	return Event{
		Category: category,
		Message:  message,
		Time:     time.Now().UTC(),
	}
}
