package bus

import "time"

// EventType identifies a class of engine events.
type EventType string

// Event types published by the engine. Subscribe with EventType("") to
// receive everything.
const (
	// TurnCompleted fires after every finalized turn, success or partial.
	TurnCompleted EventType = "turn.completed"

	// TurnFailed fires when a turn returns a typed error.
	TurnFailed EventType = "turn.failed"

	// ResourceWarning fires when a sampled resource crosses the warning
	// threshold.
	ResourceWarning EventType = "resource.warning"

	// ResourceCritical fires when a sampled resource crosses the critical
	// threshold.
	ResourceCritical EventType = "resource.critical"

	// LessonRecorded fires when the self-learning monitor ingests a
	// learning record.
	LessonRecorded EventType = "lesson.recorded"

	// PlanProposed fires when the task planner creates a new plan.
	PlanProposed EventType = "plan.proposed"
)

// Event is one bus message. Payload holds event-specific data; publishers
// must not mutate it after publishing.
type Event struct {
	Type    EventType      `json:"type"`
	At      time.Time      `json:"at"`
	TurnID  string         `json:"turn_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(t EventType, turnID string, payload map[string]any) Event {
	return Event{Type: t, At: time.Now(), TurnID: turnID, Payload: payload}
}
