package scope

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventUserInput     EventType = "USER_INPUT"
	EventAgentOutput   EventType = "AGENT_OUTPUT"
	EventToolExecution EventType = "TOOL_EXECUTION"
	EventError         EventType = "ERROR"
	EventDecision      EventType = "DECISION"
	EventStateChange   EventType = "STATE_CHANGE"
)

// ContextEvent is a single immutable interaction record. Compression may
// replace a scope's whole event sequence, but individual events are never
// edited in place.
type ContextEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func NewEvent(kind EventType, data map[string]any) ContextEvent {
	return ContextEvent{
		ID:        uuid.NewString(),
		Type:      kind,
		Timestamp: time.Now(),
		Data:      data,
	}
}
