package progress

import "time"

// EventType names the typed messages of the server-to-observer stream
// protocol. One typed event per SSE message.
type EventType string

// Stream protocol event types.
const (
	EventConnected EventType = "connected"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventHeartbeat EventType = "heartbeat"
)

// WireEvent is the JSON payload of one stream message. Type travels as the
// SSE event name, not inside the payload.
type WireEvent struct {
	Type          EventType `json:"-"`
	Message       string    `json:"message,omitempty"`
	Percent       int       `json:"percent,omitempty"`
	Phase         string    `json:"phase,omitempty"`
	CurrentEntity string    `json:"current_entity,omitempty"`
	OverallScore  *float64  `json:"overall_score,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
