package relay

// EventType tags one wire event.
type EventType string

const (
	EventStart EventType = "start"
	EventChunk EventType = "chunk"
	EventEnd   EventType = "end"
	EventError EventType = "error"
)

// Event is the JSON payload pushed to the stream subscriber. Exactly one
// start, zero or more chunks, then exactly one of end or error per
// generation.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}
