package chat

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn half. Immutable once appended to a session.
type Message struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionId"`
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Context   *PageContext `json:"context,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}
