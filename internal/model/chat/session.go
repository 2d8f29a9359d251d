package chat

import "time"

// Session captures one anonymous conversation, keyed by an opaque
// client-generated identifier. History lives only in process memory.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}
