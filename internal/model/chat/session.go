package chat

import "time"

// State reports whether a session key currently owns a conversation.
type State string

const (
	StateNotInitialized State = "not_initialized"
	StateActive         State = "active"
)

// Session captures one conversation with the remote assistant.
// A reset never edits a Session in place; it swaps in a new Generation.
type Session struct {
	ID           string    `json:"id"`
	Generation   string    `json:"generation"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}
