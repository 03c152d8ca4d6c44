package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single utterance recorded in a session history.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserTurn builds a user turn stamped with the given time.
func UserTurn(content string, at time.Time) Turn {
	return Turn{Role: RoleUser, Content: content, CreatedAt: at}
}

// AssistantTurn builds an assistant turn stamped with the given time.
func AssistantTurn(content string, at time.Time) Turn {
	return Turn{Role: RoleAssistant, Content: content, CreatedAt: at}
}
