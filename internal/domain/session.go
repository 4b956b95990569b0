package domain

import (
	"time"
)

// SessionState is the streaming state of a chat session.
type SessionState string

const (
	SessionIdle      SessionState = "Idle"
	SessionStreaming SessionState = "Streaming"
)

// ChatSession identifies an ongoing conversation.
type ChatSession struct {
	ID             string       `json:"sessionId"`
	ThreadID       string       `json:"threadId"`
	ActiveStreamID string       `json:"activeStreamId,omitempty"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Message roles stored in a session history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleNote      = "note"
)

// Message is a single turn of a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Partial   bool      `json:"partial,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is the context handed to providers and suggesters.
// Actions holds the session's action records, oldest first; it is only
// loaded for suggestions.
type Conversation struct {
	SessionID string
	ThreadID  string
	Messages  []Message
	Actions   []*AgentAction
}

// LastByRole returns the most recent message with the given role.
func (c Conversation) LastByRole(role string) (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == role {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

// Last returns the most recent message of any role.
func (c Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}
