package conversation

import (
	"time"

	"github.com/ent0n29/stoicguide/internal/identity"
)

// DefaultTitle is assigned to conversations created without a title.
const DefaultTitle = "New Conversation"

// MaxTitleRunes bounds conversation titles.
const MaxTitleRunes = 200

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Conversation is owned by exactly one identity. ID is a decimal number for
// registered users and an opaque string for guests.
type Conversation struct {
	ID        string        `json:"id"`
	Owner     string        `json:"-"`
	Kind      identity.Kind `json:"-"`
	Title     string        `json:"title"`
	CreatedAt time.Time     `json:"created_at"`
}

// Source is a retrieved passage cited by an assistant message.
type Source struct {
	Title      string  `json:"title"`
	ChunkID    string  `json:"chunk_id"`
	Page       *int    `json:"page,omitempty"`
	Similarity float64 `json:"similarity"`
	Snippet    string  `json:"snippet"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Sources        []Source  `json:"sources"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessage is the input to AppendMessage.
type NewMessage struct {
	Role    Role
	Content string
	Sources []Source
}
