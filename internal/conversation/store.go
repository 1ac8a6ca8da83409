package conversation

import "context"

// Store is the storage capability shared by the durable and ephemeral
// backends. owner is Identity.Owner(): a user id or a guest session id.
//
// Implementations return apperr.ErrNotFound for conversations that do not
// exist or that belong to another owner, and must check ownership in the
// same step as any mutation.
type Store interface {
	ListConversations(ctx context.Context, owner string) ([]Conversation, error)
	CreateConversation(ctx context.Context, owner, title string) (Conversation, error)
	GetConversation(ctx context.Context, owner, id string) (Conversation, error)
	RenameConversation(ctx context.Context, owner, id, title string) (Conversation, error)
	// RetitleConversation sets title only while the stored title still
	// equals from. The bool reports whether it changed; the returned
	// Conversation is the stored state either way.
	RetitleConversation(ctx context.Context, owner, id, from, title string) (Conversation, bool, error)
	DeleteConversation(ctx context.Context, owner, id string) error
	ListMessages(ctx context.Context, owner, conversationID string) ([]Message, error)
	AppendMessage(ctx context.Context, owner, conversationID string, msg NewMessage) (Message, error)
	Close() error
}
