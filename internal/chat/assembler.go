package chat

import (
	"context"

	"github.com/ent0n29/stoicguide/internal/conversation"
	"github.com/ent0n29/stoicguide/internal/generation"
	"github.com/ent0n29/stoicguide/internal/identity"
)

// Assembler turns a generation result into a persisted assistant message.
type Assembler struct {
	conversations *conversation.Service
}

func NewAssembler(conversations *conversation.Service) *Assembler {
	return &Assembler{conversations: conversations}
}

func (a *Assembler) Assemble(ctx context.Context, id identity.Identity, conversationID string, res generation.Response) (conversation.Message, error) {
	var sources []conversation.Source
	if len(res.Sources) > 0 {
		sources = res.Sources
	}
	return a.conversations.AppendMessage(ctx, id, conversationID, conversation.NewMessage{
		Role:    conversation.RoleAssistant,
		Content: res.Answer,
		Sources: sources,
	})
}
