package chat

import (
	"github.com/ent0n29/stoicguide/internal/conversation"
	"github.com/ent0n29/stoicguide/internal/generation"
)

const DefaultWindowSize = 6

// Window selects the trailing turns forwarded as generation context.
type Window struct {
	Size int
}

// Build returns the last Size messages as role/content pairs, oldest first.
// Sources never leave the process.
func (w Window) Build(messages []conversation.Message) []generation.ContextMessage {
	n := w.Size
	if n <= 0 {
		n = DefaultWindowSize
	}
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	out := make([]generation.ContextMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, generation.ContextMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
