package generation

import "github.com/ent0n29/stoicguide/internal/conversation"

// ContextMessage is one prior turn forwarded to the generation service.
type ContextMessage struct {
	Role    conversation.Role `json:"role"`
	Content string            `json:"content"`
}

type Request struct {
	Query               string           `json:"query"`
	ConversationContext []ContextMessage `json:"conversation_context"`
	TopK                int              `json:"top_k"`
}

type Usage struct {
	TokensPrompt     int    `json:"tokens_prompt"`
	TokensCompletion int    `json:"tokens_completion"`
	Model            string `json:"model"`
}

type Response struct {
	Answer  string                `json:"answer"`
	Sources []conversation.Source `json:"sources"`
	Usage   Usage                 `json:"usage"`
}

// Forwarded is an upstream reply relayed to the caller as-is.
type Forwarded struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type wireSource struct {
	Title      string   `json:"title" validate:"required"`
	ChunkID    string   `json:"chunk_id" validate:"required"`
	Page       *int     `json:"page"`
	Similarity *float64 `json:"similarity" validate:"required,gte=0,lte=1"`
	Snippet    string   `json:"snippet"`
}

type wireResponse struct {
	Answer  *string      `json:"answer" validate:"required"`
	Sources []wireSource `json:"sources" validate:"dive"`
	Usage   Usage        `json:"usage"`
}

type titleRequest struct {
	UserMessage       string `json:"user_message"`
	AssistantResponse string `json:"assistant_response"`
}

type titleResponse struct {
	Title string `json:"title"`
}
