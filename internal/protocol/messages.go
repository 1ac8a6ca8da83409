// Package protocol defines the websocket frames of the streaming send
// endpoint. Every frame is a JSON object with a "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/stoicguide/internal/conversation"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSendMessage      MessageType = "send_message"
	TypePing             MessageType = "ping"
	TypeUserMessage      MessageType = "user_message"
	TypeAssistantMessage MessageType = "assistant_message"
	TypePong             MessageType = "pong"
	TypeErrorEvent       MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// SendMessage asks the server to run one exchange. RequestID is echoed on
// every frame the send produces.
type SendMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Content   string      `json:"content"`
}

type Ping struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
}

// UserMessage acknowledges that the user turn has been stored.
type UserMessage struct {
	Type           MessageType          `json:"type"`
	RequestID      string               `json:"request_id,omitempty"`
	ConversationID string               `json:"conversation_id"`
	Message        conversation.Message `json:"message"`
}

type AssistantMessage struct {
	Type           MessageType          `json:"type"`
	RequestID      string               `json:"request_id,omitempty"`
	ConversationID string               `json:"conversation_id"`
	Message        conversation.Message `json:"message"`
}

type ErrorEvent struct {
	Type        MessageType           `json:"type"`
	RequestID   string                `json:"request_id,omitempty"`
	Code        string                `json:"code"`
	Error       string                `json:"error"`
	Retryable   bool                  `json:"retryable"`
	UserMessage *conversation.Message `json:"user_message,omitempty"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSendMessage:
		var msg SendMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, errors.New("invalid send_message: content is empty")
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf returns the frame type of a value built by this package.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case SendMessage:
		return m.Type, true
	case Ping:
		return m.Type, true
	case Pong:
		return m.Type, true
	case UserMessage:
		return m.Type, true
	case AssistantMessage:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
