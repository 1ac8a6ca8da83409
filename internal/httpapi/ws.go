package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/stoicguide/internal/conversation"
	"github.com/ent0n29/stoicguide/internal/identity"
	"github.com/ent0n29/stoicguide/internal/protocol"
	"github.com/ent0n29/stoicguide/internal/ratelimit"
	"github.com/ent0n29/stoicguide/internal/reliability"
)

const (
	wsReadLimit    = 64 << 10
	wsIdleTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handleConversationWS streams sends for one conversation. Each
// send_message frame yields a user_message frame once the user turn is
// stored, then either an assistant_message or an error frame. Sends on one
// socket run in arrival order.
func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	conversationID := chi.URLParam(r, "id")
	if _, err := s.conversations.GetConversation(r.Context(), id, conversationID); err != nil {
		s.respondErr(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.sessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	policy := ratelimit.Policy{Max: s.cfg.MessageRateLimit.Max, Window: s.cfg.MessageRateLimit.Window}
	key := clientKey(r)
	inbound := make(chan protocol.SendMessage, 16)
	outbound := make(chan any, 64)
	emit := func(v any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- v:
			return true
		}
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		for msg := range inbound {
			s.runWSSend(ctx, id, conversationID, msg, emit)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.wsMessage("outbound", msg)
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			ev := protocol.ErrorEvent{
				Type:  protocol.TypeErrorEvent,
				Code:  "invalid_request",
				Error: err.Error(),
			}
			select {
			case outbound <- ev:
			default:
				// Drop rather than block the reader when the client is not draining.
			}
			continue
		}
		s.wsMessage("inbound", parsed)

		switch m := parsed.(type) {
		case protocol.Ping:
			if !emit(protocol.Pong{Type: protocol.TypePong, RequestID: m.RequestID}) {
				break readLoop
			}
		case protocol.SendMessage:
			if retry, ok := s.allow("message", key, policy); !ok {
				emit(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					RequestID: m.RequestID,
					Code:      "rate_limited",
					Error:     "rate limited, retry in " + retryAfterSeconds(retry) + "s",
					Retryable: true,
				})
				continue
			}
			select {
			case <-ctx.Done():
				break readLoop
			case inbound <- m:
			}
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.sessionEvent("ws_disconnected")
}

func (s *Server) runWSSend(ctx context.Context, id identity.Identity, conversationID string, msg protocol.SendMessage, emit func(any) bool) {
	ex, err := s.chat.SendMessageStream(ctx, id, conversationID, msg.Content, func(m conversation.Message) {
		emit(protocol.UserMessage{
			Type:           protocol.TypeUserMessage,
			RequestID:      msg.RequestID,
			ConversationID: conversationID,
			Message:        m,
		})
	})
	if err != nil {
		_, code := classify(err)
		ev := protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			RequestID: msg.RequestID,
			Code:      code,
			Error:     publicMessage(err, code),
			Retryable: reliability.IsRetryable(err),
		}
		if ex.UserMessage.ID != "" {
			ev.UserMessage = &ex.UserMessage
		}
		if code == "internal" {
			s.logger.ErrorContext(ctx, "websocket send failed", "conversation_id", conversationID, "error", err)
		}
		emit(ev)
		return
	}
	emit(protocol.AssistantMessage{
		Type:           protocol.TypeAssistantMessage,
		RequestID:      msg.RequestID,
		ConversationID: conversationID,
		Message:        *ex.AssistantMessage,
	})
}

func (s *Server) sessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (s *Server) wsMessage(direction string, v any) {
	if s.metrics == nil {
		return
	}
	if t, ok := protocol.TypeOf(v); ok {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}
