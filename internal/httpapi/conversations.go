package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/conversation"
)

type createConversationRequest struct {
	Title string `json:"title"`
}

type renameConversationRequest struct {
	Title string `json:"title" validate:"required"`
}

type sendMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

type listConversationsResponse struct {
	Conversations []conversation.Conversation `json:"conversations"`
}

type listMessagesResponse struct {
	Messages []conversation.Message `json:"messages"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.conversations.ListConversations(r.Context(), identityFrom(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if list == nil {
		list = []conversation.Conversation{}
	}
	respondJSON(w, http.StatusOK, listConversationsResponse{Conversations: list})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	// The body is optional; an untitled conversation gets the default title.
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		s.respondErr(w, r, fmt.Errorf("%w: invalid json: %v", apperr.ErrValidation, err))
		return
	}
	conv, err := s.conversations.CreateConversation(r.Context(), identityFrom(r), req.Title)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.GetConversation(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var req renameConversationRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	conv, err := s.conversations.RenameConversation(r.Context(), identityFrom(r), chi.URLParam(r, "id"), req.Title)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.conversations.DeleteConversation(r.Context(), identityFrom(r), chi.URLParam(r, "id")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.conversations.ListMessages(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	respondJSON(w, http.StatusOK, listMessagesResponse{Messages: msgs})
}

// handleSendMessage runs one exchange. When generation fails after the user
// message was stored, the error body carries that message so the client
// can show it and offer a retry.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	ex, err := s.chat.SendMessage(r.Context(), identityFrom(r), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		var stored *conversation.Message
		if ex.UserMessage.ID != "" {
			stored = &ex.UserMessage
		}
		s.respondFailure(w, r, err, stored)
		return
	}
	respondJSON(w, http.StatusCreated, ex)
}
