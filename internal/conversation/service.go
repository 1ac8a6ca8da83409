package conversation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/identity"
)

// Service is the single entry point to conversation storage. It selects the
// backend from the identity kind and validates input before any backend
// sees it. Handlers never talk to a Store directly.
type Service struct {
	durable   Store
	ephemeral Store
}

func NewService(durable, ephemeral Store) *Service {
	return &Service{durable: durable, ephemeral: ephemeral}
}

func (s *Service) backend(id identity.Identity) (Store, string, error) {
	switch id.Kind {
	case identity.KindRegistered:
		if id.UserID <= 0 {
			return nil, "", apperr.ErrUnauthenticated
		}
		return s.durable, id.Owner(), nil
	case identity.KindGuest:
		if strings.TrimSpace(id.SessionID) == "" {
			return nil, "", apperr.ErrUnauthenticated
		}
		return s.ephemeral, id.Owner(), nil
	default:
		return nil, "", fmt.Errorf("unknown identity kind %q", id.Kind)
	}
}

func (s *Service) ListConversations(ctx context.Context, id identity.Identity) ([]Conversation, error) {
	store, owner, err := s.backend(id)
	if err != nil {
		return nil, err
	}
	return store.ListConversations(ctx, owner)
}

func (s *Service) CreateConversation(ctx context.Context, id identity.Identity, title string) (Conversation, error) {
	store, owner, err := s.backend(id)
	if err != nil {
		return Conversation{}, err
	}
	title, err = normalizeTitle(title)
	if err != nil {
		return Conversation{}, err
	}
	return store.CreateConversation(ctx, owner, title)
}

func (s *Service) GetConversation(ctx context.Context, id identity.Identity, conversationID string) (Conversation, error) {
	store, owner, err := s.backend(id)
	if err != nil {
		return Conversation{}, err
	}
	if err := validateID(conversationID); err != nil {
		return Conversation{}, err
	}
	return store.GetConversation(ctx, owner, conversationID)
}

// RenameConversation is last-write-wins.
func (s *Service) RenameConversation(ctx context.Context, id identity.Identity, conversationID, title string) (Conversation, error) {
	store, owner, err := s.backend(id)
	if err != nil {
		return Conversation{}, err
	}
	if err := validateID(conversationID); err != nil {
		return Conversation{}, err
	}
	title, err = normalizeTitle(title)
	if err != nil {
		return Conversation{}, err
	}
	return store.RenameConversation(ctx, owner, conversationID, title)
}

// ApplyGeneratedTitle renames the conversation only while it still carries
// DefaultTitle, so a rename by the user always wins. It reports whether the
// title changed.
func (s *Service) ApplyGeneratedTitle(ctx context.Context, id identity.Identity, conversationID, title string) (bool, error) {
	store, owner, err := s.backend(id)
	if err != nil {
		return false, err
	}
	if err := validateID(conversationID); err != nil {
		return false, err
	}
	title, err = normalizeTitle(title)
	if err != nil {
		return false, err
	}
	if title == DefaultTitle {
		return false, nil
	}
	_, renamed, err := store.RetitleConversation(ctx, owner, conversationID, DefaultTitle, title)
	return renamed, err
}

// DeleteConversation removes the conversation and all of its messages.
func (s *Service) DeleteConversation(ctx context.Context, id identity.Identity, conversationID string) error {
	store, owner, err := s.backend(id)
	if err != nil {
		return err
	}
	if err := validateID(conversationID); err != nil {
		return err
	}
	return store.DeleteConversation(ctx, owner, conversationID)
}

// ListMessages returns messages oldest first. It fails with
// apperr.ErrNotFound when the conversation is not owned by id.
func (s *Service) ListMessages(ctx context.Context, id identity.Identity, conversationID string) ([]Message, error) {
	store, owner, err := s.backend(id)
	if err != nil {
		return nil, err
	}
	if err := validateID(conversationID); err != nil {
		return nil, err
	}
	return store.ListMessages(ctx, owner, conversationID)
}

func (s *Service) AppendMessage(ctx context.Context, id identity.Identity, conversationID string, msg NewMessage) (Message, error) {
	store, owner, err := s.backend(id)
	if err != nil {
		return Message{}, err
	}
	if err := validateID(conversationID); err != nil {
		return Message{}, err
	}
	if !msg.Role.Valid() {
		return Message{}, fmt.Errorf("%w: unknown role %q", apperr.ErrValidation, msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return Message{}, fmt.Errorf("%w: message content is empty", apperr.ErrValidation)
	}
	if msg.Role != RoleAssistant {
		msg.Sources = nil
	}
	if len(msg.Sources) == 0 {
		msg.Sources = nil
	}
	return store.AppendMessage(ctx, owner, conversationID, msg)
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return DefaultTitle, nil
	}
	if utf8.RuneCountInString(title) > MaxTitleRunes {
		return "", fmt.Errorf("%w: title longer than %d characters", apperr.ErrValidation, MaxTitleRunes)
	}
	return title, nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: missing conversation id", apperr.ErrValidation)
	}
	return nil
}
