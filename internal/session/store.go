package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/conversation"
	"github.com/ent0n29/stoicguide/internal/identity"
)

// ErrConversationLimit is returned when a lease already holds the maximum
// number of conversations.
var ErrConversationLimit = fmt.Errorf("%w: guest conversation limit reached", apperr.ErrValidation)

// ErrSessionExpired is returned by writes against a session whose lease has
// lapsed. The client has to request a new guest session.
var ErrSessionExpired = fmt.Errorf("guest session expired: %w", apperr.ErrUnauthenticated)

type PurgeReason string

const (
	PurgeExpiredOnAccess PurgeReason = "expired_on_access"
	PurgeReaped          PurgeReason = "reaped"
	PurgeClosed          PurgeReason = "closed"
)

// Store keeps guest conversations in memory, one lease per session id. It
// implements conversation.Store with the session id as the owner key.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*guestSession
	ttl      time.Duration
	now      func() time.Time
	onPurge  func(sessionID string, reason PurgeReason)
	maxConvs int
}

type guestSession struct {
	mu            sync.Mutex
	id            string
	openedAt      time.Time
	lastTouchedAt time.Time
	purged        bool
	conversations map[string]*guestConversation
}

type guestConversation struct {
	meta     conversation.Conversation
	messages []conversation.Message
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		sessions: make(map[string]*guestSession),
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetPurgeHook registers a callback invoked after a session is purged. It
// runs outside the store locks.
func (s *Store) SetPurgeHook(hook func(sessionID string, reason PurgeReason)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPurge = hook
}

// SetMaxConversations caps conversations per lease; n <= 0 removes the cap.
func (s *Store) SetMaxConversations(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConvs = n
}

func (s *Store) TTL() time.Duration { return s.ttl }

// Open registers a lease for a new session id. Opening an id that already
// has a live lease just touches it.
func (s *Store) Open(sessionID string) (Lease, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Lease{}, fmt.Errorf("%w: empty session id", apperr.ErrValidation)
	}
	for {
		now := s.now()
		s.mu.RLock()
		existing, ok := s.sessions[sessionID]
		s.mu.RUnlock()

		if ok {
			existing.mu.Lock()
			if !existing.purged && !s.expired(existing, now) {
				existing.lastTouchedAt = now
				l := s.lease(existing)
				existing.mu.Unlock()
				return l, nil
			}
			if !existing.purged {
				s.purgeLocked(existing)
			}
			existing.mu.Unlock()
		}

		gs := &guestSession{
			id:            sessionID,
			openedAt:      now,
			lastTouchedAt: now,
			conversations: make(map[string]*guestConversation),
		}
		s.mu.Lock()
		if _, taken := s.sessions[sessionID]; taken {
			// lost a race with a concurrent Open; go touch that lease instead
			s.mu.Unlock()
			continue
		}
		s.sessions[sessionID] = gs
		s.mu.Unlock()
		return s.lease(gs), nil
	}
}

// OpenNew opens a lease under a fresh random session id.
func (s *Store) OpenNew() (Lease, error) {
	return s.Open(uuid.NewString())
}

// Len reports the number of leases currently held, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats counts live leases and the conversations they hold.
func (s *Store) Stats() Stats {
	now := s.now()
	s.mu.RLock()
	list := make([]*guestSession, 0, len(s.sessions))
	for _, gs := range s.sessions {
		list = append(list, gs)
	}
	s.mu.RUnlock()

	var st Stats
	for _, gs := range list {
		gs.mu.Lock()
		if !gs.purged && !s.expired(gs, now) {
			st.ActiveSessions++
			st.Conversations += len(gs.conversations)
		}
		gs.mu.Unlock()
	}
	return st
}

func (s *Store) ListConversations(_ context.Context, owner string) ([]conversation.Conversation, error) {
	var out []conversation.Conversation
	err := s.withSession(owner, func(gs *guestSession) error {
		out = make([]conversation.Conversation, 0, len(gs.conversations))
		for _, c := range gs.conversations {
			out = append(out, c.meta)
		}
		return nil
	})
	if err != nil {
		if isGone(err) {
			return []conversation.Conversation{}, nil
		}
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CreateConversation(_ context.Context, owner, title string) (conversation.Conversation, error) {
	s.mu.RLock()
	limit := s.maxConvs
	s.mu.RUnlock()

	var out conversation.Conversation
	err := s.withSession(owner, func(gs *guestSession) error {
		if limit > 0 && len(gs.conversations) >= limit {
			return ErrConversationLimit
		}
		out = conversation.Conversation{
			ID:        uuid.NewString(),
			Owner:     gs.id,
			Kind:      identity.KindGuest,
			Title:     title,
			CreatedAt: s.now(),
		}
		gs.conversations[out.ID] = &guestConversation{meta: out}
		return nil
	})
	if isGone(err) {
		return conversation.Conversation{}, ErrSessionExpired
	}
	return out, err
}

func (s *Store) GetConversation(_ context.Context, owner, id string) (conversation.Conversation, error) {
	var out conversation.Conversation
	err := s.withConversation(owner, id, func(_ *guestSession, c *guestConversation) error {
		out = c.meta
		return nil
	})
	return out, err
}

func (s *Store) RenameConversation(_ context.Context, owner, id, title string) (conversation.Conversation, error) {
	var out conversation.Conversation
	err := s.withConversation(owner, id, func(_ *guestSession, c *guestConversation) error {
		c.meta.Title = title
		out = c.meta
		return nil
	})
	return out, err
}

func (s *Store) RetitleConversation(_ context.Context, owner, id, from, title string) (conversation.Conversation, bool, error) {
	var (
		out     conversation.Conversation
		renamed bool
	)
	err := s.withConversation(owner, id, func(_ *guestSession, c *guestConversation) error {
		if c.meta.Title == from {
			c.meta.Title = title
			renamed = true
		}
		out = c.meta
		return nil
	})
	return out, renamed, err
}

func (s *Store) DeleteConversation(_ context.Context, owner, id string) error {
	return s.withConversation(owner, id, func(gs *guestSession, _ *guestConversation) error {
		delete(gs.conversations, id)
		return nil
	})
}

func (s *Store) ListMessages(_ context.Context, owner, conversationID string) ([]conversation.Message, error) {
	var out []conversation.Message
	err := s.withConversation(owner, conversationID, func(_ *guestSession, c *guestConversation) error {
		out = make([]conversation.Message, len(c.messages))
		copy(out, c.messages)
		return nil
	})
	return out, err
}

func (s *Store) AppendMessage(_ context.Context, owner, conversationID string, msg conversation.NewMessage) (conversation.Message, error) {
	var out conversation.Message
	err := s.withSession(owner, func(gs *guestSession) error {
		c, ok := gs.conversations[conversationID]
		if !ok {
			return apperr.ErrNotFound
		}
		createdAt := s.now()
		if n := len(c.messages); n > 0 && createdAt.Before(c.messages[n-1].CreatedAt) {
			createdAt = c.messages[n-1].CreatedAt
		}
		out = conversation.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           msg.Role,
			Content:        msg.Content,
			Sources:        cloneSources(msg.Sources),
			CreatedAt:      createdAt,
		}
		c.messages = append(c.messages, out)
		return nil
	})
	if isGone(err) {
		return conversation.Message{}, ErrSessionExpired
	}
	return out, err
}

// Close drops every lease.
func (s *Store) Close() error {
	s.mu.Lock()
	list := s.sessions
	s.sessions = make(map[string]*guestSession)
	hook := s.onPurge
	s.mu.Unlock()

	for id, gs := range list {
		gs.mu.Lock()
		gs.purged = true
		gs.conversations = nil
		gs.mu.Unlock()
		if hook != nil {
			hook(id, PurgeClosed)
		}
	}
	return nil
}

// PurgeExpired removes every session whose lease lapsed before now and
// returns how many were removed. Safe to call concurrently with accessors.
func (s *Store) PurgeExpired(now time.Time) int {
	s.mu.RLock()
	candidates := make([]*guestSession, 0)
	for _, gs := range s.sessions {
		candidates = append(candidates, gs)
	}
	s.mu.RUnlock()

	purged := 0
	for _, gs := range candidates {
		gs.mu.Lock()
		if gs.purged || !s.expired(gs, now) {
			gs.mu.Unlock()
			continue
		}
		s.purgeLocked(gs)
		gs.mu.Unlock()
		purged++
		s.notify(gs.id, PurgeReaped)
	}
	return purged
}

var errGone = errors.New("guest session gone")

func isGone(err error) bool { return errors.Is(err, errGone) }

// withSession runs fn under the session lock after the lease check.
// Expired leases are purged on the spot and reported as errGone.
func (s *Store) withSession(sessionID string, fn func(gs *guestSession) error) error {
	s.mu.RLock()
	gs, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return errGone
	}

	gs.mu.Lock()
	if gs.purged {
		gs.mu.Unlock()
		return errGone
	}
	now := s.now()
	if s.expired(gs, now) {
		s.purgeLocked(gs)
		gs.mu.Unlock()
		s.notify(gs.id, PurgeExpiredOnAccess)
		return errGone
	}
	gs.lastTouchedAt = now
	err := fn(gs)
	gs.mu.Unlock()
	return err
}

func (s *Store) withConversation(sessionID, conversationID string, fn func(gs *guestSession, c *guestConversation) error) error {
	err := s.withSession(sessionID, func(gs *guestSession) error {
		c, ok := gs.conversations[conversationID]
		if !ok {
			return apperr.ErrNotFound
		}
		return fn(gs, c)
	})
	if isGone(err) {
		return apperr.ErrNotFound
	}
	return err
}

func (s *Store) expired(gs *guestSession, now time.Time) bool {
	return now.Sub(gs.lastTouchedAt) > s.ttl
}

// purgeLocked must be called with gs.mu held.
func (s *Store) purgeLocked(gs *guestSession) {
	gs.purged = true
	gs.conversations = nil
	s.mu.Lock()
	if cur, ok := s.sessions[gs.id]; ok && cur == gs {
		delete(s.sessions, gs.id)
	}
	s.mu.Unlock()
}

func (s *Store) notify(sessionID string, reason PurgeReason) {
	s.mu.RLock()
	hook := s.onPurge
	s.mu.RUnlock()
	if hook != nil {
		hook(sessionID, reason)
	}
}

func (s *Store) lease(gs *guestSession) Lease {
	return Lease{
		SessionID:     gs.id,
		OpenedAt:      gs.openedAt,
		LastTouchedAt: gs.lastTouchedAt,
		ExpiresAt:     gs.lastTouchedAt.Add(s.ttl),
		TTLMS:         s.ttl.Milliseconds(),
	}
}

func cloneSources(in []conversation.Source) []conversation.Source {
	if len(in) == 0 {
		return nil
	}
	out := make([]conversation.Source, len(in))
	copy(out, in)
	return out
}
