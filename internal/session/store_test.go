package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/conversation"
)

type clock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *clock) {
	t.Helper()
	c := &clock{cur: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(ttl)
	s.now = c.now
	return s, c
}

func userMsg(content string) conversation.NewMessage {
	return conversation.NewMessage{Role: conversation.RoleUser, Content: content}
}

func TestStoreConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, time.Hour)
	if _, err := s.Open("g1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	c, err := s.CreateConversation(ctx, "g1", "On anger")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if c.ID == "" || c.Owner != "g1" || c.Title != "On anger" {
		t.Fatalf("unexpected conversation: %+v", c)
	}

	page := 12
	sources := []conversation.Source{{Title: "De Ira", ChunkID: "c-1", Page: &page, Similarity: 0.8, Snippet: "No plague..."}}
	if _, err := s.AppendMessage(ctx, "g1", c.ID, userMsg("How do I stop being angry?")); err != nil {
		t.Fatalf("AppendMessage(user) error = %v", err)
	}
	if _, err := s.AppendMessage(ctx, "g1", c.ID, conversation.NewMessage{Role: conversation.RoleAssistant, Content: "Delay.", Sources: sources}); err != nil {
		t.Fatalf("AppendMessage(assistant) error = %v", err)
	}

	msgs, err := s.ListMessages(ctx, "g1", c.ID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != conversation.RoleUser || msgs[1].Content != "Delay." {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if len(msgs[1].Sources) != 1 || *msgs[1].Sources[0].Page != 12 {
		t.Fatalf("sources not round-tripped: %+v", msgs[1].Sources)
	}

	renamed, err := s.RenameConversation(ctx, "g1", c.ID, "Anger")
	if err != nil || renamed.Title != "Anger" {
		t.Fatalf("RenameConversation() = %+v, %v", renamed, err)
	}

	if err := s.DeleteConversation(ctx, "g1", c.ID); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if _, err := s.ListMessages(ctx, "g1", c.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("ListMessages() after delete error = %v, want ErrNotFound", err)
	}
}

func TestStoreIsolatesSessions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, time.Hour)
	_, _ = s.Open("owner")
	_, _ = s.Open("intruder")

	c, err := s.CreateConversation(ctx, "owner", "mine")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	if _, err := s.GetConversation(ctx, "intruder", c.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetConversation() error = %v, want ErrNotFound", err)
	}
	if _, err := s.AppendMessage(ctx, "intruder", c.ID, userMsg("hi")); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("AppendMessage() error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteConversation(ctx, "intruder", c.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("DeleteConversation() error = %v, want ErrNotFound", err)
	}
	list, err := s.ListConversations(ctx, "intruder")
	if err != nil || len(list) != 0 {
		t.Fatalf("ListConversations(intruder) = %v, %v", list, err)
	}
}

func TestStoreUnknownSessionIsNotCreated(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, time.Hour)

	if _, err := s.CreateConversation(ctx, "never-opened", "x"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("CreateConversation() error = %v, want ErrSessionExpired", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestStoreExpiresOnAccess(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, time.Hour)
	var reasons []PurgeReason
	s.SetPurgeHook(func(_ string, reason PurgeReason) { reasons = append(reasons, reason) })

	_, _ = s.Open("g1")
	c, err := s.CreateConversation(ctx, "g1", "")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	clk.advance(59 * time.Minute)
	if _, err := s.GetConversation(ctx, "g1", c.ID); err != nil {
		t.Fatalf("GetConversation() inside TTL error = %v", err)
	}

	// the read above refreshed the lease
	clk.advance(59 * time.Minute)
	if _, err := s.ListMessages(ctx, "g1", c.ID); err != nil {
		t.Fatalf("ListMessages() inside refreshed TTL error = %v", err)
	}

	clk.advance(61 * time.Minute)
	if _, err := s.GetConversation(ctx, "g1", c.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetConversation() after TTL error = %v, want ErrNotFound", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after purge", s.Len())
	}
	if _, err := s.AppendMessage(ctx, "g1", c.ID, userMsg("still there?")); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("AppendMessage() after TTL error = %v, want ErrUnauthenticated", err)
	}
	list, err := s.ListConversations(ctx, "g1")
	if err != nil || len(list) != 0 {
		t.Fatalf("ListConversations() after TTL = %v, %v", list, err)
	}
	if len(reasons) != 1 || reasons[0] != PurgeExpiredOnAccess {
		t.Fatalf("purge reasons = %v", reasons)
	}
}

func TestStoreReopenAfterExpiryStartsEmpty(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, time.Minute)
	_, _ = s.Open("g1")
	if _, err := s.CreateConversation(ctx, "g1", "old"); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	clk.advance(2 * time.Minute)
	if _, err := s.Open("g1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	list, err := s.ListConversations(ctx, "g1")
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expired data revived: %+v", list)
	}
}

func TestStoreConcurrentAppendsKeepEveryMessage(t *testing.T) {
	ctx := context.Background()
	s := NewStore(time.Hour)
	_, _ = s.Open("g1")
	c, err := s.CreateConversation(ctx, "g1", "")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.AppendMessage(ctx, "g1", c.ID, userMsg(fmt.Sprintf("m%d", i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	msgs, err := s.ListMessages(ctx, "g1", c.ID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != n {
		t.Fatalf("len(messages) = %d, want %d", len(msgs), n)
	}
	seen := make(map[string]bool, n)
	for i, m := range msgs {
		seen[m.Content] = true
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("message %d created before its predecessor", i)
		}
	}
	if len(seen) != n {
		t.Fatalf("distinct contents = %d, want %d", len(seen), n)
	}
}

func TestStoreStats(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, time.Hour)
	_, _ = s.Open("a")
	_, _ = s.Open("b")
	_, _ = s.CreateConversation(ctx, "a", "")
	_, _ = s.CreateConversation(ctx, "a", "")

	st := s.Stats()
	if st.ActiveSessions != 2 || st.Conversations != 2 {
		t.Fatalf("Stats() = %+v", st)
	}
	clk.advance(2 * time.Hour)
	if st := s.Stats(); st.ActiveSessions != 0 {
		t.Fatalf("Stats() after TTL = %+v", st)
	}
}

func TestStoreCapsConversationsPerLease(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, time.Hour)
	s.SetMaxConversations(2)
	if _, err := s.Open("g1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	first, err := s.CreateConversation(ctx, "g1", "a")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if _, err := s.CreateConversation(ctx, "g1", "b"); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	_, err = s.CreateConversation(ctx, "g1", "c")
	if !errors.Is(err, ErrConversationLimit) || !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("CreateConversation() error = %v, want ErrConversationLimit", err)
	}

	if err := s.DeleteConversation(ctx, "g1", first.ID); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if _, err := s.CreateConversation(ctx, "g1", "c"); err != nil {
		t.Fatalf("CreateConversation() after delete error = %v", err)
	}
}

func TestStoreRetitleComparesCurrentTitle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, time.Hour)
	if _, err := s.Open("g1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	c, err := s.CreateConversation(ctx, "g1", conversation.DefaultTitle)
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if _, err := s.RenameConversation(ctx, "g1", c.ID, "Mine"); err != nil {
		t.Fatalf("RenameConversation() error = %v", err)
	}

	got, renamed, err := s.RetitleConversation(ctx, "g1", c.ID, conversation.DefaultTitle, "Generated")
	if err != nil {
		t.Fatalf("RetitleConversation() error = %v", err)
	}
	if renamed || got.Title != "Mine" {
		t.Fatalf("RetitleConversation() = %+v, %v; want title kept", got, renamed)
	}

	got, renamed, err = s.RetitleConversation(ctx, "g1", c.ID, "Mine", "Generated")
	if err != nil || !renamed || got.Title != "Generated" {
		t.Fatalf("RetitleConversation() = %+v, %v, %v", got, renamed, err)
	}

	if _, _, err := s.RetitleConversation(ctx, "g1", "missing", "Mine", "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("RetitleConversation(missing) error = %v, want ErrNotFound", err)
	}
}
