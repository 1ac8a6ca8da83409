package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/conversation"
	"github.com/ent0n29/stoicguide/internal/generation"
	"github.com/ent0n29/stoicguide/internal/identity"
	"github.com/ent0n29/stoicguide/internal/logging"
	"github.com/ent0n29/stoicguide/internal/observability"
)

const (
	DefaultTopK         = 3
	DefaultTitleTimeout = 10 * time.Second
)

// Exchange is the outcome of one send. AssistantMessage is nil when
// generation failed after the user message was stored.
type Exchange struct {
	UserMessage      conversation.Message  `json:"user_message"`
	AssistantMessage *conversation.Message `json:"assistant_message,omitempty"`
}

type Options struct {
	TopK            int
	Window          Window
	TitleGeneration bool
	TitleTimeout    time.Duration
	Metrics         *observability.Metrics
	Logger          *slog.Logger
}

// Service runs the send-message flow: store the user turn, ask the
// generation service, store the answer.
type Service struct {
	conversations *conversation.Service
	gateway       generation.Client
	assembler     *Assembler
	window        Window
	topK          int
	titles        bool
	titleTimeout  time.Duration
	metrics       *observability.Metrics
	logger        *slog.Logger

	locks      *keyedMutex
	background sync.WaitGroup
}

func NewService(conversations *conversation.Service, gateway generation.Client, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.TitleTimeout <= 0 {
		opts.TitleTimeout = DefaultTitleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Service{
		conversations: conversations,
		gateway:       gateway,
		assembler:     NewAssembler(conversations),
		window:        opts.Window,
		topK:          opts.TopK,
		titles:        opts.TitleGeneration,
		titleTimeout:  opts.TitleTimeout,
		metrics:       opts.Metrics,
		logger:        opts.Logger.With("component", "chat"),
		locks:         newKeyedMutex(),
	}
}

// SendMessage validates content, checks ownership, stores the user message,
// builds the context window from the stored history, calls the generation
// service and stores the answer. Sends to the same conversation run one at
// a time so pairs never interleave.
//
// On a generation failure the returned Exchange still carries the stored
// user message alongside the error.
func (s *Service) SendMessage(ctx context.Context, id identity.Identity, conversationID, content string) (Exchange, error) {
	return s.send(ctx, id, conversationID, content, nil)
}

// SendMessageStream is SendMessage that also reports the stored user
// message as soon as it exists, before generation starts.
func (s *Service) SendMessageStream(ctx context.Context, id identity.Identity, conversationID, content string, onUser func(conversation.Message)) (Exchange, error) {
	return s.send(ctx, id, conversationID, content, onUser)
}

func (s *Service) send(ctx context.Context, id identity.Identity, conversationID, content string, onUser func(conversation.Message)) (Exchange, error) {
	start := time.Now()
	if strings.TrimSpace(content) == "" {
		return Exchange{}, fmt.Errorf("%w: message content is empty", apperr.ErrValidation)
	}

	conv, err := s.conversations.GetConversation(ctx, id, conversationID)
	if err != nil {
		return Exchange{}, err
	}
	// Key on the stored id: "1" and "01" name the same durable row.
	unlock := s.locks.Lock(string(id.Kind) + "|" + id.Owner() + "|" + conv.ID)
	defer unlock()
	if conv, err = s.conversations.GetConversation(ctx, id, conv.ID); err != nil {
		return Exchange{}, err
	}

	userMsg, err := s.conversations.AppendMessage(ctx, id, conv.ID, conversation.NewMessage{
		Role:    conversation.RoleUser,
		Content: content,
	})
	if err != nil {
		return Exchange{}, err
	}
	out := Exchange{UserMessage: userMsg}
	s.metrics.ObserveStage(observability.StageUserPersisted, time.Since(start))
	if onUser != nil {
		onUser(userMsg)
	}

	history, err := s.conversations.ListMessages(ctx, id, conv.ID)
	if err != nil {
		return out, err
	}

	genStart := time.Now()
	res, err := s.gateway.Generate(ctx, generation.Request{
		Query:               content,
		ConversationContext: s.window.Build(history),
		TopK:                s.topK,
	})
	took := time.Since(genStart)
	s.metrics.ObserveGeneration("generate", outcome(err), took)
	s.metrics.ObserveStage(observability.StageGeneration, took)
	if err != nil {
		s.metrics.ObserveIndicator("send_failed_" + apperr.Kind(err))
		s.logger.WarnContext(ctx, "generation failed", "conversation_id", conv.ID, "kind", apperr.Kind(err), "error", err)
		return out, err
	}

	// The answer is paid for; keep it even if the caller has gone away.
	assistant, err := s.assembler.Assemble(context.WithoutCancel(ctx), id, conv.ID, res)
	if err != nil {
		return out, err
	}
	out.AssistantMessage = &assistant
	s.metrics.ObserveStage(observability.StageSendTotal, time.Since(start))

	if s.titles && conv.Title == conversation.DefaultTitle && countUserTurns(history) == 1 {
		s.scheduleTitle(ctx, id, conv.ID, content, res.Answer)
	}
	return out, nil
}

// Wait blocks until background title generation has finished.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) scheduleTitle(ctx context.Context, id identity.Identity, conversationID, userMessage, answer string) {
	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(ctx, s.titleTimeout)
		defer cancel()
		if err := s.retitle(ctx, id, conversationID, userMessage, answer); err != nil {
			s.logger.InfoContext(ctx, "title generation skipped", "conversation_id", conversationID, "error", err)
		}
	}()
}

func (s *Service) retitle(ctx context.Context, id identity.Identity, conversationID, userMessage, answer string) error {
	start := time.Now()
	title, err := s.gateway.GenerateTitle(ctx, userMessage, answer)
	s.metrics.ObserveGeneration("title", outcome(err), time.Since(start))
	s.metrics.ObserveStage(observability.StageTitle, time.Since(start))
	if err != nil {
		return err
	}

	_, err = s.conversations.ApplyGeneratedTitle(ctx, id, conversationID, title)
	return err
}

func countUserTurns(msgs []conversation.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == conversation.RoleUser {
			n++
		}
	}
	return n
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.Kind(err)
}
