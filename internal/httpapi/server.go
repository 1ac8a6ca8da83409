package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/stoicguide/internal/chat"
	"github.com/ent0n29/stoicguide/internal/config"
	"github.com/ent0n29/stoicguide/internal/conversation"
	"github.com/ent0n29/stoicguide/internal/generation"
	"github.com/ent0n29/stoicguide/internal/identity"
	"github.com/ent0n29/stoicguide/internal/logging"
	"github.com/ent0n29/stoicguide/internal/observability"
	"github.com/ent0n29/stoicguide/internal/ratelimit"
	"github.com/ent0n29/stoicguide/internal/session"
)

// Pinger reports whether durable storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	Accounts      *identity.Accounts
	Tokens        *identity.Tokens
	Resolver      *identity.Resolver
	Conversations *conversation.Service
	Chat          *chat.Service
	Guests        *session.Store
	Generation    generation.Client
	Durable       Pinger
	Limiter       *ratelimit.Limiter
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

type Server struct {
	cfg           config.Config
	accounts      *identity.Accounts
	tokens        *identity.Tokens
	resolver      *identity.Resolver
	conversations *conversation.Service
	chat          *chat.Service
	guests        *session.Store
	generation    generation.Client
	durable       Pinger
	limiter       *ratelimit.Limiter
	metrics       *observability.Metrics
	logger        *slog.Logger
	validate      *validator.Validate
	upgrader      websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.New()
	}
	return &Server{
		cfg:           cfg,
		accounts:      deps.Accounts,
		tokens:        deps.Tokens,
		resolver:      deps.Resolver,
		conversations: deps.Conversations,
		chat:          deps.Chat,
		guests:        deps.Guests,
		generation:    deps.Generation,
		durable:       deps.Durable,
		limiter:       limiter,
		metrics:       deps.Metrics,
		logger:        logger.With("component", "httpapi"),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/auth", func(r chi.Router) {
		r.With(s.rateLimit("register", s.cfg.RegisterRateLimit)).Post("/register", s.handleRegister)
		r.With(s.rateLimit("login", s.cfg.LoginRateLimit)).Post("/login", s.handleLogin)
		r.With(s.requireIdentity).Get("/me", s.handleMe)
	})
	r.With(s.rateLimit("guest_session", s.cfg.GuestSessionRateLimit)).
		Post("/v1/guest/session", s.handleCreateGuestSession)

	r.Route("/v1/conversations", func(r chi.Router) {
		authed := r.With(s.requireIdentity)
		authed.Get("/", s.handleListConversations)
		authed.Get("/{id}", s.handleGetConversation)
		authed.Get("/{id}/messages", s.handleListMessages)
		authed.Get("/{id}/ws", s.handleConversationWS)
		// Budgets are charged before identity resolution, so
		// unauthenticated floods are throttled too.
		writes := r.With(s.rateLimit("conversation", s.cfg.ConversationRateLimit), s.requireIdentity)
		writes.Post("/", s.handleCreateConversation)
		writes.Patch("/{id}", s.handleRenameConversation)
		writes.Delete("/{id}", s.handleDeleteConversation)
		r.With(s.rateLimit("message", s.cfg.MessageRateLimit), s.requireIdentity).
			Post("/{id}/messages", s.handleSendMessage)
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/ingest", s.handleIngest)
		r.Post("/cleanup", s.handleCleanup)
		r.Get("/stats", s.handleStats)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"active_guest_leases": s.guestCount(),
	})
}

// handleReady fails only on durable storage. A down generation service
// degrades sends but conversations stay readable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{"status": "ready", "durable_store": "ok", "generation": "ok"}
	if s.durable != nil {
		if err := s.durable.Ping(ctx); err != nil {
			s.logger.WarnContext(ctx, "durable store ping failed", "error", err)
			status = http.StatusServiceUnavailable
			body["status"] = "not_ready"
			body["durable_store"] = "unavailable"
		}
	}
	if s.generation != nil {
		if err := s.generation.Health(ctx); err != nil {
			body["generation"] = "unavailable"
		}
	}
	respondJSON(w, status, body)
}

func (s *Server) guestCount() int {
	if s.guests == nil {
		return 0
	}
	return s.guests.Len()
}

const maxBodyBytes = 1 << 20

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
