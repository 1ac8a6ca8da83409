// Package app wires the service graph from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/stoicguide/internal/chat"
	"github.com/ent0n29/stoicguide/internal/config"
	"github.com/ent0n29/stoicguide/internal/conversation"
	"github.com/ent0n29/stoicguide/internal/generation"
	"github.com/ent0n29/stoicguide/internal/httpapi"
	"github.com/ent0n29/stoicguide/internal/identity"
	"github.com/ent0n29/stoicguide/internal/logging"
	"github.com/ent0n29/stoicguide/internal/memory"
	"github.com/ent0n29/stoicguide/internal/observability"
	"github.com/ent0n29/stoicguide/internal/ratelimit"
	"github.com/ent0n29/stoicguide/internal/reliability"
	"github.com/ent0n29/stoicguide/internal/session"
)

const (
	durableAttempts = 5
	limiterSweep    = time.Minute
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Guests     *session.Store
	Reaper     *session.Reaper
	Limiter    *ratelimit.Limiter
	Chat       *chat.Service
	Generation generation.Client
	Metrics    *observability.Metrics
	Backend    string

	// Cleanup releases the durable store and drops guest leases.
	Cleanup func() error
}

// Options overrides parts of the graph, mainly for tests.
type Options struct {
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Generation generation.Client
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	gateway := opts.Generation
	if gateway == nil {
		var err error
		gateway, err = generation.NewClient(generation.Config{
			Mode:    cfg.GenerationMode,
			BaseURL: cfg.GenerationURL,
			Timeout: cfg.GenerationTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("generation client init failed: %w", err)
		}
	}

	durable, err := openDurable(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}

	guests := session.NewStore(cfg.GuestSessionTTL)
	guests.SetMaxConversations(cfg.GuestMaxConversations)
	guests.SetPurgeHook(func(_ string, reason session.PurgeReason) {
		metrics.SessionEvents.WithLabelValues(string(reason)).Inc()
		metrics.GuestSessions.Set(float64(guests.Len()))
	})
	reaper := session.NewReaper(guests, cfg.ReaperInterval, logger)

	tokens := identity.NewTokens(cfg.JWTSecret, cfg.GuestSessionSecret, cfg.TokenTTL)
	conversations := conversation.NewService(durable, guests)
	chatSvc := chat.NewService(conversations, gateway, chat.Options{
		TopK:            cfg.GenerationTopK,
		Window:          chat.Window{Size: cfg.ContextWindowSize},
		TitleGeneration: cfg.TitleGenerationEnabled,
		Metrics:         metrics,
		Logger:          logger,
	})
	limiter := ratelimit.New()

	api := httpapi.New(cfg, httpapi.Deps{
		Accounts:      identity.NewAccounts(durable, tokens),
		Tokens:        tokens,
		Resolver:      identity.NewResolver(tokens, durable, logger),
		Conversations: conversations,
		Chat:          chatSvc,
		Guests:        guests,
		Generation:    gateway,
		Durable:       durable,
		Limiter:       limiter,
		Metrics:       metrics,
		Logger:        logger,
	})

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Guests:     guests,
		Reaper:     reaper,
		Limiter:    limiter,
		Chat:       chatSvc,
		Generation: gateway,
		Metrics:    metrics,
		Backend:    memory.Backend(cfg.DatabaseURL),
		Cleanup: func() error {
			chatSvc.Wait()
			_ = guests.Close()
			return durable.Close()
		},
	}, nil
}

// Start launches the background loops. They stop when ctx is done; call
// Reaper.Stop to wait for the reaper.
func (b *BuildResult) Start(ctx context.Context) {
	b.Reaper.Start(ctx)
	b.Limiter.StartJanitor(ctx, limiterSweep)
}

// openDurable retries the initial connection so the service can start
// alongside its database.
func openDurable(ctx context.Context, url string, logger *slog.Logger) (memory.Store, error) {
	var lastErr error
	for attempt := 0; attempt < durableAttempts; attempt++ {
		store, err := memory.NewStore(ctx, url)
		if err == nil {
			return store, nil
		}
		lastErr = err
		if attempt == durableAttempts-1 {
			break
		}
		wait := reliability.ExponentialBackoff(attempt, 500*time.Millisecond, 8*time.Second)
		logger.WarnContext(ctx, "durable store unavailable, retrying", "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("durable store init failed: %w", lastErr)
}
