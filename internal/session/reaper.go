package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/stoicguide/internal/logging"
)

const DefaultReapInterval = time.Hour

// Reaper periodically purges expired guest sessions from a Store. Access
// paths purge lazily on their own; the reaper releases memory for sessions
// nobody touches again.
type Reaper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
	onReap   func(removed int, took time.Duration)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewReaper(store *Store, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reaper{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "session.reaper"),
	}
}

// OnReap registers a callback run after each sweep. Must be set before Start.
func (r *Reaper) OnReap(fn func(removed int, took time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReap = fn
}

// Start runs one sweep immediately and then one per interval until ctx is
// done or Stop is called. Starting a running reaper is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	go r.loop(loopCtx, r.done)
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
}

func (r *Reaper) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// RunOnce purges everything expired as of now.
func (r *Reaper) RunOnce(now time.Time) int {
	start := time.Now()
	removed := r.store.PurgeExpired(now)
	took := time.Since(start)

	r.mu.Lock()
	hook := r.onReap
	r.mu.Unlock()
	if hook != nil {
		hook(removed, took)
	}
	return removed
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.DebugContext(ctx, "reaper stopping")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	removed := r.RunOnce(r.store.now())
	if removed > 0 {
		r.logger.InfoContext(ctx, "reaped expired guest sessions", "removed", removed)
	}
	r.logger.DebugContext(ctx, "guest session stats", "leases", r.store.Len())
}
