// Package ratelimit implements a per-key sliding-window request throttle.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Policy is the accepted-request budget for one route class.
type Policy struct {
	Max    int
	Window time.Duration
}

// Limiter counts accepted requests per key over a trailing window.
// State is process-local and is lost on restart.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	maxWindow time.Duration
	now       func() time.Time
}

type bucket struct {
	mu   sync.Mutex
	hits []time.Time // accepted timestamps, oldest first
	dead bool        // removed by Sweep; callers must refetch
}

func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Key composes the bucket key for a route class and client.
func Key(class, clientKey string) string {
	return class + "|" + clientKey
}

// Allow records a request for key and reports whether it fits the budget.
// Rejected requests are not recorded.
func (l *Limiter) Allow(key string, max int, window time.Duration) bool {
	if max <= 0 || window <= 0 {
		return false
	}
	for {
		b := l.bucket(key, window)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		now := l.now()
		b.evict(now.Add(-window))
		if len(b.hits) >= max {
			b.mu.Unlock()
			return false
		}
		b.hits = append(b.hits, now)
		b.mu.Unlock()
		return true
	}
}

// AllowPolicy is Allow keyed by (class, clientKey).
func (l *Limiter) AllowPolicy(class, clientKey string, p Policy) bool {
	return l.Allow(Key(class, clientKey), p.Max, p.Window)
}

// RetryAfter reports how long until the oldest hit for key leaves the window.
func (l *Limiter) RetryAfter(key string, window time.Duration) time.Duration {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.hits) == 0 {
		return 0
	}
	wait := b.hits[0].Add(window).Sub(l.now())
	if wait < 0 {
		return 0
	}
	return wait
}

// Sweep drops buckets with no hit inside the largest window seen so far.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.maxWindow)
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		b.evict(cutoff)
		empty := len(b.hits) == 0
		if empty {
			b.dead = true
		}
		b.mu.Unlock()
		if empty {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

func (l *Limiter) bucket(key string, window time.Duration) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if window > l.maxWindow {
		l.maxWindow = window
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

func (b *bucket) evict(cutoff time.Time) {
	i := 0
	for i < len(b.hits) && !b.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.hits = append(b.hits[:0], b.hits[i:]...)
	}
}
