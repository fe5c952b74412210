package channels

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of per-chat limiters kept in memory.
	maxTrackedKeys = 4096

	// limiterIdle is how long an unused limiter is kept before pruning.
	limiterIdle = 10 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// OutboundLimiter is a per-chat token bucket for outbound platform calls.
// Platforms throttle bots per chat (Telegram: ~1 msg/s per chat), so every
// send and edit waits for a token on its chat key. Safe for concurrent use.
type OutboundLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

// NewOutboundLimiter creates a limiter allowing perSecond calls per chat with
// the given burst. perSecond <= 0 disables limiting.
func NewOutboundLimiter(perSecond float64, burst int) *OutboundLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &OutboundLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   limit,
		burst:   burst,
	}
}

// Wait blocks until key may make a call or ctx is done.
func (r *OutboundLimiter) Wait(ctx context.Context, key string) error {
	return r.get(key).Wait(ctx)
}

// Allow reports whether key may make a call now, consuming a token if so.
func (r *OutboundLimiter) Allow(key string) bool {
	return r.get(key).Allow()
}

// Len reports how many chat keys are tracked.
func (r *OutboundLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *OutboundLimiter) get(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if e, ok := r.entries[key]; ok {
		e.lastUsed = now
		return e.lim
	}

	// Prune idle entries when approaching the cap
	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.lastUsed) >= limiterIdle {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	lim := rate.NewLimiter(r.limit, r.burst)
	r.entries[key] = &limiterEntry{lim: lim, lastUsed: now}
	return lim
}
