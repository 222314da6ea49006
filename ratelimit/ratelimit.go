// Package ratelimit throttles callers per actor id. Limiters live in an LRU
// bounded by size and idle TTL so memory stays flat regardless of how many
// distinct actors show up.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

type Config struct {
	RequestsPerSecond float64
	Burst             int
	MaxActors         int
	IdleTTL           time.Duration
}

// Keyed is safe for concurrent use.
type Keyed struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	limiters *expirable.LRU[string, *rate.Limiter]
}

func New(cfg Config) *Keyed {
	if cfg.MaxActors <= 0 {
		cfg.MaxActors = 10000
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Keyed{
		cfg:      cfg,
		now:      time.Now,
		limiters: expirable.NewLRU[string, *rate.Limiter](cfg.MaxActors, nil, cfg.IdleTTL),
	}
}

// WithClock replaces the clock used for token refill. Idle eviction always
// follows the wall clock.
func (k *Keyed) WithClock(now func() time.Time) *Keyed {
	k.now = now
	return k
}

// Allow reports whether key may proceed now, consuming a token if so.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	lim, ok := k.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(k.cfg.RequestsPerSecond), k.cfg.Burst)
	}
	// Add on a live key pushes its expiry out, which makes the TTL an idle timeout.
	k.limiters.Add(key, lim)
	k.mu.Unlock()
	return lim.AllowN(k.now(), 1)
}

// Len is the number of tracked actors.
func (k *Keyed) Len() int {
	return k.limiters.Len()
}
