package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/parlorchat/parlor/internal/domain"
)

// Rule tunes the scored limiter for one action class.
type Rule struct {
	// Limit is the raw call ceiling within Window.
	Limit  int
	Window time.Duration

	// Each call adds ScorePerAction; the score sheds one point per
	// ScoreDecay of elapsed time. Crossing MaxScore triggers a ban.
	ScorePerAction float64
	MaxScore       float64
	ScoreDecay     time.Duration

	// Ban is the lockout applied on breach. Zero means banned until
	// the current window resets.
	Ban time.Duration
}

type rateBucket struct {
	score       float64
	count       int
	windowStart time.Time
	lastDecay   time.Time
	bannedUntil time.Time
}

// RateLimiter is the scored limiter protecting high-frequency
// actions. Keys are (action, identity-or-ip); state is process-local
// and reset on restart.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*rateBucket),
		now:     time.Now,
	}
}

// Check scores one call against the rule. A nil return means the call
// is allowed; otherwise the error carries a retry hint.
func (rl *RateLimiter) Check(action, identity, ip string, rule Rule) error {
	key := identity
	if key == "" {
		key = ip
	}
	key = action + "|" + key

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &rateBucket{windowStart: now, lastDecay: now}
		rl.buckets[key] = b
	}

	if now.Before(b.bannedUntil) {
		return domain.NewRetryableError(domain.CodeRateLimited,
			fmt.Sprintf("too many %s requests", action), b.bannedUntil.Sub(now))
	}

	if now.Sub(b.windowStart) > rule.Window {
		b.windowStart = now
		b.count = 0
	}

	if rule.ScoreDecay > 0 {
		elapsed := now.Sub(b.lastDecay)
		b.score -= float64(elapsed) / float64(rule.ScoreDecay)
		if b.score < 0 {
			b.score = 0
		}
	}
	b.lastDecay = now

	b.score += rule.ScorePerAction
	b.count++

	if b.score > rule.MaxScore || b.count > rule.Limit {
		if rule.Ban > 0 {
			b.bannedUntil = now.Add(rule.Ban)
		} else {
			b.bannedUntil = b.windowStart.Add(rule.Window)
		}
		return domain.NewRetryableError(domain.CodeRateLimited,
			fmt.Sprintf("too many %s requests", action), b.bannedUntil.Sub(now))
	}
	return nil
}
