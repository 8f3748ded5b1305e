package app

import (
	"sync"
	"time"
)

// CooldownConfig tunes one escalating cooldown tracker. Two instances
// guard invite attempts: one keyed per (ip, subject) and one per ip
// with a higher retry ceiling, so broad credential stuffing from one
// source trips before a single user's honest mistakes do.
type CooldownConfig struct {
	Window     time.Duration
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

type cooldownState struct {
	failures    int
	windowStart time.Time
	lockouts    int
	until       time.Time
}

// CooldownTracker counts failures within a rolling window and locks
// the key out for Base × 2^(lockouts-1), capped at Max, doubling with
// each successive lockout. A success clears the key entirely.
type CooldownTracker struct {
	mu     sync.Mutex
	states map[string]*cooldownState
	cfg    CooldownConfig
	now    func() time.Time
}

func NewCooldownTracker(cfg CooldownConfig) *CooldownTracker {
	return &CooldownTracker{
		states: make(map[string]*cooldownState),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Remaining reports the active lockout for key, zero if none.
func (t *CooldownTracker) Remaining(key string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[key]
	if !ok {
		return 0
	}
	if rem := s.until.Sub(t.now()); rem > 0 {
		return rem
	}
	return 0
}

// Fail records a failed attempt. Returns the lockout duration when
// this failure triggers one, zero otherwise.
func (t *CooldownTracker) Fail(key string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	s, ok := t.states[key]
	if !ok {
		s = &cooldownState{windowStart: now}
		t.states[key] = s
	}
	if now.Sub(s.windowStart) > t.cfg.Window {
		s.windowStart = now
		s.failures = 0
	}
	s.failures++
	if s.failures < t.cfg.MaxRetries {
		return 0
	}

	s.lockouts++
	cooldown := t.cfg.Base
	for i := 1; i < s.lockouts; i++ {
		cooldown *= 2
		if cooldown >= t.cfg.Max {
			cooldown = t.cfg.Max
			break
		}
	}
	if cooldown > t.cfg.Max {
		cooldown = t.cfg.Max
	}
	s.until = now.Add(cooldown)
	s.failures = 0
	s.windowStart = now
	return cooldown
}

// Success clears all state for key, including the lockout escalation
// counter.
func (t *CooldownTracker) Success(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, key)
}
