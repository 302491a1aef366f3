package ratelimit

import (
	"sync"
	"time"
)

// DefaultCooldownSeconds is applied when Trigger is called without a
// usable duration. Spotify tends to recover well within this window.
const DefaultCooldownSeconds = 10

// Limiter is the process-wide circuit breaker armed whenever Spotify
// answers 429. While armed, callers must not hit the API at all and
// should surface the remaining cooldown instead.
type Limiter struct {
	mu           sync.Mutex
	limitedUntil time.Time

	now func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{now: time.Now}
}

func (l *Limiter) IsLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.limitedUntil)
}

// RemainingMs returns how long callers should keep backing off, in
// milliseconds. Zero once the window has elapsed.
func (l *Limiter) RemainingMs() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.limitedUntil.Sub(l.now())
	if remaining < 0 {
		return 0
	}
	return remaining.Milliseconds()
}

// Trigger arms the breaker for the given number of seconds and returns
// the cooldown in milliseconds. Zero or negative falls back to
// DefaultCooldownSeconds. A second Trigger inside the window overwrites
// the deadline rather than extending it.
func (l *Limiter) Trigger(seconds int) int64 {
	if seconds <= 0 {
		seconds = DefaultCooldownSeconds
	}
	ms := int64(seconds) * 1000

	l.mu.Lock()
	defer l.mu.Unlock()
	l.limitedUntil = l.now().Add(time.Duration(ms) * time.Millisecond)
	return ms
}

func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limitedUntil = time.Time{}
}
