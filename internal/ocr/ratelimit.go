package ocr

import (
	"context"
	"sync"
	"time"
)

// Limiter is a single cooldown gate shared by all in-flight work against one
// provider instance. It is not a token bucket: one 429 pauses everything until
// the vendor's window passes, which under-utilizes capacity right after
// recovery but avoids hammering a throttled endpoint.
type Limiter struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

// NewLimiter returns an idle limiter.
func NewLimiter() *Limiter {
	return &Limiter{now: time.Now}
}

// Limit arms the gate for d. An already-armed longer window wins.
func (l *Limiter) Limit(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.until) {
		l.until = until
	}
}

// Limited reports whether the gate is armed and the remaining wait.
func (l *Limiter) Limited() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.until.Sub(l.now())
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// Wait blocks until the cooldown window has passed or ctx is done. It returns
// immediately when the gate is idle.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		limited, remaining := l.Limited()
		if !limited {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// Re-check: another goroutine may have extended the window.
		}
	}
}
