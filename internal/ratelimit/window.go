package ratelimit

import (
	"context"
	"sync"
	"time"
)

// senderWindow tracks one sender's current window.
type senderWindow struct {
	count       int
	windowStart time.Time
}

// WindowLimiter is an in-process fixed-window limiter. The entire
// check-and-increment runs under a single mutex so concurrent admission
// checks for the same sender never interleave.
type WindowLimiter struct {
	mu      sync.Mutex
	window  Window
	senders map[string]*senderWindow
	now     func() time.Time
}

// NewWindowLimiter creates an empty WindowLimiter with the given policy.
func NewWindowLimiter(window Window) *WindowLimiter {
	return &WindowLimiter{
		window:  window,
		senders: make(map[string]*senderWindow),
		now:     time.Now,
	}
}

// Admit checks whether senderID may send another message. On the first
// message, or once the window anchored at the sender's first message has
// elapsed, the window resets to count=1 and the message is admitted.
// Otherwise the counter advances; the message after the limit is blocked
// and the counter is not advanced further.
func (l *WindowLimiter) Admit(ctx context.Context, senderID string) (Result, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	sw, ok := l.senders[senderID]
	if !ok || now.Sub(sw.windowStart) > l.window.Length {
		l.senders[senderID] = &senderWindow{count: 1, windowStart: now}
		return Result{Remaining: l.window.Limit - 1}, nil
	}

	if sw.count >= l.window.Limit {
		return Result{Blocked: true, Remaining: 0}, nil
	}

	sw.count++
	return Result{Remaining: l.window.Limit - sw.count}, nil
}

// Prune drops windows that expired before now. Called periodically so the
// sender map does not grow without bound. Returns the number of windows
// removed.
func (l *WindowLimiter) Prune() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, sw := range l.senders {
		if now.Sub(sw.windowStart) > l.window.Length {
			delete(l.senders, id)
			removed++
		}
	}
	return removed
}
