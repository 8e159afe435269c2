package notify

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle caps how many messages with the same key are sent per window.
// Each key gets its own token bucket holding limit tokens, refilled evenly
// over the window. Loop-mode commands failing every run would otherwise
// flood the chat.
type Throttle struct {
	mu       sync.Mutex
	limit    int
	every    rate.Limit
	now      func() time.Time
	limiters map[string]*rate.Limiter
}

// NewThrottle allows limit messages per key within window. A non-positive
// limit disables throttling.
func NewThrottle(limit int, window time.Duration) *Throttle {
	t := &Throttle{
		limit:    limit,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	if limit > 0 && window > 0 {
		t.every = rate.Every(window / time.Duration(limit))
	}
	return t
}

// Allow takes one send for key and reports whether the bucket had room.
func (t *Throttle) Allow(key string) bool {
	if t == nil || t.limit <= 0 || t.every == 0 {
		return true
	}
	key = strings.TrimSpace(key)

	t.mu.Lock()
	limiter, ok := t.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(t.every, t.limit)
		t.limiters[key] = limiter
	}
	t.mu.Unlock()
	return limiter.AllowN(t.now(), 1)
}
