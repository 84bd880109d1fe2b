package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter caps send_message frames per client. rpm <= 0 disables
// limiting entirely.
type RateLimiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rpm:     rpm,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *RateLimiter) Enabled() bool { return l.rpm > 0 }

// Allow reports whether the client may send another message now.
func (l *RateLimiter) Allow(clientID string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[clientID]
	if !ok {
		b = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.rpm)), l.burst)
		l.buckets[clientID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Forget drops a disconnected client's bucket.
func (l *RateLimiter) Forget(clientID string) {
	l.mu.Lock()
	delete(l.buckets, clientID)
	l.mu.Unlock()
}
