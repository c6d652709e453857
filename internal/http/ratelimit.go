package http

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	limiterWindow       = time.Minute
	limiterStaleAfter   = 10 * time.Minute
	limiterCleanupEvery = 5 * time.Minute
)

// rateLimiter is a fixed one-minute window per client IP. It only guards
// write endpoints; reads and the view stream are not limited.
type rateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientWindow
	perMin   int
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type clientWindow struct {
	started  time.Time
	lastSeen time.Time
	requests int
}

func newRateLimiter(perMinute int) *rateLimiter {
	rl := &rateLimiter{
		clients: make(map[string]*clientWindow),
		perMin:  perMinute,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	c, ok := rl.clients[clientIP]
	if !ok || now.Sub(c.started) >= limiterWindow {
		rl.clients[clientIP] = &clientWindow{started: now, lastSeen: now, requests: 1}
		return true
	}
	c.requests++
	c.lastSeen = now
	return c.requests <= rl.perMin
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-limiterStaleAfter)
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

func (rl *rateLimiter) activeClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *rateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// limit wraps a write handler. Rejections answer 429 with Retry-After.
func (rl *rateLimiter) limit(metrics *securityMetrics, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(extractClientIP(r)) {
			atomic.AddInt64(&metrics.rateLimitHits, 1)
			w.Header().Set("Retry-After", "60")
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded, try again later", nil)
			return
		}
		next(w, r)
	}
}
