package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize bounds request bodies. Payment submissions are small;
// anything bigger is abuse or a client bug.
const MaxRequestSize = 1 << 20 // 1MB

func requestSizeMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "request body exceeds the size limit",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// rateLimiter is a per-client token bucket. Every POST endpoint can end
// in an on-chain transaction, so the API surface is throttled even
// though the pipelines behind it pace themselves.
type rateLimiter struct {
	perMinute float64
	burst     float64

	mu      sync.Mutex
	clients map[string]*bucket
	stop    chan struct{}
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

func newRateLimiter(perMinute, burst int) *rateLimiter {
	l := &rateLimiter{
		perMinute: float64(perMinute),
		burst:     float64(burst),
		clients:   make(map[string]*bucket),
		stop:      make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// allow refills the client's bucket for the elapsed time and takes one
// token if available.
func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastSeen: now}
		l.clients[key] = b
	}

	elapsed := now.Sub(b.lastSeen).Minutes()
	b.tokens += elapsed * l.perMinute
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *rateLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			cutoff := now.Add(-2 * time.Minute)
			l.mu.Lock()
			for key, b := range l.clients {
				if b.lastSeen.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *rateLimiter) Stop() {
	close(l.stop)
}

func (l *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP(), time.Now()) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}
