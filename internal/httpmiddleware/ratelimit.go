package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	sweepEvery = time.Minute
	staleAfter = 5 * time.Minute
)

// Limiter throttles the stateless HTTP surface per client IP. Sync traffic
// does not pass through here: a websocket session is upgraded once and then
// leaves HTTP entirely, so the upgrade path is registered as exempt.
type Limiter struct {
	perSecond float64
	burst     float64
	exempt    map[string]struct{}
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewLimiter allows perMinute requests per IP with a burst of the same
// size. Requests to exemptPaths are never limited.
func NewLimiter(perMinute int, exemptPaths ...string) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	l := &Limiter{
		perSecond: float64(perMinute) / 60,
		burst:     float64(perMinute),
		exempt:    make(map[string]struct{}, len(exemptPaths)),
		now:       time.Now,
		buckets:   make(map[string]*bucket),
	}
	for _, p := range exemptPaths {
		l.exempt[p] = struct{}{}
	}
	return l
}

// Middleware returns a gin handler enforcing the per-IP limit.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := l.exempt[c.FullPath()]; ok {
			c.Next()
			return
		}
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *Limiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{tokens: l.burst}
		l.buckets[ip] = b
	} else {
		b.tokens += now.Sub(b.seen).Seconds() * l.perSecond
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets for IPs not seen recently; classrooms rotate devices
// and the map would otherwise only ever grow.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.swept) < sweepEvery {
		return
	}
	l.swept = now
	for ip, b := range l.buckets {
		if now.Sub(b.seen) > staleAfter {
			delete(l.buckets, ip)
		}
	}
}
