package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiterPool tracks one token bucket per client IP. Stale entries are
// swept every 5 minutes.
type ipLimiterPool struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rps      rate.Limit
	burst    int
}

func newIPLimiterPool(rps float64, burst int) *ipLimiterPool {
	p := &ipLimiterPool{
		limiters: make(map[string]*ipLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go func() {
		for {
			time.Sleep(5 * time.Minute)
			p.mu.Lock()
			for ip, l := range p.limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(p.limiters, ip)
				}
			}
			p.mu.Unlock()
		}
	}()
	return p
}

func (p *ipLimiterPool) allow(ip string) bool {
	p.mu.Lock()
	l, ok := p.limiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(p.rps, p.burst)}
		p.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	p.mu.Unlock()
	return l.limiter.Allow()
}

// RateLimiter returns a Gin middleware that enforces per-IP token-bucket
// rate limiting across all requests it wraps.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	pool := newIPLimiterPool(float64(rps), burst)
	return func(c *gin.Context) {
		if !pool.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// failedAuthLimiter throttles IPs that keep failing token authentication.
// Successful requests never consume from it.
type failedAuthLimiter struct {
	pool *ipLimiterPool
}

// newFailedAuthLimiter allows rps failures per second with the given
// burst before an IP starts seeing 429s on bad credentials.
func newFailedAuthLimiter(rps float64, burst int) *failedAuthLimiter {
	return &failedAuthLimiter{pool: newIPLimiterPool(rps, burst)}
}

// fail records one failure for the IP and reports whether the caller is
// now over the limit.
func (f *failedAuthLimiter) fail(ip string) (limited bool) {
	return !f.pool.allow(ip)
}
