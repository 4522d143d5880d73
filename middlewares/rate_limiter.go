package middlewares

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/receipt-engine/utils"
	"golang.org/x/time/rate"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per client IP.
type RateLimiter struct {
	rate    rate.Limit
	burst   int
	idle    time.Duration
	clients map[string]*client
	mu      sync.Mutex
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		idle:    10 * time.Minute,
		clients: make(map[string]*client),
	}
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cl, ok := rl.clients[ip]
	if !ok {
		for key, other := range rl.clients {
			if now.Sub(other.lastSeen) > rl.idle {
				delete(rl.clients, key)
			}
		}
		cl = &client{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiter(c.ClientIP()).Allow() {
			utils.RespondJSON(c, http.StatusTooManyRequests, "Too many requests, please wait before trying again", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}
