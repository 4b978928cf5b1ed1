package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IPRateLimiter manages rate limiters per IP
type IPRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewIPRateLimiter creates a new IP-based rate limiter
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

// GetLimiter returns the rate limiter for an IP
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	limiter, exists := i.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(i.rate, i.burst)
		i.limiters[ip] = limiter
	}
	return limiter
}

// Per-surface limiters. Auth endpoints are the tightest; the gateway
// callback gets its own bucket so a payment return can never be starved by
// general traffic from the same address.
var (
	authLimiter     = NewIPRateLimiter(rate.Every(time.Minute/5), 5)
	checkoutLimiter = NewIPRateLimiter(rate.Every(time.Minute/10), 10)
	callbackLimiter = NewIPRateLimiter(rate.Every(time.Second), 10)
	generalLimiter  = NewIPRateLimiter(rate.Every(time.Second/30), 60)
)

func limit(l *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.GetLimiter(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests, slow down"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// AuthRateLimit limits login and registration attempts.
func AuthRateLimit() gin.HandlerFunc { return limit(authLimiter) }

// CheckoutRateLimit limits purchase starts.
func CheckoutRateLimit() gin.HandlerFunc { return limit(checkoutLimiter) }

// CallbackRateLimit limits the unauthenticated gateway return endpoint.
func CallbackRateLimit() gin.HandlerFunc { return limit(callbackLimiter) }

// GeneralRateLimit is the default API limit.
func GeneralRateLimit() gin.HandlerFunc { return limit(generalLimiter) }
