package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdle is how long a key may stay unused before its bucket is freed.
const limiterIdle = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// Limiters hands out one token bucket per key. Buckets unused for
// limiterIdle are dropped during a later Allow.
type Limiters struct {
	r         rate.Limit
	b         int
	m         sync.Map
	lastSweep atomic.Int64
	now       func() time.Time
}

// NewLimiters allows r events per second per key with burst b.
func NewLimiters(r rate.Limit, b int) *Limiters {
	l := &Limiters{r: r, b: b, now: time.Now}
	l.lastSweep.Store(l.now().UnixNano())
	return l
}

// Allow consumes one token of key's bucket.
func (l *Limiters) Allow(key string) bool {
	now := l.now().UnixNano()
	l.maybeSweep(now)
	v, _ := l.m.LoadOrStore(key, &bucket{limiter: rate.NewLimiter(l.r, l.b)})
	bk := v.(*bucket)
	bk.lastSeen.Store(now)
	return bk.limiter.Allow()
}

// RetryAfter is the wait, in whole seconds, before one token refills.
func (l *Limiters) RetryAfter() int {
	if l.r <= 0 || l.r == rate.Inf {
		return 1
	}
	return int(math.Max(1, math.Ceil(1/float64(l.r))))
}

func (l *Limiters) maybeSweep(now int64) {
	last := l.lastSweep.Load()
	if now-last < int64(limiterIdle/2) || !l.lastSweep.CompareAndSwap(last, now) {
		return
	}
	l.sweep(now - int64(limiterIdle))
}

func (l *Limiters) sweep(cutoff int64) {
	l.m.Range(func(k, v interface{}) bool {
		if v.(*bucket).lastSeen.Load() < cutoff {
			l.m.Delete(k)
		}
		return true
	})
}

// RateLimit limits each authenticated user, or each client IP before
// authentication, to r requests per second with burst b.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	limiters := NewLimiters(r, b)
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if uid := GetUserID(c); uid != 0 {
			key = "user:" + strconv.FormatInt(uid, 10)
		}
		if !limiters.Allow(key) {
			c.Header("Retry-After", strconv.Itoa(limiters.RetryAfter()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "code": "rate_limited"})
			return
		}
		c.Next()
	}
}
