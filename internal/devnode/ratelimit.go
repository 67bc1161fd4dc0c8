package devnode

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdle is how long a bucket may go unused before it is dropped.
const limiterIdle = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterKeys names the buckets a request draws from. Every request spends
// from its client IP's bucket; paid commits also spend from the credit
// source's bucket, so neither hopping names nor hopping addresses escapes
// the limit.
func limiterKeys(c *gin.Context) []string {
	keys := []string{"ip:" + c.ClientIP()}
	if name := c.Param("name"); name != "" && c.Request.Method == http.MethodPost {
		keys = append(keys, "ec:"+name)
	}
	return keys
}

// RateLimiter returns a Gin middleware enforcing token buckets per key (see
// limiterKeys). A request passes only if every one of its buckets has a
// token; otherwise nothing is spent and it gets 429 with a Retry-After
// derived from the slowest bucket's refill time. Idle buckets are swept
// until ctx is done.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*bucket)

	go func() {
		ticker := time.NewTicker(limiterIdle / 2)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				mu.Lock()
				for k, b := range buckets {
					if now.Sub(b.lastSeen) > limiterIdle {
						delete(buckets, k)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	// admit spends one token from every bucket in keys, or none of them. It
	// returns how long the caller should wait when refused.
	admit := func(keys []string, now time.Time) (bool, time.Duration) {
		mu.Lock()
		defer mu.Unlock()

		held := make([]*rate.Reservation, 0, len(keys))
		var wait time.Duration
		ok := true
		for _, k := range keys {
			b, found := buckets[k]
			if !found {
				b = &bucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				buckets[k] = b
			}
			b.lastSeen = now

			res := b.limiter.ReserveN(now, 1)
			held = append(held, res)
			if !res.OK() {
				ok = false
				continue
			}
			if d := res.DelayFrom(now); d > 0 {
				ok = false
				wait = max(wait, d)
			}
		}
		if !ok {
			for _, res := range held {
				res.CancelAt(now)
			}
		}
		return ok, wait
	}

	return func(c *gin.Context) {
		ok, wait := admit(limiterKeys(c), time.Now())
		if ok {
			c.Next()
			return
		}
		retry := int(math.Max(1, math.Ceil(wait.Seconds())))
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}
