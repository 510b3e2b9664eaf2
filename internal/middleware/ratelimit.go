package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/astracat2022/edged/internal/config"
	"github.com/astracat2022/edged/internal/logging"
)

type bucketEntry struct {
	limiter *rate.Limiter
	touched int64 // unix nanos, updated on every Allow()
}

// RateLimiter is a token-bucket limiter keyed per client IP, sharded
// across a lock-free map so no global mutex sits on the request path
// (spec §5). Buckets are lazily created and reaped by Sweep. Like
// limits.RateLimiter it keeps one bucket per client IP, but it uses
// golang.org/x/time/rate buckets in an xsync map instead of
// hand-rolled buckets in a mutex-guarded map.
type RateLimiter struct {
	buckets *xsync.Map[string, *bucketEntry]
	rps     float64
	burst   float64
	idle    time.Duration
}

func NewRateLimiter(cfg config.LimitsConfig) *RateLimiter {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rps
	}
	return &RateLimiter{
		buckets: xsync.NewMap[string, *bucketEntry](),
		rps:     rps,
		burst:   burst,
		idle:    10 * time.Minute,
	}
}

// Key derives the rate-limit dimension from the client's normalized IP.
// Per-route or per-header dimensions are layered in by prefixing the
// vhost ID in the orchestrator before calling Allow, if ever needed;
// today's granularity is per-client-IP-per-process as spec §4.C's
// "rate limit" stage describes.
func (rl *RateLimiter) Key(r *http.Request) string {
	return logging.ClientIP(r.RemoteAddr)
}

func (rl *RateLimiter) Allow(key string) bool {
	entry, _ := rl.buckets.LoadOrCompute(key, func() (*bucketEntry, bool) {
		return &bucketEntry{limiter: rate.NewLimiter(rate.Limit(rl.rps), int(rl.burst))}, false
	})
	entry.touched = time.Now().UnixNano()
	return entry.limiter.Allow()
}

// ResetHint returns the Retry-After / X-RateLimit-Reset value in
// seconds until the bucket would admit one more token.
func (rl *RateLimiter) ResetHint(key string) string {
	entry, ok := rl.buckets.Load(key)
	if !ok {
		return "1"
	}
	res := entry.limiter.Reserve()
	d := res.Delay()
	res.Cancel()
	secs := int(d.Seconds()) + 1
	return strconv.Itoa(secs)
}

// Sweep drops buckets untouched for longer than the idle window,
// called periodically from the store package's TTL sweeper so the map
// doesn't grow unbounded under a churning client population.
func (rl *RateLimiter) Sweep() {
	cutoff := time.Now().Add(-rl.idle).UnixNano()
	rl.buckets.Range(func(key string, entry *bucketEntry) bool {
		if entry.touched < cutoff {
			rl.buckets.Delete(key)
		}
		return true
	})
}
