// Package middleware implements the fixed-order chain from spec §4.C:
// security headers out-setter → request validation → URL rewrite →
// rate limit → cache lookup → compression selection → dispatch →
// response headers out-setter → response compression → access log
// emit (access log emission itself lives in the orchestrator, which
// wraps the whole chain). There is no auth-check stage. Compression
// runs after the header overrides, so the Content-Encoding, Vary and
// Content-Length headers it sets are not overridable.
//
// Middlewares are a closed set of concrete types composed by Chain, not
// a plugin interface — per spec §9 design note, dynamic dispatch on a
// middleware object would cost a virtual call per stage for no benefit
// since the order never varies.
package middleware

import (
	"errors"
	"net/http"

	"github.com/astracat2022/edged/internal/config"
	"github.com/astracat2022/edged/internal/edgederr"
)

// Dispatcher invokes the resolved backend (static, proxy, or process)
// once the chain has validated/rewritten/rate-limited the request. It
// is supplied by the orchestrator, which owns component selection.
type Dispatcher func(w http.ResponseWriter, r *http.Request, vh *config.Server) error

type Chain struct {
	Rewriter    *Rewriter
	RateLimiter *RateLimiter
	Cache       *Cache
	Compressor  *Compressor
	Headers     *HeaderPolicy
	Validator   *Validator
}

// Serve runs the fixed chain for one request against one resolved
// virtual host and dispatches via next. It returns the final status
// written, for the orchestrator's access-log entry.
func (c *Chain) Serve(w http.ResponseWriter, r *http.Request, vh *config.Server, next Dispatcher) (status int, ruleName string, rateLimited bool, cacheHit bool) {
	c.Headers.ApplyRequestDefaults(w, vh)

	if verdict := c.Validator.Validate(r); verdict != 0 {
		w.WriteHeader(verdict)
		return verdict, "", false, false
	}

	rewritten, outcome := c.Rewriter.Apply(r, vh)
	switch outcome.Action {
	case RewriteActionForbidden:
		w.WriteHeader(http.StatusForbidden)
		return http.StatusForbidden, outcome.RuleName, false, false
	case RewriteActionGone:
		w.WriteHeader(http.StatusGone)
		return http.StatusGone, outcome.RuleName, false, false
	case RewriteActionRedirect:
		w.Header().Set("Location", rewritten)
		w.WriteHeader(outcome.RedirectCode)
		return outcome.RedirectCode, outcome.RuleName, false, false
	}
	if outcome.Action == RewriteActionProxy {
		r.URL.Path = rewritten
	}

	key := c.RateLimiter.Key(r)
	if !c.RateLimiter.Allow(key) {
		reset := c.RateLimiter.ResetHint(key)
		w.Header().Set("Retry-After", reset)
		w.Header().Set("X-RateLimit-Reset", reset)
		w.WriteHeader(http.StatusTooManyRequests)
		return http.StatusTooManyRequests, outcome.RuleName, true, false
	}

	if entry, ok := c.Cache.Lookup(r); ok {
		c.Cache.WriteHit(w, entry)
		return entry.Status, outcome.RuleName, false, true
	}

	rec := c.Compressor.Wrap(w, r)
	err := next(rec, r, vh)
	if err != nil && !rec.wroteHead {
		errStatus := http.StatusBadGateway
		var ee *edgederr.Error
		if errors.As(err, &ee) && ee.Status != 0 {
			errStatus = ee.Status
		}
		rec.WriteHeader(errStatus)
	}
	c.Headers.ApplyResponseOverrides(w, vh)
	rec.Flush()
	c.Cache.MaybeStore(r, rec)

	return rec.StatusOrDefault(), outcome.RuleName, false, false
}
