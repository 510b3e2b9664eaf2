package middleware

import (
	"net/http"
	"time"

	"github.com/astracat2022/edged/internal/challenge"
	"github.com/astracat2022/edged/internal/config"
	"github.com/astracat2022/edged/internal/logging"
)

// Validator is the request-validation stage of the fixed chain: it
// rejects requests that violate configured size limits and requests
// from clients the risk tracker has scored past the block threshold.
// The risk tracker is adapted from the teacher's challenge.RiskTracker
// unchanged in algorithm; only its role moved from gating a bot
// interstitial to gating this stage directly, since the interstitial
// page itself (which needs to write a response body, not just a
// status) is served by the orchestrator before the chain runs.
type Validator struct {
	maxURLLength   int
	maxHeaderBytes int
	maxBodyBytes   int64
	risk           *challenge.RiskTracker
}

func NewValidator(cfg config.LimitsConfig) *Validator {
	statusWindow := time.Duration(cfg.RiskStatusWindow) * time.Second
	if statusWindow <= 0 {
		statusWindow = time.Minute
	}
	ttl := time.Duration(cfg.RiskTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	threshold := cfg.RiskThreshold
	if threshold <= 0 {
		threshold = 100
	}
	return &Validator{
		maxURLLength:   cfg.MaxURLLength,
		maxHeaderBytes: cfg.MaxHeaderBytes,
		maxBodyBytes:   cfg.MaxBodyBytes,
		risk:           challenge.NewRiskTracker(threshold, statusWindow, ttl),
	}
}

// Validate returns 0 to let the request proceed, or an HTTP status to
// short-circuit the chain with.
func (v *Validator) Validate(r *http.Request) int {
	if v.maxURLLength > 0 && len(r.URL.RequestURI()) > v.maxURLLength {
		return http.StatusRequestURITooLong
	}
	if v.maxHeaderBytes > 0 {
		size := 0
		for k, vs := range r.Header {
			size += len(k)
			for _, val := range vs {
				size += len(val)
			}
		}
		if size > v.maxHeaderBytes {
			return http.StatusRequestHeaderFieldsTooLarge
		}
	}
	if v.maxBodyBytes > 0 && r.ContentLength > v.maxBodyBytes {
		return http.StatusRequestEntityTooLarge
	}

	ip := logging.ClientIP(r.RemoteAddr)
	v.risk.UpdateRequest(ip, r)
	if !v.risk.Allowed(ip) {
		return http.StatusForbidden
	}
	return 0
}

// RiskAllowed reports whether ip is still under the risk threshold,
// for the orchestrator's challenge-interstitial gate, which runs before
// Validate would otherwise reject the request outright.
func (v *Validator) RiskAllowed(ip string) bool {
	return v.risk.Allowed(ip)
}

// ObserveStatus feeds the completed response status back into the risk
// tracker; the orchestrator calls this after Chain.Serve returns.
func (v *Validator) ObserveStatus(r *http.Request, status int) {
	v.risk.UpdateStatus(logging.ClientIP(r.RemoteAddr), status)
}

// Sweep expires stale risk entries, called from the store package's
// periodic TTL sweeper alongside RateLimiter.Sweep.
func (v *Validator) Sweep() {
	v.risk.Cleanup()
}
