package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/astracat2022/edged/internal/config"
	"github.com/astracat2022/edged/internal/edgederr"
	"github.com/astracat2022/edged/internal/health"
)

var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Transfer-Encoding",
	"TE", "Trailer", "Upgrade", "Proxy-Authenticate", "Proxy-Authorization",
}

// retryableUpstreamStatus is the whitelist of 5xx codes spec §4.E
// permits retrying (a request-side failure, not an application error):
// the upstream never meaningfully processed the request.
var retryableUpstreamStatus = map[int]bool{
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// idempotentRetryMethods are the only methods spec §4.E allows a retry
// for; a POST (or other non-idempotent method) gets exactly one attempt.
var idempotentRetryMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodTrace:   true,
}

// Engine is the full reverse-proxy component (E): it resolves a target
// from the configured strategy, checks out a pooled connection, proxies
// through httputil.ReverseProxy the way the teacher's reverse.go does,
// and retries against the next target with backoff+jitter on transient
// failure, tripping a per-target circuit breaker per spec §5.
type Engine struct {
	targets  []*Target
	strategy Strategy
	pool     *Pool
	breakers *BreakerSet
	retry    config.RetryPolicy
}

func NewEngine(backend *config.Backend) *Engine {
	return &Engine{
		targets:  TargetsFromSpec(backend.Targets),
		strategy: NewStrategy(backend.Strategy),
		pool:     NewPool(backend.Pool),
		breakers: NewBreakerSet(5, 30*time.Second),
		retry:    backend.RetryPolicy,
	}
}

func clientKeyFor(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// stripHopByHop removes hop-by-hop headers before forwarding. For a
// WebSocket upgrade it leaves Connection/Upgrade untouched: ReverseProxy
// pins the upstream connection by detecting exactly those two headers on
// the outbound request, so stripping them would turn the upgrade into a
// plain GET.
func stripHopByHop(h http.Header, preserveUpgrade bool) {
	for _, name := range hopByHopHeaders {
		if preserveUpgrade && (name == "Connection" || name == "Upgrade") {
			continue
		}
		h.Del(name)
	}
}

func addForwardingHeaders(r *http.Request, targetHost string) {
	clientIP := clientKeyFor(r)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		r.Header.Set("X-Forwarded-For", clientIP)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	r.Header.Set("X-Forwarded-Proto", proto)
	r.Header.Set("X-Forwarded-Host", r.Host)
	r.Header.Set("Forwarded", "for="+clientIP+"; proto="+proto+"; host="+r.Host)
	r.Host = targetHost
}

// ServeHTTP dispatches a request, retrying against alternate targets on
// transient failure up to RetryPolicy.MaxRetries, skipping any target
// whose breaker is open. Retries are gated on the request method being
// idempotent (spec §4.E) and never happen once any response byte has
// been forwarded to the client — each non-upgrade attempt buffers the
// upstream response and only commits it to w once no further retry will
// be attempted, so a retried attempt never double-writes to the client.
// WebSocket upgrade requests are pinned to the first dialed target for
// the connection's lifetime once hijacked (no mid-stream retarget), per
// the origin's websocket.rs pinning contract.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	if len(e.targets) == 0 {
		return edgederr.New(edgederr.KindTransientNetwork, http.StatusServiceUnavailable, "no upstream targets configured", nil)
	}

	maxAttempts := e.retry.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if !idempotentRetryMethods[r.Method] {
		maxAttempts = 1
	}
	clientKey := clientKeyFor(r)
	tried := map[string]bool{}

	var lastErr error
	sawEligible := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		target := e.pickUntried(clientKey, tried)
		if target == nil {
			break
		}
		sawEligible = true
		tried[target.Address] = true

		breaker := e.breakers.For(target.Address)
		if !breaker.Allow() {
			continue
		}

		if attempt > 0 {
			delay := backoffDelay(e.retry, attempt)
			select {
			case <-r.Context().Done():
				return r.Context().Err()
			case <-time.After(delay):
			}
		}

		target.begin()
		start := time.Now()
		status, buf, upgraded, err := e.attempt(w, r, target)
		target.end(time.Since(start).Microseconds())

		if err != nil || status >= http.StatusInternalServerError {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}

		if upgraded {
			// The real ResponseWriter was already hijacked (or the
			// upgrade response already written); nothing further can
			// be retried regardless of the status involved.
			return nil
		}
		if err != nil {
			lastErr = err
			continue
		}

		retryableStatus := status >= http.StatusInternalServerError && retryableUpstreamStatus[status]
		isLastAttempt := attempt == maxAttempts-1
		if retryableStatus && !isLastAttempt {
			lastErr = fmt.Errorf("upstream responded %d", status)
			continue
		}

		// Either a success, a non-whitelisted status, or the final
		// attempt: commit what the upstream actually sent.
		buf.commitTo(w)
		return nil
	}

	if !sawEligible {
		return edgederr.New(edgederr.KindTransientNetwork, http.StatusServiceUnavailable, "no eligible upstream targets", nil)
	}
	if lastErr == nil {
		lastErr = errors.New("all upstream targets exhausted")
	}
	return edgederr.New(edgederr.KindTransientNetwork, http.StatusBadGateway, "upstream unavailable", lastErr)
}

// pickUntried narrows to targets not yet tried this request and eligible
// per component F's health status, then asks the configured strategy to
// choose among them.
func (e *Engine) pickUntried(clientKey string, tried map[string]bool) *Target {
	remaining := make([]*Target, 0, len(e.targets))
	for _, t := range e.targets {
		if !tried[t.Address] {
			remaining = append(remaining, t)
		}
	}
	return e.strategy.Pick(eligibleTargets(remaining), clientKey)
}

// WatchHealth subscribes this engine's targets to a health checker's
// status events (component F → E, spec §4.F), so pickUntried's
// eligibility filter reflects live probe results instead of assuming
// every target is always Healthy. Call once after the checker is built;
// the subscription goroutine exits when ctx is done.
func (e *Engine) WatchHealth(ctx context.Context, checker *health.Checker) {
	if checker == nil {
		return
	}
	for _, t := range e.targets {
		t.setStatus(checker.StatusOf(t.Address))
	}
	events := checker.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				for _, t := range e.targets {
					if t.Address == ev.Target {
						t.setStatus(ev.To)
					}
				}
			}
		}
	}()
}

// attempt proxies one request to target. For a non-upgrade request it
// buffers the upstream response and returns it uncommitted, leaving the
// retry-or-commit decision to ServeHTTP (testable property 5: no second
// upstream write after any response byte reaches the client). A
// WebSocket upgrade bypasses buffering entirely — the real
// ResponseWriter's Hijacker is required to splice the connection — and
// reports upgraded=true once the upstream has answered, since by then
// the response is on the wire; a transport error before any answer is
// returned as err with upgraded=false, and ServeHTTP moves on to the
// next target.
func (e *Engine) attempt(w http.ResponseWriter, r *http.Request, target *Target) (status int, buf *bufferedResponse, upgraded bool, err error) {
	ctx := r.Context()
	release, err := e.pool.Checkout(ctx, target.Address)
	if err != nil {
		return 0, nil, false, err
	}
	defer release()

	targetURL := target.Address
	if !strings.Contains(targetURL, "://") {
		targetURL = "http://" + targetURL
	}
	u, parseErr := url.Parse(targetURL)
	if parseErr != nil {
		return 0, nil, false, parseErr
	}

	upgrade := isWebSocketUpgrade(r)

	outReq := r.Clone(ctx)
	outReq.URL.Scheme = u.Scheme
	outReq.URL.Host = u.Host
	stripHopByHop(outReq.Header, upgrade)
	addForwardingHeaders(outReq, u.Host)

	errCh := make(chan error, 1)
	rp := &httputil.ReverseProxy{
		Transport: e.pool.Transport(),
		Director:  func(req *http.Request) {},
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, e error) {
			errCh <- e
		},
	}

	if upgrade {
		rec := &statusCapture{ResponseWriter: w}
		rp.ServeHTTP(rec, outReq)
		select {
		case e := <-errCh:
			return 0, nil, false, e
		default:
		}
		return rec.status, nil, true, nil
	}

	out := newBufferedResponse()
	rp.ServeHTTP(out, outReq)

	select {
	case e := <-errCh:
		return 0, nil, false, e
	default:
	}
	return out.status, out, false, nil
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (s *statusCapture) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// bufferedResponse holds an upstream response in memory until it is
// known not to be retried, at which point commitTo flushes it to the
// real client-facing ResponseWriter exactly once.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) { b.status = code }

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) commitTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(b.body.Bytes())
}

func backoffDelay(rp config.RetryPolicy, attempt int) time.Duration {
	base := rp.BaseDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	max := rp.MaxDelay
	if max <= 0 {
		max = 2 * time.Second
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}
