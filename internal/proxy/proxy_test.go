package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/astracat2022/edged/internal/config"
	"github.com/astracat2022/edged/internal/edgederr"
	"github.com/astracat2022/edged/internal/health"
)

func TestRoundRobinCyclesTargets(t *testing.T) {
	targets := []*Target{{Address: "a"}, {Address: "b"}, {Address: "c"}}
	s := NewStrategy("round_robin")
	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		picked := s.Pick(targets, "")
		seen[picked.Address]++
	}
	for _, tg := range targets {
		if seen[tg.Address] != 2 {
			t.Fatalf("expected even distribution, got %v", seen)
		}
	}
}

func TestLeastConnPrefersFreeTarget(t *testing.T) {
	busy := &Target{Address: "busy"}
	idle := &Target{Address: "idle"}
	busy.begin()
	busy.begin()

	s := NewStrategy("least_conn")
	picked := s.Pick([]*Target{busy, idle}, "")
	if picked.Address != "idle" {
		t.Fatalf("expected idle target, got %s", picked.Address)
	}
}

func TestIPHashStableForSameKey(t *testing.T) {
	targets := []*Target{{Address: "a"}, {Address: "b"}, {Address: "c"}}
	s := NewStrategy("ip_hash")
	first := s.Pick(targets, "10.0.0.5")
	for i := 0; i < 10; i++ {
		again := s.Pick(targets, "10.0.0.5")
		if again.Address != first.Address {
			t.Fatalf("expected stable pick for same key, got %s then %s", first.Address, again.Address)
		}
	}
}

func TestWeightedStrategyFavorsHigherWeight(t *testing.T) {
	heavy := &Target{Address: "heavy", Weight: 3}
	light := &Target{Address: "light", Weight: 1}
	s := NewStrategy("weighted")
	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		picked := s.Pick([]*Target{heavy, light}, "")
		counts[picked.Address]++
	}
	if counts["heavy"] <= counts["light"] {
		t.Fatalf("expected heavier-weighted target picked more often, got %v", counts)
	}
}

func TestBreakerOpensAfterThresholdAndHalfOpensAfterTimeout(t *testing.T) {
	b := NewBreaker(2, 10*time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected closed breaker to allow")
	}
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected breaker to open after threshold failures")
	}
	if b.Allow() {
		t.Fatalf("expected open breaker to reject immediately")
	}
	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected half-open probe to be allowed after timeout")
	}
	b.RecordSuccess()
	if b.State() != Closed {
		t.Fatalf("expected breaker to close after successful probe")
	}
}

func TestEngineErrorsWithNoTargets(t *testing.T) {
	e := NewEngine(&config.Backend{Kind: config.BackendProxy})
	err := e.ServeHTTP(nil, nil)
	if err == nil {
		t.Fatalf("expected error when no targets configured")
	}
}

func targetAddr(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Host
}

// TestServeHTTPRetriesOnWhitelisted5xxWithoutDoubleWrite exercises
// testable property 5: a retryable 5xx from the first target must never
// reach the client, and the eventual response must be exactly the
// second target's, written exactly once.
func TestServeHTTPRetriesOnWhitelisted5xxWithoutDoubleWrite(t *testing.T) {
	var badHits, goodHits int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&badHits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bad-response"))
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&goodHits, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("good-response"))
	}))
	defer good.Close()

	e := NewEngine(&config.Backend{
		Kind:     config.BackendProxy,
		Strategy: "round_robin",
		Targets: []config.UpstreamTargetSpec{
			{Address: targetAddr(t, bad), Weight: 1},
			{Address: targetAddr(t, good), Weight: 1},
		},
		RetryPolicy: config.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	if err := e.ServeHTTP(rec, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from the retried target, got %d", rec.Code)
	}
	if rec.Body.String() != "good-response" {
		t.Fatalf("expected only the second target's body, got %q", rec.Body.String())
	}
	if atomic.LoadInt32(&badHits) != 1 || atomic.LoadInt32(&goodHits) != 1 {
		t.Fatalf("expected exactly one hit per target, got bad=%d good=%d", badHits, goodHits)
	}
}

// TestServeHTTPDoesNotRetryNonIdempotentMethod covers spec §4.E's retry
// gate: a POST that hits an otherwise-retryable 5xx still gets exactly
// one attempt, and that attempt's response is forwarded as-is rather
// than replaced with a generic failure.
func TestServeHTTPDoesNotRetryNonIdempotentMethod(t *testing.T) {
	var hits int32
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("second target must not be contacted for a non-idempotent retry")
	}))
	defer second.Close()

	e := NewEngine(&config.Backend{
		Kind:     config.BackendProxy,
		Strategy: "round_robin",
		Targets: []config.UpstreamTargetSpec{
			{Address: targetAddr(t, first), Weight: 1},
			{Address: targetAddr(t, second), Weight: 1},
		},
		RetryPolicy: config.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	if err := e.ServeHTTP(rec, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected the upstream's own 503 forwarded as-is, got %d", rec.Code)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one attempt for a non-idempotent method, got %d", hits)
	}
}

func TestEligibleTargetsAppliesHealthyOrSuspectFallback(t *testing.T) {
	healthy := &Target{Address: "a"}
	suspect := &Target{Address: "b"}
	dead := &Target{Address: "c"}
	suspect.setStatus(health.StatusSuspect)
	dead.setStatus(health.StatusDead)

	got := eligibleTargets([]*Target{healthy, suspect, dead})
	if len(got) != 1 || got[0] != healthy {
		t.Fatalf("expected only the healthy target when one exists, got %v", got)
	}

	healthy.setStatus(health.StatusDead)
	got = eligibleTargets([]*Target{healthy, suspect, dead})
	if len(got) != 1 || got[0] != suspect {
		t.Fatalf("expected suspect fallback when no healthy target exists, got %v", got)
	}

	suspect.setStatus(health.StatusDead)
	got = eligibleTargets([]*Target{healthy, suspect, dead})
	if len(got) != 0 {
		t.Fatalf("expected no eligible targets when all are dead, got %v", got)
	}
}

// TestServeHTTPReturnsServiceUnavailableWhenSoleTargetDead covers the
// boundary behavior from spec §3: a single-target backend whose only
// target is Dead must fail fast with 503, and must never dial it.
func TestServeHTTPReturnsServiceUnavailableWhenSoleTargetDead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("a dead target must never be dialed")
	}))
	defer srv.Close()

	e := NewEngine(&config.Backend{
		Kind:     config.BackendProxy,
		Strategy: "round_robin",
		Targets:  []config.UpstreamTargetSpec{{Address: targetAddr(t, srv), Weight: 1}},
	})
	e.targets[0].setStatus(health.StatusDead)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	err := e.ServeHTTP(rec, req)
	if err == nil {
		t.Fatalf("expected an error when the sole target is dead")
	}
	edgeErr, ok := err.(*edgederr.Error)
	if !ok || edgeErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected a 503 edgederr, got %v", err)
	}
}

// TestWatchHealthAppliesCheckerEvents confirms component F's status
// events actually reach the engine's target selection (spec §4.F
// "consumed by E"), not just StatusOf's initial snapshot: probing an
// unreachable target must eventually flip it to Dead and WatchHealth
// must observe that transition.
func TestWatchHealthAppliesCheckerEvents(t *testing.T) {
	addr := "127.0.0.1:1" // reserved port, connection refused immediately
	checker := health.NewChecker(config.ProbeSpec{
		Kind:               "tcp",
		Interval:           5 * time.Millisecond,
		Timeout:            50 * time.Millisecond,
		UnhealthyThreshold: 1,
	}, nil)
	e := NewEngine(&config.Backend{
		Kind:     config.BackendProxy,
		Strategy: "round_robin",
		Targets:  []config.UpstreamTargetSpec{{Address: addr, Weight: 1}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.WatchHealth(ctx, checker)
	go checker.Run(ctx, []string{addr})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.targets[0].Status() == health.StatusDead {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected WatchHealth to observe the target transition to dead")
}
