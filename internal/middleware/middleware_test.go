package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/astracat2022/edged/internal/config"
)

func TestRewriterRedirect(t *testing.T) {
	rw := NewRewriter()
	vh := &config.Server{Rewrites: []config.RewriteRule{
		{Pattern: `^/old(.*)$`, Replacement: "/new$1", Flags: []config.RewriteFlag{config.FlagRedirect}, RedirectCode: http.StatusMovedPermanently},
	}}
	r := httptest.NewRequest(http.MethodGet, "/old/path", nil)
	path, outcome := rw.Apply(r, vh)
	if outcome.Action != RewriteActionRedirect || outcome.RedirectCode != http.StatusMovedPermanently {
		t.Fatalf("expected redirect outcome, got %+v", outcome)
	}
	if path != "/new/path" {
		t.Fatalf("expected rewritten path /new/path, got %s", path)
	}
}

func TestRewriterForbidden(t *testing.T) {
	rw := NewRewriter()
	vh := &config.Server{Rewrites: []config.RewriteRule{
		{Pattern: `^/secret`, Flags: []config.RewriteFlag{config.FlagForbidden}},
	}}
	r := httptest.NewRequest(http.MethodGet, "/secret/file", nil)
	_, outcome := rw.Apply(r, vh)
	if outcome.Action != RewriteActionForbidden {
		t.Fatalf("expected forbidden outcome, got %+v", outcome)
	}
}

func TestRewriterCondition(t *testing.T) {
	rw := NewRewriter()
	vh := &config.Server{Rewrites: []config.RewriteRule{
		{
			Pattern: `^/api(.*)$`, Replacement: "/v2$1",
			Flags:      []config.RewriteFlag{config.FlagLast},
			Conditions: []config.RewriteCondition{{Header: "X-Api-Version", Pattern: "^2$"}},
		},
	}}
	r := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	path, outcome := rw.Apply(r, vh)
	if outcome.Action != RewriteActionNone || path != "/api/users" {
		t.Fatalf("expected no-op without matching header, got path=%s outcome=%+v", path, outcome)
	}

	r.Header.Set("X-Api-Version", "2")
	path, outcome = rw.Apply(r, vh)
	if path != "/v2/users" {
		t.Fatalf("expected rewritten path with matching condition, got %s", path)
	}
}

func TestRateLimiterAllowsThenBlocks(t *testing.T) {
	rl := NewRateLimiter(config.LimitsConfig{RPS: 1, Burst: 1})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	key := rl.Key(r)
	if !rl.Allow(key) {
		t.Fatalf("expected first request to be allowed")
	}
	if rl.Allow(key) {
		t.Fatalf("expected second immediate request to be blocked")
	}
	if hint := rl.ResetHint(key); hint == "" {
		t.Fatalf("expected non-empty reset hint")
	}
}

func TestRateLimiterSweepDropsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(config.LimitsConfig{RPS: 5, Burst: 5})
	rl.idle = time.Millisecond
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.2:1234"
	key := rl.Key(r)
	rl.Allow(key)
	time.Sleep(5 * time.Millisecond)
	rl.Sweep()
	if _, ok := rl.buckets.Load(key); ok {
		t.Fatalf("expected idle bucket to be swept")
	}
}

func TestNegotiatePrefersZstdOverBrotliOverGzip(t *testing.T) {
	if got := negotiate("gzip, br, zstd"); got != "zstd" {
		t.Fatalf("expected zstd, got %s", got)
	}
	if got := negotiate("gzip;q=1.0, br;q=0.1"); got != "gzip" {
		t.Fatalf("expected higher q-value gzip to win over low q-value br, got %s", got)
	}
	if got := negotiate(""); got != "" {
		t.Fatalf("expected empty negotiation for missing header, got %s", got)
	}
}

func TestCacheLookupMissThenHitAfterStore(t *testing.T) {
	c := NewCache(time.Minute)
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	if _, ok := c.Lookup(r); ok {
		t.Fatalf("expected cache miss before store")
	}

	rec := &responseRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK, wroteHead: true}
	rec.body.WriteString("hello")
	c.MaybeStore(r, rec)
	time.Sleep(10 * time.Millisecond)

	if _, ok := c.Lookup(r); !ok {
		t.Fatalf("expected cache hit after store")
	}
}

func TestValidatorRejectsOversizedURL(t *testing.T) {
	v := NewValidator(config.LimitsConfig{MaxURLLength: 10})
	r := httptest.NewRequest(http.MethodGet, "/this/is/a/long/path", nil)
	if status := v.Validate(r); status != http.StatusRequestURITooLong {
		t.Fatalf("expected 414, got %d", status)
	}
}

func TestValidatorPassesNormalRequest(t *testing.T) {
	v := NewValidator(config.LimitsConfig{})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.3:1234"
	r.Header.Set("User-Agent", "test")
	r.Header.Set("Accept", "*/*")
	r.Header.Set("Accept-Language", "en")
	if status := v.Validate(r); status != 0 {
		t.Fatalf("expected pass, got %d", status)
	}
}
