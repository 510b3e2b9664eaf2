package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/astracat2022/edged/internal/config"
)

func TestHysteresisHealthyToSuspectToDeadAndBack(t *testing.T) {
	c := NewChecker(config.ProbeSpec{Kind: "tcp", HealthyThreshold: 2, UnhealthyThreshold: 2, Timeout: time.Second}, nil)

	c.record("t1", false)
	if c.StatusOf("t1") != StatusSuspect {
		t.Fatalf("expected suspect after first failure, got %v", c.StatusOf("t1"))
	}
	c.record("t1", false)
	if c.StatusOf("t1") != StatusDead {
		t.Fatalf("expected dead after unhealthy_threshold failures, got %v", c.StatusOf("t1"))
	}
	c.record("t1", true)
	if c.StatusOf("t1") != StatusDead {
		t.Fatalf("expected still dead after single success, got %v", c.StatusOf("t1"))
	}
	c.record("t1", true)
	if c.StatusOf("t1") != StatusHealthy {
		t.Fatalf("expected healthy after healthy_threshold successes, got %v", c.StatusOf("t1"))
	}
}

func TestSubscribeReceivesTransitionEvents(t *testing.T) {
	c := NewChecker(config.ProbeSpec{Kind: "tcp", HealthyThreshold: 1, UnhealthyThreshold: 1}, nil)
	ch := c.Subscribe()
	c.record("t2", false)
	select {
	case ev := <-ch:
		if ev.To != StatusDead {
			t.Fatalf("expected transition to dead, got %v", ev.To)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event, got none")
	}
}

func TestHTTPProbeHonorsExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().(*net.TCPAddr)
	c := NewChecker(config.ProbeSpec{Kind: "http", Path: "/", ExpectedStatus: []int{http.StatusTeapot}, Timeout: time.Second}, nil)
	ok := c.probe(context.Background(), addr.String())
	if !ok {
		t.Fatalf("expected probe to succeed on matching expected status")
	}
}
