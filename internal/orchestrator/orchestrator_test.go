package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astracat2022/edged/internal/config"
	"github.com/astracat2022/edged/internal/logging"
	"github.com/astracat2022/edged/internal/metrics"
)

func newTestConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	return &config.Config{
		Limits: config.LimitsConfig{ConnLimit: 0, WSConnLimit: 0},
		Servers: []config.Server{
			{
				ID:       "static-site",
				Hostname: "static.example.com",
				Root:     root,
				Index:    []string{"index.html"},
			},
			{
				ID:       "redirect-site",
				Hostname: "old.example.com",
				Backend: &config.Backend{
					Kind:           config.BackendRedirect,
					RedirectTarget: "https://new.example.com",
					RedirectCode:   http.StatusMovedPermanently,
				},
			},
		},
	}
}

func buildTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	log := logging.New("console", "stdout")
	orc, err := Build(newTestConfig(t, root), log, metrics.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	return orc
}

func TestServeHTTPDispatchesStaticBackend(t *testing.T) {
	orc := buildTestOrchestrator(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "static.example.com"
	rec := httptest.NewRecorder()

	orc.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("expected index.html contents, got %q", rec.Body.String())
	}
}

func TestServeHTTPRedirectsBackend(t *testing.T) {
	orc := buildTestOrchestrator(t)
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "old.example.com"
	rec := httptest.NewRecorder()

	orc.ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://new.example.com" {
		t.Fatalf("expected redirect target, got %q", got)
	}
}

func TestServeHTTPUnknownHostReturns404(t *testing.T) {
	orc := buildTestOrchestrator(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "nowhere.example.com"
	rec := httptest.NewRecorder()

	orc.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unmatched host, got %d", rec.Code)
	}
}

func TestShutdownDrainsInFlightRequests(t *testing.T) {
	orc := buildTestOrchestrator(t)

	started := make(chan struct{})
	finished := make(chan struct{})
	orc.inFlight.Add(1)
	go func() {
		close(started)
		time.Sleep(30 * time.Millisecond)
		orc.inFlight.Done()
		close(finished)
	}()
	<-started

	if err := orc.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatalf("expected in-flight request to have finished before Shutdown returned")
	}
	if !orc.Draining() {
		t.Fatalf("expected orchestrator to report draining after Shutdown")
	}
}

func TestBackendControllerMethodsOnUnknownBackend(t *testing.T) {
	orc := buildTestOrchestrator(t)

	if _, ok := orc.BackendHealth("missing"); ok {
		t.Fatalf("expected ok=false for unknown backend health lookup")
	}
	if err := orc.StartBackend("missing"); err == nil {
		t.Fatalf("expected error starting an unknown backend")
	}
	if err := orc.StopBackend("missing"); err == nil {
		t.Fatalf("expected error stopping an unknown backend")
	}
}

func TestListenersReadyReflectsMarkListenersReady(t *testing.T) {
	orc := buildTestOrchestrator(t)
	if orc.ListenersReady() {
		t.Fatalf("expected ListenersReady false before MarkListenersReady")
	}
	orc.MarkListenersReady(true)
	if !orc.ListenersReady() {
		t.Fatalf("expected ListenersReady true after MarkListenersReady")
	}
}
