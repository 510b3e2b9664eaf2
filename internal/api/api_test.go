package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/astracat2022/edged/internal/health"
	"github.com/astracat2022/edged/internal/store"
)

// fakeBackends is a minimal BackendController double so api's handlers
// can be exercised without building a full orchestrator.Orchestrator.
type fakeBackends struct {
	names     []string
	healthy   map[string]health.Status
	draining  bool
	listeners bool
	started   []string
	stopped   []string
}

func (f *fakeBackends) BackendNames() []string { return f.names }

func (f *fakeBackends) BackendHealth(name string) (health.Status, bool) {
	st, ok := f.healthy[name]
	return st, ok
}

func (f *fakeBackends) StartBackend(name string) error {
	f.started = append(f.started, name)
	return nil
}

func (f *fakeBackends) StopBackend(name string) error {
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeBackends) RestartBackend(name string) error {
	if err := f.StopBackend(name); err != nil {
		return err
	}
	return f.StartBackend(name)
}
func (f *fakeBackends) Draining() bool       { return f.draining }
func (f *fakeBackends) ListenersReady() bool { return f.listeners }

func newTestServer() (*Server, *fakeBackends) {
	fb := &fakeBackends{
		names:     []string{"app"},
		healthy:   map[string]health.Status{"app": 0},
		listeners: true,
	}
	s := New(fb, nil, nil, store.NewMemoryStore(4), nil, true)
	return s, fb
}

func TestHealthReportsDrainState(t *testing.T) {
	s, fb := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when not draining, got %d", rec.Code)
	}

	fb.draining = true
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", rec.Code)
	}
}

func TestReadyRequiresListeners(t *testing.T) {
	s, fb := newTestServer()
	fb.listeners = false

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before listeners are bound, got %d", rec.Code)
	}

	fb.listeners = true
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once listeners are ready, got %d", rec.Code)
	}
}

func TestBackendActionsDelegateToController(t *testing.T) {
	s, fb := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/backends/app/restart", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(fb.stopped) != 1 || fb.stopped[0] != "app" {
		t.Fatalf("expected restart to stop the backend, got %v", fb.stopped)
	}
	if len(fb.started) != 1 || fb.started[0] != "app" {
		t.Fatalf("expected restart to start the backend, got %v", fb.started)
	}
}

func TestBackendHealthUnknownBackendReturns404(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/backends/missing/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown backend, got %d", rec.Code)
	}
}

func TestClusterStatusStandaloneReturnsEmpty(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cluster/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected a JSON body")
	}
}

func TestSessionLifecycle(t *testing.T) {
	sessions := store.NewMemoryStore(4)
	s := New(&fakeBackends{listeners: true}, nil, nil, sessions, nil, true)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing sessions, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/missing", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting an absent session, got %d", rec.Code)
	}
}
