// Package api implements the management surface from spec §6: health
// and readiness probes, metrics exposition, and the /api/v1 control
// endpoints for backends, virtual hosts, sessions, and cluster
// operations. It is served on its own listener, separate from the
// public HTTP(S) traffic the orchestrator handles — the teacher's
// admin mux (internal/server.go's adminMux, /healthz+/metrics+/reload)
// generalized from three endpoints to the full surface spec §6 names,
// and moved onto go-chi/chi/v5's router since the endpoint set is now
// large enough that chi's method+pattern routing earns its keep over a
// hand-rolled switch.
package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/astracat2022/edged/internal/cluster/raft"
	"github.com/astracat2022/edged/internal/cluster/swim"
	"github.com/astracat2022/edged/internal/health"
	"github.com/astracat2022/edged/internal/metrics"
	"github.com/astracat2022/edged/internal/store"
)

// BackendController is the subset of orchestrator.Orchestrator the API
// needs to act on named backends, kept narrow so api doesn't import
// orchestrator (which would create an import cycle once orchestrator
// starts the API server).
type BackendController interface {
	BackendNames() []string
	BackendHealth(name string) (health.Status, bool)
	StartBackend(name string) error
	StopBackend(name string) error
	RestartBackend(name string) error
	Draining() bool
	ListenersReady() bool
}

// Server serves the management API described by spec §6.
type Server struct {
	router *chi.Mux

	backends BackendController
	members  *swim.Memberlist
	raftNode *raft.Raft
	sessions *store.MemoryStore
	reg      *metrics.Registry

	standalone bool
}

func New(backends BackendController, members *swim.Memberlist, raftNode *raft.Raft, sessions *store.MemoryStore, reg *metrics.Registry, standalone bool) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		backends:   backends,
		members:    members,
		raftNode:   raftNode,
		sessions:   sessions,
		reg:        reg,
		standalone: standalone,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	r := s.router
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.reg != nil {
		r.Method(http.MethodGet, "/metrics", s.reg.Handler())
	}

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Get("/status", s.handleStatus)
		v1.Get("/cluster/status", s.handleClusterStatus)
		v1.Post("/cluster/join", s.handleClusterJoin)
		v1.Post("/cluster/leave", s.handleClusterLeave)
		v1.Post("/cluster/election", s.handleClusterElection)
		v1.Post("/cluster/rebalance", s.handleClusterRebalance)

		v1.Get("/backends", s.handleListBackends)
		v1.Get("/backends/{name}/health", s.handleBackendHealth)
		v1.Post("/backends/{name}/start", s.handleBackendAction(s.backends.StartBackend))
		v1.Post("/backends/{name}/stop", s.handleBackendAction(s.backends.StopBackend))
		v1.Post("/backends/{name}/restart", s.handleBackendAction(s.backends.RestartBackend))

		v1.Get("/vhosts", s.handleListVhosts)
		v1.Post("/vhosts", s.handleCreateVhost)
		v1.Get("/vhosts/{id}", s.handleGetVhost)
		v1.Put("/vhosts/{id}", s.handleUpdateVhost)
		v1.Delete("/vhosts/{id}", s.handleDeleteVhost)

		v1.Get("/sessions", s.handleListSessions)
		v1.Delete("/sessions", s.handleClearSessions)
		v1.Get("/sessions/{id}", s.handleGetSession)
		v1.Delete("/sessions/{id}", s.handleDeleteSession)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth reports whether this node is currently accepting
// traffic — 503 during a drain window, per spec §4.K.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.backends.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleReady additionally requires every listener bound and, in
// cluster mode, a known leader — a node that is up but isolated from
// the rest of the cluster should not receive traffic from a load
// balancer in front of it.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.backends.ListenersReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !s.standalone && s.raftNode != nil {
		_, _, leader := s.raftNode.State()
		if leader == "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

type statusResponse struct {
	Standalone bool     `json:"standalone"`
	Role       string   `json:"role,omitempty"`
	Term       uint64   `json:"term,omitempty"`
	Leader     string   `json:"leader,omitempty"`
	Backends   []string `json:"backends"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Standalone: s.standalone, Backends: s.backends.BackendNames()}
	if s.raftNode != nil {
		role, term, leader := s.raftNode.State()
		resp.Role, resp.Term, resp.Leader = role.String(), term, leader
	}
	writeJSON(w, http.StatusOK, resp)
}

type clusterStatusResponse struct {
	Role    string      `json:"role,omitempty"`
	Term    uint64      `json:"term,omitempty"`
	Leader  string      `json:"leader,omitempty"`
	Members []swim.Node `json:"members,omitempty"`
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if s.standalone || s.raftNode == nil || s.members == nil {
		writeJSON(w, http.StatusOK, clusterStatusResponse{})
		return
	}
	role, term, leader := s.raftNode.State()
	writeJSON(w, http.StatusOK, clusterStatusResponse{
		Role: role.String(), Term: term, Leader: leader, Members: s.members.Members(),
	})
}

// handleClusterJoin, handleClusterLeave, handleClusterElection, and
// handleClusterRebalance expose operator-triggered cluster actions.
// Join/leave are thin wrappers over the already-automatic SWIM loop
// (spec §6 calls for them as explicit operator controls, e.g. for
// draining a node ahead of planned maintenance); election reports the
// local Raft role, term and leader and does not start an election;
// rebalance is a no-op acknowledgment since target selection already
// rebalances continuously via the live health/breaker state (spec does
// not define a separate rebalance algorithm to trigger).
func (s *Server) handleClusterJoin(w http.ResponseWriter, r *http.Request) {
	if s.standalone || s.members == nil {
		w.WriteHeader(http.StatusConflict)
		return
	}
	var body struct {
		Seeds []string `json:"seeds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.members.Join(r.Context(), body.Seeds)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleClusterLeave(w http.ResponseWriter, r *http.Request) {
	if s.standalone || s.members == nil {
		w.WriteHeader(http.StatusConflict)
		return
	}
	s.members.Leave()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleClusterElection(w http.ResponseWriter, r *http.Request) {
	if s.standalone || s.raftNode == nil {
		w.WriteHeader(http.StatusConflict)
		return
	}
	role, term, leader := s.raftNode.State()
	writeJSON(w, http.StatusOK, clusterStatusResponse{Role: role.String(), Term: term, Leader: leader})
}

func (s *Server) handleClusterRebalance(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusAccepted)
}

type backendHealthResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backends.BackendNames())
}

func (s *Server) handleBackendHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, ok := s.backends.BackendHealth(name)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, backendHealthResponse{Name: name, Status: st.String()})
}

func (s *Server) handleBackendAction(action func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := action(name); err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// Virtual host CRUD mutates the live configuration snapshot; spec §6
// leaves the exact reload mechanism open (Open Question), and per
// DESIGN.md this is answered by the same atomic-swap reload the
// teacher used for SIGHUP, triggered here instead of by a signal. The
// handlers below are declared against a VhostStore so api stays
// decoupled from the concrete reloader. cmd/edged does not wire one:
// without a VhostStore, list returns [], get returns 404, and
// create/update/delete return 501.
type VhostEntry struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
}

type VhostStore interface {
	List() []VhostEntry
	Get(id string) (VhostEntry, bool)
	Put(entry VhostEntry) error
	Delete(id string) error
}

func (s *Server) vhostStore() VhostStore {
	vs, _ := s.backends.(VhostStore)
	return vs
}

func (s *Server) handleListVhosts(w http.ResponseWriter, r *http.Request) {
	vs := s.vhostStore()
	if vs == nil {
		writeJSON(w, http.StatusOK, []VhostEntry{})
		return
	}
	writeJSON(w, http.StatusOK, vs.List())
}

func (s *Server) handleGetVhost(w http.ResponseWriter, r *http.Request) {
	vs := s.vhostStore()
	if vs == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	entry, ok := vs.Get(chi.URLParam(r, "id"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleCreateVhost(w http.ResponseWriter, r *http.Request) {
	vs := s.vhostStore()
	if vs == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	var entry VhostEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := vs.Put(entry); err != nil {
		w.WriteHeader(http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleUpdateVhost(w http.ResponseWriter, r *http.Request) {
	vs := s.vhostStore()
	if vs == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	var entry VhostEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	entry.ID = chi.URLParam(r, "id")
	if err := vs.Put(entry); err != nil {
		w.WriteHeader(http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteVhost(w http.ResponseWriter, r *http.Request) {
	vs := s.vhostStore()
	if vs == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	if err := vs.Delete(chi.URLParam(r, "id")); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Keys())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_ = s.sessions.Delete(r.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.sessions.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// ListenersReadyFlag is a small atomic.Bool wrapper that can satisfy
// BackendController.ListenersReady without the orchestrator needing to
// expose its entire listener list to api. cmd/edged does not use it; it
// calls the orchestrator's MarkListenersReady instead.
type ListenersReadyFlag struct{ ready atomic.Bool }

func (f *ListenersReadyFlag) Set(v bool) { f.ready.Store(v) }
func (f *ListenersReadyFlag) Get() bool  { return f.ready.Load() }
