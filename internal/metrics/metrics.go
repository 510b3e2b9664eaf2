// Package metrics exposes the process's Prometheus registry. It
// replaces the teacher's hand-rolled exposition writer with
// github.com/prometheus/client_golang, registering series for every
// component named in spec §2, not just the request path the teacher's
// Registry originally covered.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	Requests        prometheus.Counter
	UpstreamErrors  prometheus.Counter
	RateLimited     prometheus.Counter
	ChallengeServed prometheus.Counter
	WSActive        prometheus.Gauge
	Latency         prometheus.Histogram

	CircuitBreakerState *prometheus.GaugeVec // label: target
	ProxyRetries        prometheus.Counter
	TargetHealth        *prometheus.GaugeVec // label: target, value in {0,1,2}

	RaftTerm        prometheus.Gauge
	RaftCommitIndex prometheus.Gauge
	RaftRole        *prometheus.GaugeVec // label: role

	SwimAlive   prometheus.Gauge
	SwimSuspect prometheus.Gauge
	SwimDead    prometheus.Gauge

	SupervisorRestarts *prometheus.CounterVec // label: process
	SupervisorState    *prometheus.GaugeVec   // label: process, value in state enum
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg:             reg,
		Requests:        f.NewCounter(prometheus.CounterOpts{Name: "edged_requests_total"}),
		UpstreamErrors:  f.NewCounter(prometheus.CounterOpts{Name: "edged_upstream_errors_total"}),
		RateLimited:     f.NewCounter(prometheus.CounterOpts{Name: "edged_rate_limited_total"}),
		ChallengeServed: f.NewCounter(prometheus.CounterOpts{Name: "edged_challenge_served_total"}),
		WSActive:        f.NewGauge(prometheus.GaugeOpts{Name: "edged_ws_active"}),
		Latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "edged_request_latency_ms",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{Name: "edged_circuit_breaker_state"}, []string{"target"}),
		ProxyRetries:        f.NewCounter(prometheus.CounterOpts{Name: "edged_proxy_retries_total"}),
		TargetHealth:        f.NewGaugeVec(prometheus.GaugeOpts{Name: "edged_target_health"}, []string{"target"}),
		RaftTerm:            f.NewGauge(prometheus.GaugeOpts{Name: "edged_raft_term"}),
		RaftCommitIndex:     f.NewGauge(prometheus.GaugeOpts{Name: "edged_raft_commit_index"}),
		RaftRole:            f.NewGaugeVec(prometheus.GaugeOpts{Name: "edged_raft_role"}, []string{"role"}),
		SwimAlive:           f.NewGauge(prometheus.GaugeOpts{Name: "edged_swim_alive_nodes"}),
		SwimSuspect:         f.NewGauge(prometheus.GaugeOpts{Name: "edged_swim_suspect_nodes"}),
		SwimDead:            f.NewGauge(prometheus.GaugeOpts{Name: "edged_swim_dead_nodes"}),
		SupervisorRestarts:  f.NewCounterVec(prometheus.CounterOpts{Name: "edged_supervisor_restarts_total"}, []string{"process"}),
		SupervisorState:     f.NewGaugeVec(prometheus.GaugeOpts{Name: "edged_supervisor_state"}, []string{"process"}),
	}
}

func (r *Registry) ObserveLatency(d time.Duration) {
	r.Latency.Observe(float64(d.Milliseconds()))
}

// Handler returns the promhttp handler for the management API's
// /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
