// Package health implements component F: periodic target probing with
// count-based hysteresis, publishing status-change events consumed by
// the proxy engine (E) and process supervisor (G).
package health

import (
	"context"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/astracat2022/edged/internal/config"
)

type Status int

const (
	StatusHealthy Status = iota
	StatusSuspect
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusSuspect:
		return "suspect"
	default:
		return "dead"
	}
}

// Event is published on every status transition.
type Event struct {
	Target string
	From   Status
	To     Status
	At     time.Time
}

type targetState struct {
	status       Status
	consecSucc   int
	consecFail   int
}

// Checker schedules HTTP/TCP/script probes per target and tracks
// hysteresis-gated health. Grounded on the teacher's absence of any
// health-check component (the teacher proxies to a single static
// upstream with no liveness tracking); the probe-kind dispatch and
// hysteresis counters are new, built directly against spec §4.F.
type Checker struct {
	mu      sync.Mutex
	states  map[string]*targetState
	spec    config.ProbeSpec
	client  *http.Client
	subs    []chan Event
	log     *zap.Logger
}

func NewChecker(spec config.ProbeSpec, log *zap.Logger) *Checker {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		states: map[string]*targetState{},
		spec:   spec,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Subscribe returns a channel that receives every status-change event.
func (c *Checker) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

func (c *Checker) StatusOf(target string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[target]
	if !ok {
		return StatusHealthy
	}
	return st.status
}

// Run probes every target in targets on spec.Interval until ctx is done.
func (c *Checker) Run(ctx context.Context, targets []string) {
	interval := c.spec.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range targets {
				c.probeOnce(ctx, t)
			}
		}
	}
}

func (c *Checker) probeOnce(ctx context.Context, target string) {
	ok := c.probe(ctx, target)
	c.record(target, ok)
}

func (c *Checker) probe(ctx context.Context, target string) bool {
	pctx, cancel := context.WithTimeout(ctx, c.client.Timeout)
	defer cancel()

	switch c.spec.Kind {
	case "tcp":
		d := net.Dialer{Timeout: c.client.Timeout}
		conn, err := d.DialContext(pctx, "tcp", target)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	case "script":
		cmd := exec.CommandContext(pctx, c.spec.Script, target)
		return cmd.Run() == nil
	default: // http
		url := "http://" + target + c.spec.Path
		req, err := http.NewRequestWithContext(pctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if len(c.spec.ExpectedStatus) == 0 {
			return resp.StatusCode < 400
		}
		for _, s := range c.spec.ExpectedStatus {
			if resp.StatusCode == s {
				return true
			}
		}
		return false
	}
}

// record applies the hysteresis state machine: unhealthy_threshold
// consecutive failures transitions Healthy→Dead via an intermediate
// Suspect state; healthy_threshold consecutive successes transitions
// Dead→Healthy.
func (c *Checker) record(target string, ok bool) {
	healthyN := c.spec.HealthyThreshold
	if healthyN <= 0 {
		healthyN = 2
	}
	unhealthyN := c.spec.UnhealthyThreshold
	if unhealthyN <= 0 {
		unhealthyN = 3
	}

	c.mu.Lock()
	st, exists := c.states[target]
	if !exists {
		st = &targetState{status: StatusHealthy}
		c.states[target] = st
	}
	prev := st.status

	if ok {
		st.consecSucc++
		st.consecFail = 0
		if st.status != StatusHealthy && st.consecSucc >= healthyN {
			st.status = StatusHealthy
		}
	} else {
		st.consecFail++
		st.consecSucc = 0
		switch {
		case st.consecFail >= unhealthyN:
			st.status = StatusDead
		case st.consecFail >= 1 && st.status == StatusHealthy:
			st.status = StatusSuspect
		}
	}
	next := st.status
	subs := append([]chan Event(nil), c.subs...)
	c.mu.Unlock()

	if next != prev {
		ev := Event{Target: target, From: prev, To: next, At: time.Now()}
		if c.log != nil {
			c.log.Info("target health transition", zap.String("target", target), zap.String("from", prev.String()), zap.String("to", next.String()))
		}
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
