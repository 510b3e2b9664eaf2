package proxy

import (
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/astracat2022/edged/internal/config"
	"github.com/astracat2022/edged/internal/health"
)

// Target is one upstream address tracked by a strategy. Connections and
// EWMA latency are updated by the engine around every proxied request;
// status is updated by Engine.WatchHealth from component F's events.
type Target struct {
	Address string
	Weight  float64

	inflight int64
	ewmaUS   int64 // microseconds, atomic
	status   int32 // health.Status, atomic; zero value is StatusHealthy
}

func (t *Target) Inflight() int64 { return atomic.LoadInt64(&t.inflight) }

// Status reports the target's last known health, defaulting to Healthy
// for targets with no health checker attached (e.g. process backends
// before their first probe completes).
func (t *Target) Status() health.Status { return health.Status(atomic.LoadInt32(&t.status)) }

func (t *Target) setStatus(s health.Status) { atomic.StoreInt32(&t.status, int32(s)) }

// eligibleTargets applies the §3 UpstreamTarget invariant: a target is
// eligible iff Healthy, or Suspect and no Healthy target exists. Dead
// targets are never eligible.
func eligibleTargets(targets []*Target) []*Target {
	var healthy, suspect []*Target
	for _, t := range targets {
		switch t.Status() {
		case health.StatusHealthy:
			healthy = append(healthy, t)
		case health.StatusSuspect:
			suspect = append(suspect, t)
		}
	}
	if len(healthy) > 0 {
		return healthy
	}
	return suspect
}

func (t *Target) begin() { atomic.AddInt64(&t.inflight, 1) }
func (t *Target) end(latencyUS int64) {
	atomic.AddInt64(&t.inflight, -1)
	for {
		old := atomic.LoadInt64(&t.ewmaUS)
		var next int64
		if old == 0 {
			next = latencyUS
		} else {
			// alpha = 0.2
			next = old + (latencyUS-old)/5
		}
		if atomic.CompareAndSwapInt64(&t.ewmaUS, old, next) {
			return
		}
	}
}

// Strategy picks a Target for a request. Implementations are grounded
// on the teacher's single-target reverse proxy (reverse.go), which this
// generalizes to spec §5's multi-strategy load-balancer: round-robin,
// least-connections weighted by EWMA latency, IP-hash via a consistent
// ring, and smooth weighted round-robin.
type Strategy interface {
	Pick(targets []*Target, clientKey string) *Target
}

func NewStrategy(name string) Strategy {
	switch name {
	case "least_conn", "least-connections":
		return leastConnStrategy{}
	case "ip_hash", "ip-hash":
		return &ipHashStrategy{}
	case "weighted", "smooth_weighted":
		return &weightedStrategy{}
	default:
		return &roundRobinStrategy{}
	}
}

type roundRobinStrategy struct{ n uint64 }

func (s *roundRobinStrategy) Pick(targets []*Target, _ string) *Target {
	if len(targets) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&s.n, 1) - 1
	return targets[idx%uint64(len(targets))]
}

type leastConnStrategy struct{}

// Pick scores each target by inflight count plus a small EWMA-latency
// tiebreaker so a fast-draining target is preferred among equals.
func (leastConnStrategy) Pick(targets []*Target, _ string) *Target {
	var best *Target
	var bestScore float64 = math.MaxFloat64
	for _, t := range targets {
		score := float64(t.Inflight())*1000 + float64(atomic.LoadInt64(&t.ewmaUS))/1000
		if score < bestScore {
			bestScore = score
			best = t
		}
	}
	return best
}

// ipHashStrategy builds a consistent-hash ring over target addresses
// using zeebo/xxh3 (the same hashing library the response cache uses
// for its keys).
type ipHashStrategy struct {
	mu       sync.Mutex
	ringAddr []uint64
	ringIdx  []int
	built    string // fingerprint of target set the ring was built from
}

const ringReplicas = 150

func (s *ipHashStrategy) build(targets []*Target) string {
	fp := ""
	for _, t := range targets {
		fp += t.Address + ","
	}
	if fp == s.built {
		return fp
	}
	type pt struct {
		hash uint64
		idx  int
	}
	var pts []pt
	for i, t := range targets {
		for r := 0; r < ringReplicas; r++ {
			key := t.Address + "#" + strconv.Itoa(r)
			pts = append(pts, pt{hash: xxh3.HashString(key), idx: i})
		}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].hash < pts[j].hash })
	s.ringAddr = make([]uint64, len(pts))
	s.ringIdx = make([]int, len(pts))
	for i, p := range pts {
		s.ringAddr[i] = p.hash
		s.ringIdx[i] = p.idx
	}
	s.built = fp
	return fp
}

func (s *ipHashStrategy) Pick(targets []*Target, clientKey string) *Target {
	if len(targets) == 0 {
		return nil
	}
	s.mu.Lock()
	s.build(targets)
	ring, idx := s.ringAddr, s.ringIdx
	s.mu.Unlock()

	if len(ring) == 0 {
		return targets[0]
	}
	h := xxh3.HashString(clientKey)
	i := sort.Search(len(ring), func(i int) bool { return ring[i] >= h })
	if i == len(ring) {
		i = 0
	}
	return targets[idx[i]]
}

// weightedStrategy implements smooth weighted round-robin (the
// Nginx/LVS algorithm): each tick it picks the target whose current
// weight is highest, then decrements it by the total weight and bumps
// every target's current weight by its own configured weight.
type weightedStrategy struct {
	mu      sync.Mutex
	current map[string]float64
}

func (s *weightedStrategy) Pick(targets []*Target, _ string) *Target {
	if len(targets) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.current = map[string]float64{}
	}
	total := 0.0
	for _, t := range targets {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	var best *Target
	bestCur := -math.MaxFloat64
	for _, t := range targets {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		s.current[t.Address] += w
		if s.current[t.Address] > bestCur {
			bestCur = s.current[t.Address]
			best = t
		}
	}
	if best != nil {
		s.current[best.Address] -= total
	}
	return best
}

// TargetsFromSpec builds runtime Targets from a backend's configured
// upstream target list.
func TargetsFromSpec(specs []config.UpstreamTargetSpec) []*Target {
	out := make([]*Target, 0, len(specs))
	for _, s := range specs {
		out = append(out, &Target{Address: s.Address, Weight: s.Weight})
	}
	return out
}
