// Package swim implements component H: gossip-based cluster membership
// per spec §4.H. Each node runs a failure detector (direct probe, then
// indirect probe through k random peers, then Suspect, then Dead after
// suspicion_window) and disseminates membership deltas piggybacked on
// every SWIM message it sends, superseded by (incarnation, state)
// exactly as spec §4.H defines.
package swim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/astracat2022/edged/internal/cluster/transport"
	"github.com/astracat2022/edged/internal/config"
)

// State is spec §3's ClusterNode.state tag.
type State int

const (
	Alive State = iota
	Suspect
	Dead
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// stateRank orders states for same-incarnation conflict resolution:
// spec §4.H's dissemination rule says equal-incarnation Suspect/Dead
// overrides Alive, so the win condition is "moved further along this
// rank", not the more familiar "healthier wins".
func stateRank(s State) int {
	switch s {
	case Alive:
		return 0
	case Suspect:
		return 1
	case Dead:
		return 2
	default:
		return -1
	}
}

// Node is spec §3's ClusterNode.
type Node struct {
	ID          string            `json:"node_id"`
	Address     string            `json:"advertise_address"`
	Incarnation uint64            `json:"incarnation"`
	State       State             `json:"state"`
	Left        bool              `json:"left"`
	LastHeard   time.Time         `json:"last_heard"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Event is published to subscribers (the management API's cluster
// status endpoint, principally) on every accepted membership change.
type Event struct {
	Node Node
	Kind string // "updated", "suspect", "dead", "rebutted"
}

type msgType uint8

const (
	typePing msgType = iota + 1
	typePingReq
	typeAck
)

// Message is the SWIM-level payload carried inside transport.Envelope.
// Every message (ping, indirect-ping request, or ack) piggybacks the
// sender's buffered membership Updates, which is how deltas disseminate
// without a separate broadcast path.
type Message struct {
	Type    msgType `json:"type"`
	From    string  `json:"from"`
	Target  string  `json:"target,omitempty"` // node ID, PingReq only
	Updates []Node  `json:"updates,omitempty"`
}

// Memberlist is the runtime membership table and failure detector for
// one node.
type Memberlist struct {
	self Node
	cfg  config.ClusterConfig

	transport *transport.Transport
	log       *zap.Logger

	mu       sync.RWMutex
	members  map[string]*Node // by node ID
	suspects map[string]time.Time

	pendingMu sync.Mutex
	pending   []Node // updates not yet disseminated

	subsMu sync.Mutex
	subs   []chan Event
}

func New(self Node, cfg config.ClusterConfig, t *transport.Transport, log *zap.Logger) *Memberlist {
	self.State = Alive
	m := &Memberlist{
		self:     self,
		cfg:      cfg,
		transport: t,
		log:      log,
		members:  map[string]*Node{self.ID: &self},
		suspects: map[string]time.Time{},
	}
	t.Handle(transport.KindSWIM, m.handleMessage)
	return m
}

func (m *Memberlist) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Memberlist) publish(ev Event) {
	m.subsMu.Lock()
	subs := append([]chan Event(nil), m.subs...)
	m.subsMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Members returns a snapshot of the membership table.
func (m *Memberlist) Members() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.members))
	for _, n := range m.members {
		out = append(out, *n)
	}
	return out
}

// Join seeds the membership table with addresses not yet known as
// nodes and probes them immediately so the discovery round doesn't
// wait a full probe_period.
func (m *Memberlist) Join(ctx context.Context, seeds []string) {
	for _, addr := range seeds {
		if addr == m.self.Address {
			continue
		}
		go m.ping(ctx, addr)
	}
}

// Leave marks self Dead with left=true (preventing resurrection) and
// lets the next probe cycles disseminate it.
func (m *Memberlist) Leave() {
	m.mu.Lock()
	m.self.Incarnation++
	m.self.State = Dead
	m.self.Left = true
	self := m.self
	m.members[self.ID] = &self
	m.mu.Unlock()
	m.queueUpdate(self)
}

// Run starts the probe loop and the suspicion-promotion sweep; it
// blocks until ctx is cancelled.
func (m *Memberlist) Run(ctx context.Context) {
	probeTicker := time.NewTicker(m.probePeriod())
	defer probeTicker.Stop()
	sweepTicker := time.NewTicker(m.probePeriod())
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probeTicker.C:
			m.probeRandom(ctx)
		case <-sweepTicker.C:
			m.promoteExpiredSuspects()
		}
	}
}

func (m *Memberlist) probePeriod() time.Duration {
	if m.cfg.ProbePeriod > 0 {
		return m.cfg.ProbePeriod
	}
	return time.Second
}

func (m *Memberlist) probeTimeout() time.Duration {
	p := m.probePeriod() / 2
	if p <= 0 {
		p = 200 * time.Millisecond
	}
	return p
}

func (m *Memberlist) suspicionPeriod() time.Duration {
	if m.cfg.SuspicionPeriod > 0 {
		return m.cfg.SuspicionPeriod
	}
	return 500 * time.Millisecond
}

func (m *Memberlist) indirectProbes() int {
	if m.cfg.IndirectProbes > 0 {
		return m.cfg.IndirectProbes
	}
	return 3
}

func (m *Memberlist) probeRandom(ctx context.Context) {
	target := m.randomAliveExceptSelf()
	if target == nil {
		return
	}
	if m.ping(ctx, target.Address) {
		return
	}
	if m.indirectProbe(ctx, target) {
		return
	}
	m.markSuspect(target.ID)
}

func (m *Memberlist) randomAliveExceptSelf() *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var candidates []*Node
	for id, n := range m.members {
		if id == m.self.ID || n.State != Alive {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return nil
	}
	n := *candidates[rand.Intn(len(candidates))]
	return &n
}

func (m *Memberlist) randomAliveExcept(ids ...string) []*Node {
	exclude := make(map[string]bool, len(ids))
	for _, id := range ids {
		exclude[id] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Node
	for id, n := range m.members {
		if exclude[id] || n.State != Alive {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// ping performs a direct probe against addr and merges any piggybacked
// updates in the reply.
func (m *Memberlist) ping(ctx context.Context, addr string) bool {
	cctx, cancel := context.WithTimeout(ctx, m.probeTimeout())
	defer cancel()

	req := Message{Type: typePing, From: m.self.ID, Updates: m.drainUpdates()}
	var reply Message
	if err := m.transport.Request(cctx, addr, transport.KindSWIM, req, &reply); err != nil {
		return false
	}
	m.mergeUpdates(reply.Updates)
	return true
}

// indirectProbe asks k random alive peers to ping target on our
// behalf; the first successful ack wins.
func (m *Memberlist) indirectProbe(ctx context.Context, target *Node) bool {
	helpers := m.randomAliveExcept(m.self.ID, target.ID)
	if len(helpers) > m.indirectProbes() {
		helpers = helpers[:m.indirectProbes()]
	}
	if len(helpers) == 0 {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, m.suspicionPeriod())
	defer cancel()

	result := make(chan bool, len(helpers))
	for _, h := range helpers {
		h := h
		go func() {
			req := Message{Type: typePingReq, From: m.self.ID, Target: target.ID, Updates: m.drainUpdates()}
			var reply Message
			err := m.transport.Request(cctx, h.Address, transport.KindSWIM, req, &reply)
			if err == nil {
				m.mergeUpdates(reply.Updates)
			}
			result <- err == nil
		}()
	}

	for range helpers {
		select {
		case ok := <-result:
			if ok {
				return true
			}
		case <-cctx.Done():
			return false
		}
	}
	return false
}

func (m *Memberlist) markSuspect(id string) {
	m.mu.Lock()
	n, ok := m.members[id]
	if !ok || n.State != Alive {
		m.mu.Unlock()
		return
	}
	n.State = Suspect
	updated := *n
	m.mu.Unlock()

	m.suspects2(id, true)
	m.queueUpdate(updated)
	m.publish(Event{Node: updated, Kind: "suspect"})
	if m.log != nil {
		m.log.Warn("swim: marked peer suspect", zap.String("node_id", id))
	}
}

func (m *Memberlist) suspects2(id string, add bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if add {
		m.suspects[id] = time.Now()
	} else {
		delete(m.suspects, id)
	}
}

func (m *Memberlist) promoteExpiredSuspects() {
	m.mu.Lock()
	var toPromote []string
	now := time.Now()
	for id, since := range m.suspects {
		if now.Sub(since) > m.cfg.SuspicionWindow && m.cfg.SuspicionWindow > 0 {
			toPromote = append(toPromote, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toPromote {
		m.mu.Lock()
		n, ok := m.members[id]
		if !ok || n.State != Suspect {
			m.mu.Unlock()
			continue
		}
		n.State = Dead
		updated := *n
		m.mu.Unlock()

		m.suspects2(id, false)
		m.queueUpdate(updated)
		m.publish(Event{Node: updated, Kind: "dead"})
		if m.log != nil {
			m.log.Warn("swim: promoted suspect to dead", zap.String("node_id", id))
		}
	}
}

// handleMessage is the transport.Handler for KindSWIM.
func (m *Memberlist) handleMessage(ctx context.Context, _ string, env transport.Envelope) (any, error) {
	var msg Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, err
	}
	m.mergeUpdates(msg.Updates)

	switch msg.Type {
	case typePing:
		return Message{Type: typeAck, From: m.self.ID, Updates: m.drainUpdates()}, nil
	case typePingReq:
		target := m.lookup(msg.Target)
		if target == nil {
			return nil, fmt.Errorf("swim: unknown indirect-ping target %s", msg.Target)
		}
		if !m.ping(ctx, target.Address) {
			return nil, fmt.Errorf("swim: indirect ping to %s failed", msg.Target)
		}
		return Message{Type: typeAck, From: m.self.ID, Updates: m.drainUpdates()}, nil
	default:
		return nil, fmt.Errorf("swim: unknown message type %d", msg.Type)
	}
}

func (m *Memberlist) lookup(id string) *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.members[id]
	if !ok {
		return nil
	}
	cp := *n
	return &cp
}

// queueUpdate buffers a delta for piggyback dissemination on this
// node's next several outgoing messages.
func (m *Memberlist) queueUpdate(n Node) {
	m.pendingMu.Lock()
	m.pending = append(m.pending, n)
	if len(m.pending) > 64 {
		m.pending = m.pending[len(m.pending)-64:]
	}
	m.pendingMu.Unlock()
}

// drainUpdates returns the buffered deltas plus this node's own
// current state, which is "free" to attach to every message and is how
// a fresh rebuttal reaches the rest of the cluster without a dedicated
// broadcast mechanism.
func (m *Memberlist) drainUpdates() []Node {
	m.pendingMu.Lock()
	out := append([]Node(nil), m.pending...)
	m.pendingMu.Unlock()

	m.mu.RLock()
	self := m.self
	m.mu.RUnlock()
	return append(out, self)
}

// mergeUpdates applies spec §4.H's supersede rule to each incoming
// delta and, if this node's own entry is being suspected or marked
// dead by someone else, rebuts by incrementing its own incarnation
// above the one being disseminated and broadcasting Alive.
func (m *Memberlist) mergeUpdates(updates []Node) {
	for _, incoming := range updates {
		if incoming.ID == m.self.ID {
			m.maybeRebut(incoming)
			continue
		}
		m.applyUpdate(incoming)
	}
}

func (m *Memberlist) applyUpdate(incoming Node) {
	m.mu.Lock()
	existing, ok := m.members[incoming.ID]
	if !ok {
		cp := incoming
		m.members[incoming.ID] = &cp
		m.mu.Unlock()
		m.publish(Event{Node: incoming, Kind: "updated"})
		return
	}
	if !supersedes(incoming, *existing) {
		m.mu.Unlock()
		return
	}
	*existing = incoming
	updated := *existing
	m.mu.Unlock()

	kind := "updated"
	switch incoming.State {
	case Suspect:
		kind = "suspect"
		m.suspects2(incoming.ID, true)
	case Dead:
		kind = "dead"
		m.suspects2(incoming.ID, false)
	case Alive:
		m.suspects2(incoming.ID, false)
	}
	m.publish(Event{Node: updated, Kind: kind})
}

func (m *Memberlist) maybeRebut(incoming Node) {
	if incoming.State == Alive {
		return
	}
	m.mu.Lock()
	if incoming.Incarnation < m.self.Incarnation {
		m.mu.Unlock()
		return
	}
	m.self.Incarnation = incoming.Incarnation + 1
	m.self.State = Alive
	self := m.self
	m.mu.Unlock()

	m.queueUpdate(self)
	m.publish(Event{Node: self, Kind: "rebutted"})
	if m.log != nil {
		m.log.Info("swim: rebutted suspicion", zap.Uint64("incarnation", self.Incarnation))
	}
}

// supersedes implements spec §4.H's tie-break: higher incarnation
// always wins; at equal incarnation the state with the higher rank
// wins (Suspect/Dead override Alive, matching the spec's worked
// example), and a Left tombstone can never be overridden regardless of
// incarnation, which is what makes Leave permanent.
func supersedes(incoming, existing Node) bool {
	if existing.Left {
		return false
	}
	if incoming.Incarnation != existing.Incarnation {
		return incoming.Incarnation > existing.Incarnation
	}
	return stateRank(incoming.State) > stateRank(existing.State)
}
