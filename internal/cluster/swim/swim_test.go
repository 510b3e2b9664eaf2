package swim

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/astracat2022/edged/internal/cluster/transport"
	"github.com/astracat2022/edged/internal/config"
)

// Tests exercise the membership table and message handlers directly;
// the probe/indirect-probe paths need a live transport and are left to
// integration-level exercise, matching the boundary drawn in
// transport_test.go.

func newTestMemberlist(id string) *Memberlist {
	self := Node{ID: id, Address: id + ":0"}
	cfg := config.ClusterConfig{
		ProbePeriod:     50 * time.Millisecond,
		SuspicionPeriod: 20 * time.Millisecond,
		SuspicionWindow: 30 * time.Millisecond,
		IndirectProbes:  2,
	}
	tr := transport.New(id, "test-cluster", nil, nil)
	return New(self, cfg, tr, nil)
}

func TestSupersedesHigherIncarnationWins(t *testing.T) {
	existing := Node{ID: "a", Incarnation: 1, State: Alive}
	incoming := Node{ID: "a", Incarnation: 2, State: Suspect}
	if !supersedes(incoming, existing) {
		t.Fatalf("expected higher incarnation to supersede regardless of state")
	}
}

func TestSupersedesEqualIncarnationFailureOverridesAlive(t *testing.T) {
	existing := Node{ID: "a", Incarnation: 1, State: Alive}
	incoming := Node{ID: "a", Incarnation: 1, State: Suspect}
	if !supersedes(incoming, existing) {
		t.Fatalf("expected same-incarnation Suspect to override Alive")
	}

	existing2 := Node{ID: "a", Incarnation: 1, State: Suspect}
	incoming2 := Node{ID: "a", Incarnation: 1, State: Alive}
	if supersedes(incoming2, existing2) {
		t.Fatalf("same-incarnation Alive must not override Suspect")
	}
}

func TestSupersedesLeftPreventsResurrection(t *testing.T) {
	existing := Node{ID: "a", Incarnation: 5, State: Dead, Left: true}
	incoming := Node{ID: "a", Incarnation: 99, State: Alive}
	if supersedes(incoming, existing) {
		t.Fatalf("a Left tombstone must never be overridden")
	}
}

func TestApplyUpdateAddsNewMember(t *testing.T) {
	m := newTestMemberlist("self")
	m.applyUpdate(Node{ID: "peer", Address: "peer:1", State: Alive, Incarnation: 1})

	members := m.Members()
	found := false
	for _, n := range members {
		if n.ID == "peer" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected peer to be added to membership table")
	}
}

func TestHandlePingReturnsAckWithUpdates(t *testing.T) {
	m := newTestMemberlist("self")
	resp, err := m.handleMessage(context.Background(), "peer-addr", envelopeFor(t, Message{Type: typePing, From: "peer"}))
	if err != nil {
		t.Fatal(err)
	}
	ack, ok := resp.(Message)
	if !ok || ack.Type != typeAck {
		t.Fatalf("expected an ack message, got %#v", resp)
	}
}

func TestMaybeRebutIncrementsIncarnationAboveSuspicion(t *testing.T) {
	m := newTestMemberlist("self")
	m.mergeUpdates([]Node{{ID: "self", Incarnation: 3, State: Suspect}})

	if m.self.Incarnation <= 3 {
		t.Fatalf("expected self incarnation to be bumped above the suspected one, got %d", m.self.Incarnation)
	}
	if m.self.State != Alive {
		t.Fatalf("expected self to remain Alive after rebuttal")
	}
}

func TestPromoteExpiredSuspectsMarksDead(t *testing.T) {
	m := newTestMemberlist("self")
	m.applyUpdate(Node{ID: "peer", Address: "peer:1", State: Alive, Incarnation: 1})
	m.markSuspect("peer")

	time.Sleep(40 * time.Millisecond)
	m.promoteExpiredSuspects()

	for _, n := range m.Members() {
		if n.ID == "peer" && n.State != Dead {
			t.Fatalf("expected peer to be promoted to Dead after suspicion_window, got %s", n.State)
		}
	}
}

func envelopeFor(t *testing.T, msg Message) transport.Envelope {
	t.Helper()
	buf, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return transport.Envelope{Kind: transport.KindSWIM, Payload: buf}
}
