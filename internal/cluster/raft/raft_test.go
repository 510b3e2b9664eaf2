package raft

import (
	"testing"
	"time"

	"github.com/astracat2022/edged/internal/cluster/transport"
	"github.com/astracat2022/edged/internal/config"
	"github.com/astracat2022/edged/internal/edgederr"
)

// Tests drive handleRequestVote/handleAppendEntries directly: both are
// pure functions of local state (the RPC layer only matters for
// dispatching, which these tests bypass), so a real QUIC connection
// isn't needed to exercise the safety rules.

func newTestRaft(id string) *Raft {
	cfg := config.ClusterConfig{
		HeartbeatInterval:  10 * time.Millisecond,
		ElectionTimeoutMin: 20 * time.Millisecond,
		ElectionTimeoutMax: 40 * time.Millisecond,
	}
	tr := transport.New(id, "test-cluster", nil, nil)
	return New(id, map[string]string{"peer-b": "b:1", "peer-c": "c:1"}, cfg, tr, nil, nil)
}

func TestRequestVoteGrantsOnceHigherTermSeen(t *testing.T) {
	r := newTestRaft("a")
	reply := r.handleRequestVote(RequestVoteArgs{Term: 1, CandidateID: "peer-b"})
	if !reply.VoteGranted {
		t.Fatalf("expected vote granted on fresh term")
	}
}

func TestRequestVoteRejectsSecondCandidateSameTerm(t *testing.T) {
	r := newTestRaft("a")
	r.handleRequestVote(RequestVoteArgs{Term: 1, CandidateID: "peer-b"})
	reply := r.handleRequestVote(RequestVoteArgs{Term: 1, CandidateID: "peer-c"})
	if reply.VoteGranted {
		t.Fatalf("expected second candidate in the same term to be rejected")
	}
}

func TestRequestVoteRejectsStaleLog(t *testing.T) {
	r := newTestRaft("a")
	r.mu.Lock()
	r.entries = []LogEntry{{Term: 5, Index: 1}}
	r.mu.Unlock()

	reply := r.handleRequestVote(RequestVoteArgs{Term: 6, CandidateID: "peer-b", LastLogIndex: 0, LastLogTerm: 0})
	if reply.VoteGranted {
		t.Fatalf("expected vote rejected for a candidate with a less up-to-date log")
	}
}

func TestRequestVoteRejectsLowerTerm(t *testing.T) {
	r := newTestRaft("a")
	r.mu.Lock()
	r.currentTerm = 5
	r.mu.Unlock()

	reply := r.handleRequestVote(RequestVoteArgs{Term: 3, CandidateID: "peer-b"})
	if reply.VoteGranted || reply.Term != 5 {
		t.Fatalf("expected rejection and current term echoed back, got %+v", reply)
	}
}

func TestAppendEntriesRejectsOnLogMatchFailure(t *testing.T) {
	r := newTestRaft("a")
	reply := r.handleAppendEntries(AppendEntriesArgs{Term: 1, LeaderID: "peer-b", PrevLogIndex: 5, PrevLogTerm: 2})
	if reply.Success {
		t.Fatalf("expected failure when prev log entry is missing")
	}
}

func TestAppendEntriesAppliesCommittedEntries(t *testing.T) {
	r := newTestRaft("a")
	ch := r.Subscribe()

	reply := r.handleAppendEntries(AppendEntriesArgs{
		Term:         1,
		LeaderID:     "peer-b",
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      []LogEntry{{Term: 1, Index: 1, Kind: PayloadNoOp}},
		LeaderCommit: 1,
	})
	if !reply.Success || reply.MatchIndex != 1 {
		t.Fatalf("expected successful append with match index 1, got %+v", reply)
	}

	select {
	case entry := <-ch:
		if entry.Index != 1 {
			t.Fatalf("expected applied entry index 1, got %d", entry.Index)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the committed entry to be applied and published")
	}
}

func TestAppendEntriesTruncatesConflictingSuffix(t *testing.T) {
	r := newTestRaft("a")
	r.handleAppendEntries(AppendEntriesArgs{Term: 1, LeaderID: "peer-b", Entries: []LogEntry{
		{Term: 1, Index: 1}, {Term: 1, Index: 2},
	}})
	r.handleAppendEntries(AppendEntriesArgs{Term: 2, LeaderID: "peer-b", PrevLogIndex: 1, PrevLogTerm: 1, Entries: []LogEntry{
		{Term: 2, Index: 2, Kind: PayloadConfigDelta},
	}})

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) != 2 || r.entries[1].Term != 2 {
		t.Fatalf("expected conflicting suffix replaced, got %+v", r.entries)
	}
}

func TestProposeRejectsWhenNotLeader(t *testing.T) {
	r := newTestRaft("a")
	_, err := r.Propose(PayloadNoOp, nil)
	if err != edgederr.ErrNotLeader {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
}

func TestProposeSucceedsAfterBecomingLeader(t *testing.T) {
	r := newTestRaft("a")
	r.mu.Lock()
	r.becomeLeaderLocked()
	r.mu.Unlock()

	idx, err := r.Propose(PayloadConfigDelta, nil)
	if err != nil {
		t.Fatal(err)
	}
	if idx <= 1 { // index 1 is the no-op appended on election
		t.Fatalf("expected proposed entry to land after the leader's no-op, got index %d", idx)
	}
}
