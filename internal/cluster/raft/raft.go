// Package raft implements component I: the consensus log described in
// spec §4.I, replicating membership decisions and the clustered slice
// of component J (session version resolution, rate-limit bounded
// deltas) to every node via leader election and log replication.
package raft

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
	"github.com/astracat2022/edged/internal/edgederr"
)

type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// PayloadKind is LogEntry.payload's tag from spec §3.
type PayloadKind string

const (
	PayloadMembershipChange PayloadKind = "membership_change"
	PayloadSessionUpdate    PayloadKind = "session_update"
	PayloadRateLimitSlice   PayloadKind = "rate_limit_slice"
	PayloadConfigDelta      PayloadKind = "config_delta"
	PayloadNoOp             PayloadKind = "no_op"
)

// LogEntry is spec §3's replicated-log entry.
type LogEntry struct {
	Term  uint64          `json:"term"`
	Index uint64          `json:"index"`
	Kind  PayloadKind     `json:"kind"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type rpcType uint8

const (
	rpcRequestVote rpcType = iota + 1
	rpcAppendEntries
)

type RequestVoteArgs struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type RequestVoteReply struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

type AppendEntriesArgs struct {
	Term         uint64     `json:"term"`
	LeaderID     string     `json:"leader_id"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries,omitempty"`
	LeaderCommit uint64     `json:"leader_commit"`
}

type AppendEntriesReply struct {
	Term       uint64 `json:"term"`
	Success    bool   `json:"success"`
	MatchIndex uint64 `json:"match_index"`
}

// rpcMessage multiplexes both RPC kinds (and their replies) over the
// single transport.KindRaft handler, mirroring swim.Message's approach.
type rpcMessage struct {
	Type          rpcType             `json:"type"`
	RequestVote   *RequestVoteArgs    `json:"request_vote,omitempty"`
	AppendEntries *AppendEntriesArgs  `json:"append_entries,omitempty"`
	VoteReply     *RequestVoteReply   `json:"vote_reply,omitempty"`
	AppendReply   *AppendEntriesReply `json:"append_reply,omitempty"`
}

// Raft is one node's consensus-log participant.
type Raft struct {
	id    string
	peers map[string]string // node id -> advertise address, excludes self

	transport *transport.Transport
	persist   *Persistence
	log       *zap.Logger

	heartbeatInterval        time.Duration
	electionTimeoutMin       time.Duration
	electionTimeoutMax       time.Duration
	maxLogSizeBeforeSnapshot int

	mu              sync.Mutex
	role            Role
	currentTerm     uint64
	votedFor        string
	entries         []LogEntry // entries[0] corresponds to index lastIncludedIndex+1
	lastIncludedIdx uint64
	lastIncludedTrm uint64
	commitIndex     uint64
	lastApplied     uint64
	leaderID        string

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	membershipChangeInFlight bool

	resetElection chan struct{}

	subsMu sync.Mutex
	subs   []chan LogEntry
}

func New(id string, peers map[string]string, cfg config.ClusterConfig, t *transport.Transport, persist *Persistence, log *zap.Logger) *Raft {
	r := &Raft{
		id:                       id,
		peers:                    peers,
		transport:                t,
		persist:                  persist,
		log:                      log,
		heartbeatInterval:        orDefault(cfg.HeartbeatInterval, 100*time.Millisecond),
		electionTimeoutMin:       orDefault(cfg.ElectionTimeoutMin, 150*time.Millisecond),
		electionTimeoutMax:       orDefault(cfg.ElectionTimeoutMax, 300*time.Millisecond),
		maxLogSizeBeforeSnapshot: 10000,
		role:                     Follower,
		nextIndex:                map[string]uint64{},
		matchIndex:               map[string]uint64{},
		resetElection:            make(chan struct{}, 1),
	}
	if persist != nil {
		if state, entries, err := persist.Load(); err == nil {
			r.currentTerm = state.CurrentTerm
			r.votedFor = state.VotedFor
			r.lastIncludedIdx = state.LastIncludedIndex
			r.lastIncludedTrm = state.LastIncludedTerm
			r.entries = entries
		}
	}
	t.Handle(transport.KindRaft, r.handleMessage)
	return r
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Run starts the election timer and heartbeat loop; blocks until ctx
// is cancelled.
func (r *Raft) Run(ctx context.Context) {
	go r.electionLoop(ctx)
	go r.heartbeatLoop(ctx)
	<-ctx.Done()
}

func (r *Raft) electionTimeout() time.Duration {
	span := r.electionTimeoutMax - r.electionTimeoutMin
	if span <= 0 {
		return r.electionTimeoutMin
	}
	return r.electionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

func (r *Raft) electionLoop(ctx context.Context) {
	timer := time.NewTimer(r.electionTimeout())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.resetElection:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(r.electionTimeout())
		case <-timer.C:
			r.startElection(ctx)
			timer.Reset(r.electionTimeout())
		}
	}
}

func (r *Raft) kickElectionTimer() {
	select {
	case r.resetElection <- struct{}{}:
	default:
	}
}

func (r *Raft) startElection(ctx context.Context) {
	r.mu.Lock()
	if r.role == Leader {
		r.mu.Unlock()
		return
	}
	r.role = Candidate
	r.currentTerm++
	r.votedFor = r.id
	term := r.currentTerm
	lastIdx, lastTerm := r.lastLogInfoLocked()
	r.persistStateLocked()
	r.mu.Unlock()

	if r.log != nil {
		r.log.Info("raft: starting election", zap.Uint64("term", term))
	}

	votes := 1 // vote for self
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, addr := range r.peers {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.heartbeatInterval*3)
			defer cancel()
			var reply RequestVoteReply
			args := RequestVoteArgs{Term: term, CandidateID: r.id, LastLogIndex: lastIdx, LastLogTerm: lastTerm}
			if err := r.transport.Request(cctx, addr, transport.KindRaft, rpcMessage{Type: rpcRequestVote, RequestVote: &args}, wrapVoteReply(&reply)); err != nil {
				return
			}
			r.observeTerm(reply.Term)
			if reply.VoteGranted {
				mu.Lock()
				votes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	majority := (len(r.peers)+1)/2 + 1
	r.mu.Lock()
	won := votes >= majority && r.role == Candidate && r.currentTerm == term
	if won {
		r.becomeLeaderLocked()
	}
	r.mu.Unlock()
}

func (r *Raft) becomeLeaderLocked() {
	r.role = Leader
	r.leaderID = r.id
	lastIdx := r.lastIndexLocked()
	for peerID := range r.peers {
		r.nextIndex[peerID] = lastIdx + 1
		r.matchIndex[peerID] = 0
	}
	if r.log != nil {
		r.log.Info("raft: became leader", zap.Uint64("term", r.currentTerm))
	}
	r.appendLocked(PayloadNoOp, nil)
}

func (r *Raft) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			isLeader := r.role == Leader
			r.mu.Unlock()
			if isLeader {
				r.replicateToAll(ctx)
			}
		}
	}
}

func (r *Raft) replicateToAll(ctx context.Context) {
	for peerID, addr := range r.peers {
		peerID, addr := peerID, addr
		go r.replicateTo(ctx, peerID, addr)
	}
}

func (r *Raft) replicateTo(ctx context.Context, peerID, addr string) {
	r.mu.Lock()
	if r.role != Leader {
		r.mu.Unlock()
		return
	}
	next := r.nextIndex[peerID]
	if next == 0 {
		next = r.lastIndexLocked() + 1
	}
	prevIdx := next - 1
	prevTerm := r.termAtLocked(prevIdx)
	var entries []LogEntry
	if next <= r.lastIndexLocked() {
		entries = r.entriesFromLocked(next)
	}
	args := AppendEntriesArgs{
		Term:         r.currentTerm,
		LeaderID:     r.id,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	}
	term := r.currentTerm
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, r.heartbeatInterval*3)
	defer cancel()
	var reply AppendEntriesReply
	if err := r.transport.Request(cctx, addr, transport.KindRaft, rpcMessage{Type: rpcAppendEntries, AppendEntries: &args}, wrapAppendReply(&reply)); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.observeTermLocked(reply.Term) {
		return
	}
	if r.role != Leader || r.currentTerm != term {
		return
	}
	if reply.Success {
		r.matchIndex[peerID] = reply.MatchIndex
		r.nextIndex[peerID] = reply.MatchIndex + 1
		r.advanceCommitLocked()
	} else if r.nextIndex[peerID] > 1 {
		r.nextIndex[peerID]--
	}
}

// advanceCommitLocked applies the majority-replication rule: commit the
// highest index replicated on a majority of peers (including the
// leader) whose term equals the current term (Leader Completeness via
// the standard never-commit-a-prior-term-directly restriction).
func (r *Raft) advanceCommitLocked() {
	lastIdx := r.lastIndexLocked()
	for n := lastIdx; n > r.commitIndex; n-- {
		if r.termAtLocked(n) != r.currentTerm {
			continue
		}
		count := 1 // leader
		for _, peerID := range keysOf(r.peers) {
			if r.matchIndex[peerID] >= n {
				count++
			}
		}
		if count >= (len(r.peers)+1)/2+1 {
			r.commitIndex = n
			break
		}
	}
	r.applyCommittedLocked()
}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (r *Raft) applyCommittedLocked() {
	for r.lastApplied < r.commitIndex {
		r.lastApplied++
		entry := r.entryAtLocked(r.lastApplied)
		r.subsMu.Lock()
		subs := append([]chan LogEntry(nil), r.subs...)
		r.subsMu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- entry:
			default:
			}
		}
		if entry.Kind == PayloadMembershipChange {
			r.membershipChangeInFlight = false
		}
	}
	if len(r.entries) > r.maxLogSizeBeforeSnapshot {
		r.compactLocked()
	}
}

// compactLocked drops applied entries up to and including commitIndex, recording a
// snapshot marker; a real InstallSnapshot payload (the state machine's
// materialized view) is left to the store/cluster wiring that owns the
// applied state, matching spec §6's raft/snapshot-{index} layout.
func (r *Raft) compactLocked() {
	cut := r.commitIndex
	if cut <= r.lastIncludedIdx {
		return
	}
	idx := cut - r.lastIncludedIdx
	if int(idx) > len(r.entries) {
		idx = uint64(len(r.entries))
	}
	r.lastIncludedTrm = r.termAtLocked(cut)
	r.entries = append([]LogEntry(nil), r.entries[idx:]...)
	r.lastIncludedIdx = cut
	r.persistSnapshotLocked()
}

// Subscribe returns a channel of entries as they commit and apply, in
// order — the state_machine_apply hook spec §4.I names.
func (r *Raft) Subscribe() <-chan LogEntry {
	ch := make(chan LogEntry, 256)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()
	return ch
}

// Propose appends payload to the log if this node is the leader.
// Followers return edgederr.ErrNotLeader immediately rather than
// silently forwarding over the wire; callers (the orchestrator, the
// management API) are expected to retry against the known leader.
func (r *Raft) Propose(kind PayloadKind, data json.RawMessage) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.role != Leader {
		return 0, edgederr.ErrNotLeader
	}
	if kind == PayloadMembershipChange {
		if r.membershipChangeInFlight {
			return 0, fmt.Errorf("raft: a membership change is already in flight")
		}
		r.membershipChangeInFlight = true
	}
	idx := r.appendLocked(kind, data)
	return idx, nil
}

func (r *Raft) appendLocked(kind PayloadKind, data json.RawMessage) uint64 {
	idx := r.lastIndexLocked() + 1
	r.entries = append(r.entries, LogEntry{Term: r.currentTerm, Index: idx, Kind: kind, Data: data})
	r.persistEntriesLocked()
	return idx
}

// ReadIndex returns the current commit index for a linearizable read,
// valid only while this node remains leader. Confirming leadership via
// a full heartbeat quorum round before returning is the textbook
// approach; this simplified form trusts the last-known role, accepting
// a narrow staleness window bounded by heartbeat_interval.
func (r *Raft) ReadIndex() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.role != Leader {
		return 0, edgederr.ErrNotLeader
	}
	return r.commitIndex, nil
}

func (r *Raft) State() (Role, uint64, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role, r.currentTerm, r.leaderID
}

// --- log index bookkeeping (all Locked helpers assume r.mu held) ---

func (r *Raft) lastIndexLocked() uint64 {
	return r.lastIncludedIdx + uint64(len(r.entries))
}

func (r *Raft) lastLogInfoLocked() (index, term uint64) {
	idx := r.lastIndexLocked()
	return idx, r.termAtLocked(idx)
}

func (r *Raft) termAtLocked(index uint64) uint64 {
	if index == r.lastIncludedIdx {
		return r.lastIncludedTrm
	}
	if index < r.lastIncludedIdx || index == 0 {
		return 0
	}
	pos := index - r.lastIncludedIdx - 1
	if int(pos) >= len(r.entries) {
		return 0
	}
	return r.entries[pos].Term
}

func (r *Raft) entryAtLocked(index uint64) LogEntry {
	pos := index - r.lastIncludedIdx - 1
	return r.entries[pos]
}

func (r *Raft) entriesFromLocked(index uint64) []LogEntry {
	if index <= r.lastIncludedIdx {
		return nil
	}
	pos := index - r.lastIncludedIdx - 1
	if int(pos) >= len(r.entries) {
		return nil
	}
	return append([]LogEntry(nil), r.entries[pos:]...)
}

func (r *Raft) observeTerm(term uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observeTermLocked(term)
}

// observeTermLocked steps down to Follower whenever a higher term is
// observed (Election Safety); returns true if it stepped down.
func (r *Raft) observeTermLocked(term uint64) bool {
	if term > r.currentTerm {
		r.currentTerm = term
		r.role = Follower
		r.votedFor = ""
		r.persistStateLocked()
		return true
	}
	return false
}

func (r *Raft) persistStateLocked() {
	if r.persist == nil {
		return
	}
	_ = r.persist.SaveState(PersistentState{CurrentTerm: r.currentTerm, VotedFor: r.votedFor, LastIncludedIndex: r.lastIncludedIdx, LastIncludedTerm: r.lastIncludedTrm})
}

func (r *Raft) persistEntriesLocked() {
	if r.persist == nil {
		return
	}
	_ = r.persist.SaveEntries(r.entries)
}

func (r *Raft) persistSnapshotLocked() {
	if r.persist == nil {
		return
	}
	r.persistStateLocked()
	_ = r.persist.SaveEntries(r.entries)
}

// --- RPC handlers, invoked by transport on the receiving side ---

func (r *Raft) handleMessage(_ context.Context, _ string, env transport.Envelope) (any, error) {
	var msg rpcMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case rpcRequestVote:
		reply := r.handleRequestVote(*msg.RequestVote)
		return rpcMessage{Type: rpcRequestVote, VoteReply: &reply}, nil
	case rpcAppendEntries:
		reply := r.handleAppendEntries(*msg.AppendEntries)
		return rpcMessage{Type: rpcAppendEntries, AppendReply: &reply}, nil
	default:
		return nil, fmt.Errorf("raft: unknown rpc type %d", msg.Type)
	}
}

// handleRequestVote implements spec §4.I's vote rule: grant iff not
// already voted this term, and the candidate's log is at least as
// up-to-date (higher last-term, or equal last-term with a
// greater-or-equal last-index).
func (r *Raft) handleRequestVote(args RequestVoteArgs) RequestVoteReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	if args.Term > r.currentTerm {
		r.currentTerm = args.Term
		r.role = Follower
		r.votedFor = ""
	}
	if args.Term < r.currentTerm {
		return RequestVoteReply{Term: r.currentTerm, VoteGranted: false}
	}

	lastIdx, lastTerm := r.lastLogInfoLocked()
	upToDate := args.LastLogTerm > lastTerm || (args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIdx)

	canVote := r.votedFor == "" || r.votedFor == args.CandidateID
	if canVote && upToDate {
		r.votedFor = args.CandidateID
		r.persistStateLocked()
		r.kickElectionTimer()
		return RequestVoteReply{Term: r.currentTerm, VoteGranted: true}
	}
	return RequestVoteReply{Term: r.currentTerm, VoteGranted: false}
}

// handleAppendEntries implements the follower side of log replication
// and heartbeats, including the Log Matching check and truncation of
// conflicting suffixes.
func (r *Raft) handleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	if args.Term > r.currentTerm {
		r.currentTerm = args.Term
		r.votedFor = ""
	}
	if args.Term < r.currentTerm {
		return AppendEntriesReply{Term: r.currentTerm, Success: false}
	}

	r.role = Follower
	r.leaderID = args.LeaderID
	r.kickElectionTimer()

	if args.PrevLogIndex > r.lastIncludedIdx {
		if args.PrevLogIndex > r.lastIndexLocked() || r.termAtLocked(args.PrevLogIndex) != args.PrevLogTerm {
			return AppendEntriesReply{Term: r.currentTerm, Success: false}
		}
	}

	for _, e := range args.Entries {
		if e.Index <= r.lastIncludedIdx {
			continue
		}
		pos := e.Index - r.lastIncludedIdx - 1
		if int(pos) < len(r.entries) {
			if r.entries[pos].Term != e.Term {
				r.entries = r.entries[:pos]
				r.entries = append(r.entries, e)
			}
			continue
		}
		r.entries = append(r.entries, e)
	}
	r.persistEntriesLocked()

	if args.LeaderCommit > r.commitIndex {
		newCommit := args.LeaderCommit
		if last := r.lastIndexLocked(); newCommit > last {
			newCommit = last
		}
		r.commitIndex = newCommit
		r.applyCommittedLocked()
	}

	return AppendEntriesReply{Term: r.currentTerm, Success: true, MatchIndex: r.lastIndexLocked()}
}

func wrapVoteReply(out *RequestVoteReply) *rpcMessage {
	return &rpcMessage{VoteReply: out}
}

func wrapAppendReply(out *AppendEntriesReply) *rpcMessage {
	return &rpcMessage{AppendReply: out}
}
