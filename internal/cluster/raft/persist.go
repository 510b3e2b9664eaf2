package raft

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// Persistence journals the raft/log segment and per-term voting state
// to bbolt, following the same embedded-KV pattern
// tlsresolver.Persistence uses for certificate metadata — here the
// values are large enough (the full entry slice) that a single
// bucket/key pair per concern is simpler than one key per entry.
type Persistence struct {
	db *bolt.DB
}

var (
	raftBucket = []byte("raft")
	stateKey   = []byte("state")
	entriesKey = []byte("entries")
)

// PersistentState is the subset of Raft state that must survive a
// restart to preserve Election Safety (currentTerm, votedFor) and to
// know where the log begins after a snapshot compaction.
type PersistentState struct {
	CurrentTerm       uint64 `json:"current_term"`
	VotedFor          string `json:"voted_for"`
	LastIncludedIndex uint64 `json:"last_included_index"`
	LastIncludedTerm  uint64 `json:"last_included_term"`
}

func OpenPersistence(path string) (*Persistence, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(raftBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Persistence{db: db}, nil
}

func (p *Persistence) Close() error { return p.db.Close() }

func (p *Persistence) SaveState(s PersistentState) error {
	buf, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(raftBucket).Put(stateKey, buf)
	})
}

func (p *Persistence) SaveEntries(entries []LogEntry) error {
	buf, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(raftBucket).Put(entriesKey, buf)
	})
}

// Load reconstructs persisted state and log entries on startup; a
// missing key (fresh node) yields zero values rather than an error.
func (p *Persistence) Load() (PersistentState, []LogEntry, error) {
	var state PersistentState
	var entries []LogEntry
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(raftBucket)
		if raw := b.Get(stateKey); raw != nil {
			if err := json.Unmarshal(raw, &state); err != nil {
				return err
			}
		}
		if raw := b.Get(entriesKey); raw != nil {
			if err := json.Unmarshal(raw, &entries); err != nil {
				return err
			}
		}
		return nil
	})
	return state, entries, err
}
