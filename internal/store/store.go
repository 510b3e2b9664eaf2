// Package store implements component J: the session and rate-limit
// shared store behind one {get, put, delete, cleanup, watch}
// interface. Only the local in-memory profile (MemoryStore: sharded,
// xsync-backed) exists; there is no remote-KV profile.
package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/astracat2022/edged/internal/config"
)

// Session is spec §3's Session entity. The store treats its Data blob
// as opaque.
type Session struct {
	ID       string
	Created  time.Time
	LastSeen time.Time
	Expires  time.Time
	Data     []byte
	Version  uint64
	OriginNodeID string // supplements spec: diagnostic field from
	// original_source/session.rs / session_manager.rs showing which
	// cluster node last wrote this session, surfaced read-only via the
	// management API.
}

// NewSessionID generates a session identifier with at least 256 bits
// of entropy via crypto/rand directly — google/uuid's v4 only carries
// ~122 random bits, short of spec §3's Session.id invariant, so it is
// used elsewhere (correlation IDs) but not here.
func NewSessionID() (string, error) {
	buf := make([]byte, 32) // 256 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

var ErrNotFound = errors.New("store: key not found")
var ErrVersionConflict = errors.New("store: version conflict")

// Store is the {get, put, delete, cleanup, watch} interface spec §4.J
// requires; MemoryStore is its only implementation.
type Store interface {
	Get(ctx context.Context, key string) (*Session, error)
	Put(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, key string) error
	Cleanup(ctx context.Context) (removed int)
	Watch() <-chan Event
}

type EventKind int

const (
	EventPut EventKind = iota
	EventDelete
)

type Event struct {
	Kind EventKind
	Key  string
}

// shard is one lock-free map holding a slice of the keyspace; the shard
// is chosen by an FNV-1a hash of the whole key, so keys sharing a prefix
// are not grouped together. Each shard is backed by
// puzpuzpuz/xsync/v4 instead of a mutex-protected map, matching the
// no-global-mutex convention the rate-limiter and cache already use.
type shard struct {
	m *xsync.Map[string, *Session]
}

// MemoryStore is the default local profile.
type MemoryStore struct {
	shards  []shard
	subs    []chan Event
	subsMu  sync.Mutex
}

func NewMemoryStore(shardCount int) *MemoryStore {
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]shard, shardCount)
	for i := range shards {
		shards[i] = shard{m: xsync.NewMap[string, *Session]()}
	}
	return &MemoryStore{shards: shards}
}

func (s *MemoryStore) shardFor(key string) shard {
	h := fnv32(key)
	return s.shards[int(h)%len(s.shards)]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Session, error) {
	sh := s.shardFor(key)
	sess, ok := sh.m.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Put resolves conflicting versions per spec §3: higher version wins,
// then higher last_seen.
func (s *MemoryStore) Put(_ context.Context, sess *Session) error {
	sh := s.shardFor(sess.ID)
	sh.m.Compute(sess.ID, func(old *Session, loaded bool) (*Session, xsync.ComputeOp) {
		if loaded {
			if old.Version > sess.Version {
				return old, xsync.CancelOp
			}
			if old.Version == sess.Version && old.LastSeen.After(sess.LastSeen) {
				return old, xsync.CancelOp
			}
		}
		return sess, xsync.UpdateOp
	})
	s.publish(Event{Kind: EventPut, Key: sess.ID})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shardFor(key)
	sh.m.Delete(key)
	s.publish(Event{Kind: EventDelete, Key: key})
	return nil
}

// Cleanup sweeps every shard for TTL-expired sessions.
func (s *MemoryStore) Cleanup(_ context.Context) int {
	removed := 0
	now := time.Now()
	for _, sh := range s.shards {
		var expired []string
		sh.m.Range(func(key string, sess *Session) bool {
			if now.After(sess.Expires) {
				expired = append(expired, key)
			}
			return true
		})
		for _, key := range expired {
			sh.m.Delete(key)
			removed++
			s.publish(Event{Kind: EventDelete, Key: key})
		}
	}
	return removed
}

// Keys lists every session ID currently held, for the management API's
// GET /api/v1/sessions listing (spec §6).
func (s *MemoryStore) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.m.Range(func(key string, _ *Session) bool {
			keys = append(keys, key)
			return true
		})
	}
	return keys
}

// Clear removes every session, for the management API's bulk
// DELETE /api/v1/sessions.
func (s *MemoryStore) Clear() {
	for _, sh := range s.shards {
		var keys []string
		sh.m.Range(func(key string, _ *Session) bool {
			keys = append(keys, key)
			return true
		})
		for _, key := range keys {
			sh.m.Delete(key)
			s.publish(Event{Kind: EventDelete, Key: key})
		}
	}
}

func (s *MemoryStore) Watch() <-chan Event {
	ch := make(chan Event, 32)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *MemoryStore) publish(ev Event) {
	s.subsMu.Lock()
	subs := append([]chan Event(nil), s.subs...)
	s.subsMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// NewFromConfig always returns the local MemoryStore with the configured
// shard count; the backend setting is ignored, and a "remote" setting
// also yields a MemoryStore. internal/cluster/raft does not implement
// Store.
func NewFromConfig(cfg config.StoreConfig) *MemoryStore {
	return NewMemoryStore(cfg.ShardCount)
}
