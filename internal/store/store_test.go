package store

import (
	"context"
	"testing"
	"time"
)

func TestPutGetDelete(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()
	sess := &Session{ID: "s1", Created: time.Now(), LastSeen: time.Now(), Expires: time.Now().Add(time.Hour), Version: 1}
	if err := s.Put(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "s1")
	if err != nil || got.ID != "s1" {
		t.Fatalf("expected session s1, got %v err=%v", got, err)
	}
	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "s1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPutRejectsLowerVersion(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()
	now := time.Now()
	_ = s.Put(ctx, &Session{ID: "s2", LastSeen: now, Expires: now.Add(time.Hour), Version: 5})
	_ = s.Put(ctx, &Session{ID: "s2", LastSeen: now, Expires: now.Add(time.Hour), Version: 2})

	got, _ := s.Get(ctx, "s2")
	if got.Version != 5 {
		t.Fatalf("expected higher version 5 to win, got %d", got.Version)
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()
	_ = s.Put(ctx, &Session{ID: "expired", LastSeen: time.Now(), Expires: time.Now().Add(-time.Second), Version: 1})
	_ = s.Put(ctx, &Session{ID: "fresh", LastSeen: time.Now(), Expires: time.Now().Add(time.Hour), Version: 1})

	removed := s.Cleanup(ctx)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := s.Get(ctx, "expired"); err != ErrNotFound {
		t.Fatalf("expected expired entry gone")
	}
	if _, err := s.Get(ctx, "fresh"); err != nil {
		t.Fatalf("expected fresh entry to remain")
	}
}

func TestNewSessionIDHasSufficientEntropy(t *testing.T) {
	id, err := NewSessionID()
	if err != nil {
		t.Fatal(err)
	}
	if len(id) < 32 {
		t.Fatalf("expected a session ID encoding at least 256 bits, got length %d", len(id))
	}
}

func TestWatchReceivesPutEvent(t *testing.T) {
	s := NewMemoryStore(4)
	ch := s.Watch()
	_ = s.Put(context.Background(), &Session{ID: "w1", Expires: time.Now().Add(time.Hour), Version: 1})
	select {
	case ev := <-ch:
		if ev.Key != "w1" || ev.Kind != EventPut {
			t.Fatalf("expected put event for w1, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected watch event")
	}
}
