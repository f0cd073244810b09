package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistry_CreateIsVisibleBeforeAttach(t *testing.T) {
	r := NewRegistry()
	s := r.Create("alice", "demo-1", 80, 24)

	got, ok := r.Lookup(s.ID)
	if !ok || got != s {
		t.Fatal("session not visible right after Create")
	}
	if s.Status() != StatusConnecting {
		t.Errorf("status = %s, want connecting", s.Status())
	}
	if s.Transport() != nil {
		t.Error("connecting session should have no transport")
	}
}

func TestRegistry_IDsAreUniqueAndNeverReused(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)

	for round := 0; round < 5; round++ {
		var ids []string
		for i := 0; i < 200; i++ {
			s := r.Create("alice", "c", 80, 24)
			if seen[s.ID] {
				t.Fatalf("id %s issued twice", s.ID)
			}
			seen[s.ID] = true
			ids = append(ids, s.ID)
		}
		for _, id := range ids {
			if !r.Remove(id, ReasonClientClosed) {
				t.Fatalf("Remove(%s) = false", id)
			}
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after removing everything", r.Len())
	}
}

func TestRegistry_TombstonesAreBounded(t *testing.T) {
	r := NewRegistry()
	r.maxTombstones = 3

	for i := 0; i < 10; i++ {
		s := r.Create("alice", "c", 80, 24)
		r.Remove(s.ID, ReasonClientClosed)
	}
	if len(r.tombstones) != 3 || len(r.tombOrder) != 3 {
		t.Errorf("tombstones = %d/%d, want 3", len(r.tombstones), len(r.tombOrder))
	}
}

func TestRegistry_AttachOpensSession(t *testing.T) {
	r := NewRegistry()
	s := r.Create("alice", "c", 80, 24)
	ft := newFakeTransport(false)

	if err := r.Attach(s.ID, ft); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if s.Status() != StatusOpen || s.Transport() != ft {
		t.Errorf("status=%s transport=%v", s.Status(), s.Transport())
	}
	if ft.closes.Load() != 0 {
		t.Error("Attach closed a good transport")
	}

	second := newFakeTransport(false)
	if err := r.Attach(s.ID, second); err == nil {
		t.Error("second Attach should fail")
	}
	if second.closes.Load() != 1 {
		t.Error("rejected transport was not closed")
	}
}

func TestRegistry_AttachAfterRemoveClosesHandle(t *testing.T) {
	r := NewRegistry()
	s := r.Create("alice", "c", 80, 24)
	r.Remove(s.ID, ReasonChannelClosed)

	ft := newFakeTransport(false)
	err := r.Attach(s.ID, ft)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Attach err = %v, want ErrSessionNotFound", err)
	}
	if ft.closes.Load() != 1 {
		t.Errorf("late transport closed %d times, want 1", ft.closes.Load())
	}
	if r.Len() != 0 {
		t.Error("late Attach resurrected the session")
	}
}

func TestRegistry_RemoveCancelsPendingDial(t *testing.T) {
	r := NewRegistry()
	s := r.Create("alice", "c", 80, 24)
	r.Remove(s.ID, ReasonClientClosed)

	select {
	case <-s.Context().Done():
	default:
		t.Error("session context not cancelled by Remove")
	}
	if s.Status() != StatusClosed || s.CloseReason() != ReasonClientClosed {
		t.Errorf("status=%s reason=%s", s.Status(), s.CloseReason())
	}
}

func TestRegistry_ConcurrentRemoveClosesOnce(t *testing.T) {
	r := NewRegistry()
	s := r.Create("alice", "c", 80, 24)
	ft := newFakeTransport(false)
	if err := r.Attach(s.ID, ft); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Remove(s.ID, ReasonReapedIdle) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d Remove calls reported success, want 1", wins.Load())
	}
	if ft.closes.Load() != 1 {
		t.Errorf("transport closed %d times, want 1", ft.closes.Load())
	}
}

func TestRegistry_CancelOnlyAffectsConnecting(t *testing.T) {
	r := NewRegistry()
	open := r.Create("alice", "c", 80, 24)
	r.Attach(open.ID, newFakeTransport(false))
	pending := r.Create("alice", "c", 80, 24)

	if r.Cancel(open.ID, ReasonChannelClosed) {
		t.Error("Cancel removed an open session")
	}
	if !r.Cancel(pending.ID, ReasonChannelClosed) {
		t.Error("Cancel did not remove a connecting session")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_DistinctIDsDoNotInterfere(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := r.Create("alice", "c", 80, 24)
			ft := newFakeTransport(false)
			if err := r.Attach(s.ID, ft); err != nil {
				t.Errorf("Attach: %v", err)
				return
			}
			r.Touch(s.ID)
			if !r.Remove(s.ID, ReasonClientClosed) {
				t.Errorf("Remove(%s) = false", s.ID)
			}
			if ft.closes.Load() != 1 {
				t.Errorf("transport for %s closed %d times", s.ID, ft.closes.Load())
			}
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestRegistry_ListByOwnerAndCloseAll(t *testing.T) {
	r := NewRegistry()
	a1 := r.Create("alice", "c1", 80, 24)
	r.Create("alice", "c2", 100, 30)
	r.Create("bob", "c3", 80, 24)
	r.Attach(a1.ID, newFakeTransport(false))

	list := r.ListByOwner("alice")
	if len(list) != 2 {
		t.Fatalf("ListByOwner = %d entries", len(list))
	}
	for _, info := range list {
		if info.OwnerID != "alice" {
			t.Errorf("foreign session %+v", info)
		}
	}
	if len(r.Snapshot()) != 3 {
		t.Errorf("Snapshot len = %d", len(r.Snapshot()))
	}

	if n := r.CloseAll(ReasonShutdown); n != 3 {
		t.Errorf("CloseAll = %d, want 3", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after CloseAll", r.Len())
	}
}
