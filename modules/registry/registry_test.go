package registry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePeer records writes and can be told to fail.
type fakePeer struct {
	mu       sync.Mutex
	written  []any
	failWith error
	closed   bool
}

func (p *fakePeer) WriteJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.written = append(p.written, v)
	return nil
}

func (p *fakePeer) SetWriteDeadline(_ time.Time) error { return nil }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.written)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func TestRegistry_RegisterAndCount(t *testing.T) {
	r := New(0)

	if got := r.Count("room-1"); got != 0 {
		t.Errorf("Count() = %d for empty room, want 0", got)
	}

	c1 := NewConnection("user-1", "room-1", &fakePeer{})
	c2 := NewConnection("user-2", "room-1", &fakePeer{})
	c3 := NewConnection("user-3", "room-2", &fakePeer{})
	r.Register(c1)
	r.Register(c2)
	r.Register(c3)

	if got := r.Count("room-1"); got != 2 {
		t.Errorf("Count(room-1) = %d, want 2", got)
	}
	if got := r.Count("room-2"); got != 1 {
		t.Errorf("Count(room-2) = %d, want 1", got)
	}

	r.Unregister(c1)
	if got := r.Count("room-1"); got != 1 {
		t.Errorf("Count(room-1) = %d after unregister, want 1", got)
	}

	// Unregistering twice is a no-op.
	r.Unregister(c1)
	if got := r.Count("room-1"); got != 1 {
		t.Errorf("Count(room-1) = %d after double unregister, want 1", got)
	}
}

func TestRegistry_BroadcastExcludesSender(t *testing.T) {
	r := New(0)

	sender := &fakePeer{}
	peerA := &fakePeer{}
	peerB := &fakePeer{}
	cs := NewConnection("user-1", "room-1", sender)
	ca := NewConnection("user-2", "room-1", peerA)
	cb := NewConnection("user-3", "room-1", peerB)
	r.Register(cs)
	r.Register(ca)
	r.Register(cb)

	delivered := r.Broadcast("room-1", map[string]string{"hello": "world"}, cs)
	if delivered != 2 {
		t.Errorf("Broadcast() = %d, want 2", delivered)
	}
	if sender.writeCount() != 0 {
		t.Errorf("sender received %d writes, want 0", sender.writeCount())
	}
	if peerA.writeCount() != 1 || peerB.writeCount() != 1 {
		t.Errorf("peers received %d/%d writes, want 1/1", peerA.writeCount(), peerB.writeCount())
	}
}

func TestRegistry_BroadcastToUnknownRoom(t *testing.T) {
	r := New(0)
	if got := r.Broadcast("nope", "payload", nil); got != 0 {
		t.Errorf("Broadcast() = %d for unknown room, want 0", got)
	}
}

func TestRegistry_FailingPeerIsDropped(t *testing.T) {
	r := New(0)

	good := &fakePeer{}
	bad := &fakePeer{failWith: errors.New("broken pipe")}
	cg := NewConnection("user-1", "room-1", good)
	cb := NewConnection("user-2", "room-1", bad)
	r.Register(cg)
	r.Register(cb)

	delivered := r.Broadcast("room-1", "payload", nil)
	if delivered != 1 {
		t.Errorf("Broadcast() = %d, want 1 (failing peer skipped)", delivered)
	}
	if !bad.isClosed() {
		t.Error("failing peer was not closed")
	}
	if got := r.Count("room-1"); got != 1 {
		t.Errorf("Count() = %d after drop, want 1", got)
	}
	if good.writeCount() != 1 {
		t.Errorf("healthy peer received %d writes, want 1", good.writeCount())
	}
}

func TestRegistry_SendToUserReachesAllTabs(t *testing.T) {
	r := New(0)

	tab1 := &fakePeer{}
	tab2 := &fakePeer{}
	other := &fakePeer{}
	r.Register(NewConnection("user-1", "", tab1))
	r.Register(NewConnection("user-1", "", tab2))
	r.Register(NewConnection("user-2", "", other))

	delivered := r.SendToUser("user-1", "payload")
	if delivered != 2 {
		t.Errorf("SendToUser() = %d, want 2", delivered)
	}
	if tab1.writeCount() != 1 || tab2.writeCount() != 1 {
		t.Errorf("tabs received %d/%d writes, want 1/1", tab1.writeCount(), tab2.writeCount())
	}
	if other.writeCount() != 0 {
		t.Errorf("other user received %d writes, want 0", other.writeCount())
	}

	if got := r.SendToUser("user-3", "payload"); got != 0 {
		t.Errorf("SendToUser() = %d for offline user, want 0", got)
	}
}

func TestRegistry_ConnectionsForUser(t *testing.T) {
	r := New(0)

	c1 := NewConnection("user-1", "room-1", &fakePeer{})
	c2 := NewConnection("user-1", "", &fakePeer{})
	r.Register(c1)
	r.Register(c2)

	conns := r.ConnectionsForUser("user-1")
	if len(conns) != 2 {
		t.Fatalf("ConnectionsForUser() length = %d, want 2", len(conns))
	}

	r.Unregister(c1)
	r.Unregister(c2)
	if conns := r.ConnectionsForUser("user-1"); conns != nil {
		t.Errorf("ConnectionsForUser() = %v after unregister, want nil", conns)
	}
}

func TestConnection_Touch(t *testing.T) {
	c := NewConnection("user-1", "room-1", &fakePeer{})
	before := c.LastActive()
	time.Sleep(5 * time.Millisecond)
	c.Touch()
	if !c.LastActive().After(before) {
		t.Error("Touch() did not advance LastActive")
	}
}

func TestRegistry_RegisterSurvivesConcurrentRoomPrune(t *testing.T) {
	r := New(0)

	// Churn the last member of the room (which prunes it) against a fresh
	// registration; the new connection must always land in the live room
	// set and stay reachable.
	for i := 0; i < 2000; i++ {
		churn := NewConnection("user-churn", "room-1", &fakePeer{})
		r.Register(churn)

		fresh := NewConnection("user-fresh", "room-1", &fakePeer{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Unregister(churn)
		}()
		go func() {
			defer wg.Done()
			r.Register(fresh)
		}()
		wg.Wait()

		if got := r.Count("room-1"); got != 1 {
			t.Fatalf("iteration %d: Count() = %d, want 1", i, got)
		}
		if got := r.Broadcast("room-1", "payload", nil); got != 1 {
			t.Fatalf("iteration %d: Broadcast() = %d, want 1", i, got)
		}
		r.Unregister(fresh)
	}
}

func TestRegistry_ConcurrentBroadcast(t *testing.T) {
	r := New(0)

	peers := make([]*fakePeer, 20)
	for i := range peers {
		peers[i] = &fakePeer{}
		r.Register(NewConnection("user", "room-1", peers[i]))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Broadcast("room-1", "payload", nil)
		}()
	}
	wg.Wait()

	for i, p := range peers {
		if p.writeCount() != 10 {
			t.Errorf("peer %d received %d writes, want 10", i, p.writeCount())
		}
	}
}
