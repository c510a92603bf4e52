package presence

import (
	"testing"
	"time"

	"github.com/heitortanoue/crdtboard/pkg/crdt"
)

func TestLocalStateAndPeerIDs(t *testing.T) {
	a := NewAwareness(5, time.Second)
	if a.Count() != 0 {
		t.Fatalf("expected empty awareness, got %d", a.Count())
	}

	a.SetLocalState(State{"user": "five"})
	a.ApplyUpdate(Update{Clients: []ClientUpdate{
		{Client: 9, Clock: 1, State: State{"user": "nine"}},
		{Client: 3, Clock: 1, State: State{"user": "three"}},
	}}, "remote")

	ids := a.PeerIDs()
	want := []crdt.ClientID{3, 5, 9}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}

	remote := a.RemoteIDs()
	if len(remote) != 2 || remote[0] != 3 || remote[1] != 9 {
		t.Fatalf("unexpected remote ids %v", remote)
	}
}

func TestHigherClockWins(t *testing.T) {
	a := NewAwareness(1, time.Second)
	a.ApplyUpdate(Update{Clients: []ClientUpdate{{Client: 2, Clock: 3, State: State{"v": "new"}}}}, nil)
	a.ApplyUpdate(Update{Clients: []ClientUpdate{{Client: 2, Clock: 2, State: State{"v": "old"}}}}, nil)

	if got := a.States()[2]["v"]; got != "new" {
		t.Fatalf("stale update overwrote state: %v", got)
	}

	// same clock with nil state removes
	a.ApplyUpdate(Update{Clients: []ClientUpdate{{Client: 2, Clock: 3, State: nil}}}, nil)
	if _, ok := a.States()[2]; ok {
		t.Fatal("expected client 2 removed")
	}
}

func TestUpdatesAboutSelfIgnored(t *testing.T) {
	a := NewAwareness(1, time.Second)
	a.SetLocalState(State{"v": "mine"})
	a.ApplyUpdate(Update{Clients: []ClientUpdate{{Client: 1, Clock: 99, State: nil}}}, nil)
	if a.LocalState() == nil {
		t.Fatal("remote update removed the local state")
	}
}

func TestObserveChangeEvents(t *testing.T) {
	a := NewAwareness(1, time.Second)
	var changes, updates []ChangeEvent
	a.Observe(func(ev ChangeEvent) { changes = append(changes, ev) })
	cancel := a.OnUpdate(func(ev ChangeEvent) { updates = append(updates, ev) })

	a.SetLocalState(State{"v": 1})
	a.SetLocalState(State{"v": 1}) // renewal only
	a.ApplyUpdate(Update{Clients: []ClientUpdate{{Client: 4, Clock: 1, State: State{}}}}, "net")
	a.RemoveStates([]crdt.ClientID{4}, "closed")

	if len(changes) != 3 {
		t.Fatalf("expected 3 change events, got %d", len(changes))
	}
	if len(changes[0].Added) != 1 || changes[0].Added[0] != 1 {
		t.Fatalf("expected local add, got %+v", changes[0])
	}
	if len(changes[1].Added) != 1 || changes[1].Origin != "net" {
		t.Fatalf("expected remote add from net, got %+v", changes[1])
	}
	if len(changes[2].Removed) != 1 || changes[2].Removed[0] != 4 {
		t.Fatalf("expected removal of 4, got %+v", changes[2])
	}
	if len(updates) != 4 {
		t.Fatalf("expected 4 update events including the renewal, got %d", len(updates))
	}

	cancel()
	a.SetLocalState(State{"v": 2})
	if len(updates) != 4 {
		t.Fatalf("cancelled listener still called")
	}
}

func TestRemovedClientCanRejoin(t *testing.T) {
	a := NewAwareness(1, time.Second)
	u := Update{Clients: []ClientUpdate{{Client: 7, Clock: 4, State: State{"v": "x"}}}}
	a.ApplyUpdate(u, nil)

	// a third replica still holding client 7 drops it on the relayed removal
	c := NewAwareness(3, time.Second)
	c.ApplyUpdate(u, nil)

	removed := a.RemoveStates([]crdt.ClientID{7, 99}, "disconnect")
	if len(removed.Clients) != 1 || removed.Clients[0].Clock != 4 || removed.Clients[0].State != nil {
		t.Fatalf("unexpected removal update %+v", removed)
	}
	c.ApplyUpdate(removed, nil)
	if c.Count() != 0 {
		t.Fatal("relayed removal not applied")
	}
	if a.Count() != 0 {
		t.Fatalf("expected no states, got %d", a.Count())
	}
	a.ApplyUpdate(u, nil)
	if a.Count() != 1 {
		t.Fatal("expected client 7 back after reconnect")
	}
}

func TestEncodeApplyRoundTrip(t *testing.T) {
	a := NewAwareness(1, time.Second)
	a.SetLocalState(State{"name": "a"})

	b := NewAwareness(2, time.Second)
	b.ApplyUpdate(a.EncodeUpdate(), nil)
	if got := b.States()[1]["name"]; got != "a" {
		t.Fatalf("expected name a, got %v", got)
	}

	a.SetLocalState(nil)
	b.ApplyUpdate(a.EncodeUpdate(1), nil)
	if _, ok := b.States()[1]; ok {
		t.Fatal("expected offline announcement to remove client 1")
	}
}

func TestCheckOutdated(t *testing.T) {
	a := NewAwareness(1, 10*time.Second)
	base := time.Now()
	a.now = func() time.Time { return base }

	a.SetLocalState(State{"v": 1})
	a.ApplyUpdate(Update{Clients: []ClientUpdate{{Client: 2, Clock: 1, State: State{"v": 2}}}}, nil)

	renewed := 0
	a.OnUpdate(func(ev ChangeEvent) {
		if len(ev.Renewed) == 1 && ev.Renewed[0] == 1 {
			renewed++
		}
	})

	a.checkOutdated(base.Add(6 * time.Second))
	if renewed != 1 {
		t.Fatalf("expected local state renewed after timeout/2, got %d renewals", renewed)
	}
	if a.Count() != 2 {
		t.Fatalf("peer expired too early")
	}

	a.checkOutdated(base.Add(11 * time.Second))
	if _, ok := a.States()[2]; ok {
		t.Fatal("expected peer 2 expired")
	}
	if a.LocalState() == nil {
		t.Fatal("local state must never expire")
	}
}

func TestStartStop(t *testing.T) {
	a := NewAwareness(1, time.Second)
	a.SetLocalState(State{"v": 1})
	a.Start()
	a.Start()
	a.Stop()
	a.Stop()
	if a.LocalState() != nil {
		t.Fatal("expected local state cleared on stop")
	}
}
