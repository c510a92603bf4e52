package presence

import (
	"log"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/heitortanoue/crdtboard/internal/observer"
	"github.com/heitortanoue/crdtboard/pkg/crdt"
)

// DefaultTimeout é o tempo sem renovação após o qual um par é considerado ausente.
const DefaultTimeout = 30 * time.Second

// State is the free-form presence payload of one client.
type State map[string]any

// Clone returns a shallow copy of s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ClientUpdate carries one client's state at a given clock. A nil State
// announces that the client left.
type ClientUpdate struct {
	Client crdt.ClientID `json:"client"`
	Clock  uint64        `json:"clock"`
	State  State         `json:"state"`
}

// Update is the wire form exchanged between peers.
type Update struct {
	Clients []ClientUpdate `json:"clients"`
}

// ChangeEvent describes which clients changed in one ApplyUpdate or local
// edit. Renewed lists clients whose clock advanced without a content change.
type ChangeEvent struct {
	Added   []crdt.ClientID
	Updated []crdt.ClientID
	Removed []crdt.ClientID
	Renewed []crdt.ClientID
	Origin  any
}

// Empty reports whether the event lists no changed client.
func (e ChangeEvent) Empty() bool {
	return len(e.Added) == 0 && len(e.Updated) == 0 && len(e.Removed) == 0
}

// Clients returns every client named by the event, renewals included.
func (e ChangeEvent) Clients() []crdt.ClientID {
	out := make([]crdt.ClientID, 0, len(e.Added)+len(e.Updated)+len(e.Removed)+len(e.Renewed))
	out = append(out, e.Added...)
	out = append(out, e.Updated...)
	out = append(out, e.Removed...)
	return append(out, e.Renewed...)
}

// meta guarda o relógio e a última atualização de cada cliente
type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// Awareness tracks the presence state of the local client and of the peers
// heard from through the transport.
type Awareness struct {
	localID crdt.ClientID
	timeout time.Duration

	states map[crdt.ClientID]State
	meta   map[crdt.ClientID]meta
	mutex  sync.RWMutex

	changes observer.Set[ChangeEvent]
	updates observer.Set[ChangeEvent]

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

// NewAwareness cria o rastreador de presença para o cliente local
func NewAwareness(localID crdt.ClientID, timeout time.Duration) *Awareness {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Awareness{
		localID: localID,
		timeout: timeout,
		states:  make(map[crdt.ClientID]State),
		meta:    make(map[crdt.ClientID]meta),
		now:     time.Now,
	}
}

// LocalID returns the identifier of the local client.
func (a *Awareness) LocalID() crdt.ClientID {
	return a.localID
}

// Timeout returns the configured expiry window.
func (a *Awareness) Timeout() time.Duration {
	return a.timeout
}

// SetLocalState replaces the local state. A nil state marks the local client
// offline and is propagated as a removal.
func (a *Awareness) SetLocalState(state State) {
	a.mutex.Lock()
	prev, existed := a.states[a.localID]
	m := a.meta[a.localID]
	m.clock++
	m.lastUpdated = a.now()
	a.meta[a.localID] = m

	var ev ChangeEvent
	ev.Origin = "local"
	switch {
	case state == nil:
		delete(a.states, a.localID)
		if existed {
			ev.Removed = append(ev.Removed, a.localID)
		}
	case !existed:
		a.states[a.localID] = state.Clone()
		ev.Added = append(ev.Added, a.localID)
	default:
		a.states[a.localID] = state.Clone()
		if equalState(prev, state) {
			ev.Renewed = append(ev.Renewed, a.localID)
		} else {
			ev.Updated = append(ev.Updated, a.localID)
		}
	}
	a.mutex.Unlock()

	a.notify(ev)
}

// SetLocalStateField sets one field of the local state.
func (a *Awareness) SetLocalStateField(key string, value any) {
	a.mutex.RLock()
	next := a.states[a.localID].Clone()
	a.mutex.RUnlock()
	if next == nil {
		next = State{}
	}
	next[key] = value
	a.SetLocalState(next)
}

// LocalState returns a copy of the local state, or nil when offline.
func (a *Awareness) LocalState() State {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.states[a.localID].Clone()
}

// States returns a copy of every known state, local included.
func (a *Awareness) States() map[crdt.ClientID]State {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	out := make(map[crdt.ClientID]State, len(a.states))
	for id, s := range a.states {
		out[id] = s.Clone()
	}
	return out
}

// PeerIDs returns the ids of every client with a state, sorted ascending.
func (a *Awareness) PeerIDs() []crdt.ClientID {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	ids := make([]crdt.ClientID, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count retorna o número de clientes presentes
func (a *Awareness) Count() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return len(a.states)
}

// EncodeUpdate serializes the current state of the given clients. With no
// argument it encodes every known client.
func (a *Awareness) EncodeUpdate(clients ...crdt.ClientID) Update {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if len(clients) == 0 {
		for id := range a.meta {
			clients = append(clients, id)
		}
		sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	}

	u := Update{Clients: make([]ClientUpdate, 0, len(clients))}
	for _, id := range clients {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		u.Clients = append(u.Clients, ClientUpdate{
			Client: id,
			Clock:  m.clock,
			State:  a.states[id].Clone(),
		})
	}
	return u
}

// ApplyUpdate merges a remote update. For each client the entry with the
// higher clock wins; an equal clock with a nil state still removes the
// client. Entries about the local client are ignored.
func (a *Awareness) ApplyUpdate(u Update, origin any) {
	now := a.now()
	ev := ChangeEvent{Origin: origin}

	a.mutex.Lock()
	for _, cu := range u.Clients {
		if cu.Client == a.localID {
			continue
		}
		m, known := a.meta[cu.Client]
		prev, hadState := a.states[cu.Client]
		if known && !(m.clock < cu.Clock || (m.clock == cu.Clock && cu.State == nil && hadState)) {
			continue
		}

		a.meta[cu.Client] = meta{clock: cu.Clock, lastUpdated: now}
		switch {
		case cu.State == nil:
			if hadState {
				delete(a.states, cu.Client)
				ev.Removed = append(ev.Removed, cu.Client)
			}
		case !hadState:
			a.states[cu.Client] = cu.State.Clone()
			ev.Added = append(ev.Added, cu.Client)
		default:
			a.states[cu.Client] = cu.State.Clone()
			if equalState(prev, cu.State) {
				ev.Renewed = append(ev.Renewed, cu.Client)
			} else {
				ev.Updated = append(ev.Updated, cu.Client)
			}
		}
	}
	a.mutex.Unlock()

	a.notify(ev)
}

// RemoveStates drops the given remote clients, typically those controlled
// by a connection that closed. Their clocks are forgotten too, so a client
// that comes back is accepted at whatever clock it resumes with. The
// returned update carries the removals at their last clock for relaying.
func (a *Awareness) RemoveStates(clients []crdt.ClientID, origin any) Update {
	ev := ChangeEvent{Origin: origin}
	var removed Update

	a.mutex.Lock()
	for _, id := range clients {
		if id == a.localID {
			continue
		}
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			ev.Removed = append(ev.Removed, id)
			removed.Clients = append(removed.Clients, ClientUpdate{Client: id, Clock: a.meta[id].clock})
		}
		delete(a.meta, id)
	}
	a.mutex.Unlock()

	a.notify(ev)
	return removed
}

// RemoteIDs returns every remote client with a state.
func (a *Awareness) RemoteIDs() []crdt.ClientID {
	ids := a.PeerIDs()
	out := ids[:0]
	for _, id := range ids {
		if id != a.localID {
			out = append(out, id)
		}
	}
	return out
}

// Observe registers fn for every change of presence content: clients added,
// updated or removed. The returned function deregisters it.
func (a *Awareness) Observe(fn func(ChangeEvent)) func() {
	return a.changes.Add(fn)
}

// OnUpdate registers fn for every accepted update, renewals included.
// Transports use it to propagate the local clock.
func (a *Awareness) OnUpdate(fn func(ChangeEvent)) func() {
	return a.updates.Add(fn)
}

func (a *Awareness) notify(ev ChangeEvent) {
	if !ev.Empty() {
		a.changes.Emit(ev)
	}
	if !ev.Empty() || len(ev.Renewed) > 0 {
		a.updates.Emit(ev)
	}
}

// Start inicia a goroutine que renova o estado local e expira pares inativos
func (a *Awareness) Start() {
	a.mutex.Lock()
	if a.stop != nil {
		a.mutex.Unlock()
		return
	}
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	stop, done := a.stop, a.done
	a.mutex.Unlock()

	go a.checkLoop(stop, done)
}

// Stop ends the background loop and marks the local client offline.
func (a *Awareness) Stop() {
	a.mutex.Lock()
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	a.mutex.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	a.SetLocalState(nil)
}

func (a *Awareness) checkLoop(stop, done chan struct{}) {
	defer close(done)

	interval := a.timeout / 10
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.checkOutdated(a.now())
		}
	}
}

// checkOutdated renova o estado local na metade do timeout e remove pares
// que não foram renovados dentro do timeout
func (a *Awareness) checkOutdated(now time.Time) {
	a.mutex.RLock()
	local, hasLocal := a.states[a.localID]
	renew := hasLocal && now.Sub(a.meta[a.localID].lastUpdated) >= a.timeout/2

	var expired []crdt.ClientID
	for id, m := range a.meta {
		if id == a.localID {
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(m.lastUpdated) >= a.timeout {
			expired = append(expired, id)
		}
	}
	a.mutex.RUnlock()

	if renew {
		a.SetLocalState(local)
	}
	if len(expired) > 0 {
		log.Printf("[PRESENCE] Expiring %d inactive peers", len(expired))
		a.RemoveStates(expired, "timeout")
	}
}

// GetStats retorna estatísticas de presença
func (a *Awareness) GetStats() map[string]interface{} {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return map[string]interface{}{
		"local_id":        uint64(a.localID),
		"peers_present":   len(a.states),
		"clients_known":   len(a.meta),
		"timeout_seconds": a.timeout.Seconds(),
	}
}

func equalState(a, b State) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
