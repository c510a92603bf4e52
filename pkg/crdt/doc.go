package crdt

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/heitortanoue/crdtboard/internal/observer"
)

// Doc is one replica: a set of named arrays plus the causal metadata needed
// to merge remote updates. All mutation goes through Transact or ApplyUpdate.
//
// txMu serializes writers (local transactions and remote merges) including
// the notification that follows them, so observers see batches in commit
// order. mu guards the state itself; observers run after mu is released and
// may read, but must not start a transaction synchronously.
type Doc struct {
	clientID ClientID

	txMu sync.Mutex
	mu   sync.RWMutex

	arrays  map[string]*Array
	ctx     *DotContext
	lamport uint64
	pending []Update

	updateObservers observer.Set[Event]
}

// NewDoc creates an empty replica owned by clientID.
func NewDoc(clientID ClientID) *Doc {
	return &Doc{
		clientID: clientID,
		arrays:   make(map[string]*Array),
		ctx:      NewDotContext(),
	}
}

// ClientID returns the replica identifier used for local inserts.
func (d *Doc) ClientID() ClientID {
	return d.clientID
}

// Array returns the named array, creating it when missing.
func (d *Doc) Array(name string) *Array {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.arrayLocked(name)
}

func (d *Doc) arrayLocked(name string) *Array {
	a, ok := d.arrays[name]
	if !ok {
		a = newArray(name, d)
		d.arrays[name] = a
	}
	return a
}

// OnUpdate registers fn to receive every committed update, local or remote.
// Transports use it to forward local edits.
func (d *Doc) OnUpdate(fn func(Event)) func() {
	return d.updateObservers.Add(fn)
}

// Transact runs fn as one indivisible batch. If fn returns an error, every
// edit it made is rolled back and no notification is fired.
func (d *Doc) Transact(origin any, fn func(tx *Txn) error) error {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	d.mu.Lock()
	tx := &Txn{
		doc:          d,
		startLamport: d.lamport,
		startCounter: d.ctx.Clock[d.clientID],
	}
	if err := fn(tx); err != nil {
		tx.rollback()
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	if !tx.update.IsEmpty() {
		d.emit(tx.update, origin, true)
	}
	return nil
}

// ApplyUpdate merges a remote update. Operations already integrated are
// skipped, so applying the same update twice is harmless. An update whose
// dependencies are unknown is parked as a whole until they arrive.
func (d *Doc) ApplyUpdate(u Update, origin any) error {
	if err := validateUpdate(u); err != nil {
		return err
	}

	d.txMu.Lock()
	defer d.txMu.Unlock()

	d.mu.Lock()
	var applied []Update
	if d.readyLocked(u) {
		applied = append(applied, d.integrateLocked(u))
		applied = append(applied, d.drainPendingLocked()...)
	} else {
		d.pending = append(d.pending, u)
		log.Printf("[CRDT] Update parked until dependencies arrive (%d pending)", len(d.pending))
	}
	d.mu.Unlock()

	for _, eff := range applied {
		if !eff.IsEmpty() {
			d.emit(eff, origin, false)
		}
	}
	return nil
}

// StateVector returns the contiguous per-replica insert counters known here.
func (d *Doc) StateVector() VectorClock {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ctx.Clock.Clone()
}

// EncodeStateAsUpdate returns every insert not covered by sv together with
// the full delete set. A nil sv encodes the whole document.
func (d *Doc) EncodeStateAsUpdate(sv VectorClock) Update {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.arrays))
	for name := range d.arrays {
		names = append(names, name)
	}
	sort.Strings(names)

	var u Update
	for _, name := range names {
		a := d.arrays[name]
		for _, it := range a.items {
			if it.id.Counter > sv[it.id.Client] {
				u.Inserts = append(u.Inserts, InsertOp{
					Array:   name,
					ID:      it.id,
					Origin:  it.origin,
					Lamport: it.lamport,
					Value:   it.value,
				})
			}
		}
		for _, it := range a.items {
			if it.deleted {
				u.Deletes = append(u.Deletes, DeleteOp{Array: name, Target: it.id})
			}
		}
	}
	return u
}

// PendingCount returns the number of parked remote updates.
func (d *Doc) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// GC drops the payload of tombstoned elements and returns how many were
// cleared. Identity and position are kept so later merges still resolve.
func (d *Doc) GC() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cleared := 0
	for _, a := range d.arrays {
		for _, it := range a.items {
			if it.deleted && it.value != "" {
				it.value = ""
				cleared++
			}
		}
	}
	return cleared
}

func (d *Doc) emit(u Update, origin any, local bool) {
	ev := Event{Update: u, Origin: origin, Local: local}

	d.mu.RLock()
	touched := make([]*Array, 0, 1)
	for _, name := range u.Arrays() {
		if a, ok := d.arrays[name]; ok {
			touched = append(touched, a)
		}
	}
	d.mu.RUnlock()

	for _, a := range touched {
		a.observers.Emit(ev)
	}
	d.updateObservers.Emit(ev)
}

func validateUpdate(u Update) error {
	for _, op := range u.Inserts {
		if op.Array == "" || op.ID.IsZero() {
			return fmt.Errorf("insert %s: %w", op.ID, ErrMalformedUpdate)
		}
	}
	for _, op := range u.Deletes {
		if op.Array == "" || op.Target.IsZero() {
			return fmt.Errorf("delete %s: %w", op.Target, ErrMalformedUpdate)
		}
	}
	return nil
}

func (d *Doc) hasLocked(array string, id Dot) bool {
	a, ok := d.arrays[array]
	return ok && a.has(id)
}

// readyLocked reports whether every origin and delete target of u is either
// already integrated or created earlier in u itself.
func (d *Doc) readyLocked(u Update) bool {
	created := make(map[Dot]bool, len(u.Inserts))
	for _, op := range u.Inserts {
		if !op.Origin.IsZero() && !created[op.Origin] && !d.hasLocked(op.Array, op.Origin) {
			return false
		}
		created[op.ID] = true
	}
	for _, op := range u.Deletes {
		if !created[op.Target] && !d.hasLocked(op.Array, op.Target) {
			return false
		}
	}
	return true
}

// integrateLocked applies u and returns the part of it that changed state.
func (d *Doc) integrateLocked(u Update) Update {
	var eff Update
	for _, op := range u.Inserts {
		a := d.arrayLocked(op.Array)
		if a.has(op.ID) {
			continue
		}
		a.integrate(op)
		d.ctx.Add(op.ID)
		if op.Lamport > d.lamport {
			d.lamport = op.Lamport
		}
		eff.Inserts = append(eff.Inserts, op)
	}
	for _, op := range u.Deletes {
		a := d.arrayLocked(op.Array)
		it, ok := a.index[op.Target]
		if !ok || it.deleted {
			continue
		}
		it.deleted = true
		eff.Deletes = append(eff.Deletes, op)
	}
	return eff
}

func (d *Doc) drainPendingLocked() []Update {
	var applied []Update
	for {
		progressed := false
		remaining := d.pending[:0]
		for _, p := range d.pending {
			if d.readyLocked(p) {
				applied = append(applied, d.integrateLocked(p))
				progressed = true
				continue
			}
			remaining = append(remaining, p)
		}
		d.pending = remaining
		if !progressed {
			return applied
		}
	}
}
