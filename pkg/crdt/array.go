package crdt

import (
	"fmt"

	"github.com/heitortanoue/crdtboard/internal/observer"
)

// item is one element of a sequence, live or tombstoned.
type item struct {
	id      Dot
	origin  Dot
	lamport uint64
	value   string
	deleted bool
}

// Array is a replicated ordered sequence of strings owned by a Doc.
// Reads take the document read lock; writes go through a Txn.
type Array struct {
	name      string
	doc       *Doc
	items     []*item
	index     map[Dot]*item
	observers observer.Set[Event]
}

func newArray(name string, doc *Doc) *Array {
	return &Array{
		name:  name,
		doc:   doc,
		index: make(map[Dot]*item),
	}
}

// Name returns the array's name inside its document.
func (a *Array) Name() string {
	return a.name
}

// Len returns the number of live elements.
func (a *Array) Len() int {
	a.doc.mu.RLock()
	defer a.doc.mu.RUnlock()
	return a.length()
}

// Get returns the live element at index.
func (a *Array) Get(index int) (string, error) {
	a.doc.mu.RLock()
	defer a.doc.mu.RUnlock()

	it := a.visibleAt(index)
	if it == nil {
		return "", fmt.Errorf("get %s[%d]: %w", a.name, index, ErrIndexOutOfRange)
	}
	return it.value, nil
}

// ToSlice copies the live elements in order.
func (a *Array) ToSlice() []string {
	a.doc.mu.RLock()
	defer a.doc.mu.RUnlock()
	return a.values()
}

// Observe registers fn to run once after every committed transaction that
// changed this array. The returned function deregisters it.
func (a *Array) Observe(fn func(Event)) func() {
	return a.observers.Add(fn)
}

// Observers returns the number of registered listeners.
func (a *Array) Observers() int {
	return a.observers.Len()
}

func (a *Array) length() int {
	n := 0
	for _, it := range a.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (a *Array) values() []string {
	out := make([]string, 0, len(a.items))
	for _, it := range a.items {
		if !it.deleted {
			out = append(out, it.value)
		}
	}
	return out
}

// visibleAt returns the index-th live element, or nil when out of range.
func (a *Array) visibleAt(index int) *item {
	if index < 0 {
		return nil
	}
	n := 0
	for _, it := range a.items {
		if it.deleted {
			continue
		}
		if n == index {
			return it
		}
		n++
	}
	return nil
}

func (a *Array) position(id Dot) int {
	for i, it := range a.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

func (a *Array) has(id Dot) bool {
	_, ok := a.index[id]
	return ok
}

// integrate places op right of its origin, skipping concurrent siblings
// (and their descendants) that carry a higher (lamport, client) stamp.
func (a *Array) integrate(op InsertOp) *item {
	pos := 0
	if !op.Origin.IsZero() {
		pos = a.position(op.Origin) + 1
	}
	for pos < len(a.items) {
		next := a.items[pos]
		if next.lamport > op.Lamport || (next.lamport == op.Lamport && next.id.Client > op.ID.Client) {
			pos++
			continue
		}
		break
	}

	it := &item{
		id:      op.ID,
		origin:  op.Origin,
		lamport: op.Lamport,
		value:   op.Value,
	}
	a.items = append(a.items, nil)
	copy(a.items[pos+1:], a.items[pos:])
	a.items[pos] = it
	a.index[op.ID] = it
	return it
}

// remove drops an element entirely. Only used to roll back an aborted
// local transaction, never for replicated deletes.
func (a *Array) remove(id Dot) {
	pos := a.position(id)
	if pos < 0 {
		return
	}
	a.items = append(a.items[:pos], a.items[pos+1:]...)
	delete(a.index, id)
}
