package crdt

import (
	"errors"
	"fmt"
)

var errForeignArray = errors.New("array belongs to another document")

// Txn is the handle passed to Doc.Transact. Edits are applied to the local
// replica immediately and recorded so the batch can be replicated, or undone
// if the transaction function fails.
type Txn struct {
	doc    *Doc
	update Update
	undo   []func()

	startLamport uint64
	startCounter uint64
}

// Len returns the live length of a as seen inside the transaction.
func (tx *Txn) Len(a *Array) int {
	return a.length()
}

// Get returns the live element at index as seen inside the transaction.
func (tx *Txn) Get(a *Array, index int) (string, error) {
	it := a.visibleAt(index)
	if it == nil {
		return "", fmt.Errorf("get %s[%d]: %w", a.name, index, ErrIndexOutOfRange)
	}
	return it.value, nil
}

// Insert places values at index, shifting later elements right.
// index may equal the current length (append).
func (tx *Txn) Insert(a *Array, index int, values ...string) error {
	if a.doc != tx.doc {
		return errForeignArray
	}
	if index < 0 || index > a.length() {
		return fmt.Errorf("insert %s[%d]: %w", a.name, index, ErrIndexOutOfRange)
	}

	var origin Dot
	if index > 0 {
		origin = a.visibleAt(index - 1).id
	}

	d := tx.doc
	for _, v := range values {
		d.lamport++
		op := InsertOp{
			Array:   a.name,
			ID:      d.ctx.NextDot(d.clientID),
			Origin:  origin,
			Lamport: d.lamport,
			Value:   v,
		}
		a.integrate(op)
		id := op.ID
		tx.undo = append(tx.undo, func() { a.remove(id) })
		tx.update.Inserts = append(tx.update.Inserts, op)
		origin = op.ID
	}
	return nil
}

// Push appends values at the end of a.
func (tx *Txn) Push(a *Array, values ...string) error {
	return tx.Insert(a, a.length(), values...)
}

// Delete removes length live elements starting at index.
func (tx *Txn) Delete(a *Array, index, length int) error {
	if a.doc != tx.doc {
		return errForeignArray
	}
	if index < 0 || length < 0 || index+length > a.length() {
		return fmt.Errorf("delete %s[%d:%d]: %w", a.name, index, index+length, ErrIndexOutOfRange)
	}

	targets := make([]*item, 0, length)
	for i := 0; i < length; i++ {
		targets = append(targets, a.visibleAt(index+i))
	}
	for _, it := range targets {
		it.deleted = true
		victim := it
		tx.undo = append(tx.undo, func() { victim.deleted = false })
		tx.update.Deletes = append(tx.update.Deletes, DeleteOp{Array: a.name, Target: it.id})
	}
	return nil
}

func (tx *Txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	d := tx.doc
	d.lamport = tx.startLamport
	if tx.startCounter == 0 {
		delete(d.ctx.Clock, d.clientID)
	} else {
		d.ctx.Clock[d.clientID] = tx.startCounter
	}
	tx.update = Update{}
	tx.undo = nil
}
