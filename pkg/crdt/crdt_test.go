package crdt

import (
	"errors"
	"reflect"
	"testing"
)

// ---------- helpers -------------------------------------------------------

func newReplica(id ClientID) (*Doc, *Array) {
	d := NewDoc(id)
	return d, d.Array("colors")
}

func push(t *testing.T, d *Doc, a *Array, values ...string) Update {
	t.Helper()
	var captured Update
	cancel := d.OnUpdate(func(ev Event) { captured = ev.Update })
	defer cancel()
	if err := d.Transact(nil, func(tx *Txn) error { return tx.Push(a, values...) }); err != nil {
		t.Fatalf("push: %v", err)
	}
	return captured
}

func set(t *testing.T, d *Doc, a *Array, index int, v string) Update {
	t.Helper()
	var captured Update
	cancel := d.OnUpdate(func(ev Event) { captured = ev.Update })
	defer cancel()
	err := d.Transact(nil, func(tx *Txn) error {
		if err := tx.Delete(a, index, 1); err != nil {
			return err
		}
		return tx.Insert(a, index, v)
	})
	if err != nil {
		t.Fatalf("set %d: %v", index, err)
	}
	return captured
}

// exchange syncs two replicas both ways using state vectors.
func exchange(t *testing.T, a, b *Doc) {
	t.Helper()
	if err := b.ApplyUpdate(a.EncodeStateAsUpdate(b.StateVector()), "a"); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := a.ApplyUpdate(b.EncodeStateAsUpdate(a.StateVector()), "b"); err != nil {
		t.Fatalf("b->a: %v", err)
	}
}

// -------------------------------------------------------------------------
// 1. DotContext
// -------------------------------------------------------------------------

func TestDotContextCompactsContiguousDots(t *testing.T) {
	ctx := NewDotContext()
	ctx.Add(Dot{Client: 7, Counter: 2})
	ctx.Add(Dot{Client: 7, Counter: 3})
	if ctx.Clock[7] != 0 || len(ctx.Cloud) != 2 {
		t.Fatalf("expected two cloud dots before the gap closes, got clock=%v cloud=%v", ctx.Clock, ctx.Cloud)
	}

	ctx.Add(Dot{Client: 7, Counter: 1})
	if ctx.Clock[7] != 3 {
		t.Fatalf("expected clock 3 after gap closed, got %d", ctx.Clock[7])
	}
	if len(ctx.Cloud) != 0 {
		t.Fatalf("expected empty cloud, got %v", ctx.Cloud)
	}
	if !ctx.Contains(Dot{Client: 7, Counter: 2}) {
		t.Fatal("expected dot 7#2 to be contained")
	}
}

func TestDotContextIgnoresKnownDots(t *testing.T) {
	ctx := NewDotContext()
	ctx.NextDot(1)
	ctx.NextDot(1)

	ctx.Add(Dot{Client: 1, Counter: 1})
	ctx.Add(Dot{Client: 1, Counter: 4})
	ctx.Add(Dot{Client: 1, Counter: 4})
	if ctx.Clock[1] != 2 || len(ctx.Cloud) != 1 {
		t.Fatalf("unexpected context clock=%v cloud=%v", ctx.Clock, ctx.Cloud)
	}
	if ctx.Contains(Dot{Client: 1, Counter: 3}) {
		t.Fatal("dot 1#3 was never added")
	}
}

// -------------------------------------------------------------------------
// 2. Local transactions
// -------------------------------------------------------------------------

func TestTransactInsertDelete(t *testing.T) {
	d, a := newReplica(1)
	push(t, d, a, "a", "b", "c")
	set(t, d, a, 1, "x")

	if got := a.ToSlice(); !reflect.DeepEqual(got, []string{"a", "x", "c"}) {
		t.Fatalf("unexpected sequence %v", got)
	}
}

func TestTransactSingleNotification(t *testing.T) {
	d, a := newReplica(1)
	calls := 0
	a.Observe(func(Event) { calls++ })

	push(t, d, a, "a", "b", "c", "d")
	if calls != 1 {
		t.Fatalf("expected one notification per transaction, got %d", calls)
	}

	set(t, d, a, 0, "z")
	if calls != 2 {
		t.Fatalf("expected two notifications, got %d", calls)
	}
}

func TestTransactRollbackOnError(t *testing.T) {
	d, a := newReplica(1)
	push(t, d, a, "a", "b")
	before := d.StateVector()

	calls := 0
	a.Observe(func(Event) { calls++ })

	err := d.Transact(nil, func(tx *Txn) error {
		if err := tx.Delete(a, 0, 1); err != nil {
			return err
		}
		if err := tx.Insert(a, 0, "q"); err != nil {
			return err
		}
		return tx.Insert(a, 10, "never")
	})
	if !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if got := a.ToSlice(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("rollback left %v", got)
	}
	if !reflect.DeepEqual(d.StateVector(), before) {
		t.Fatalf("rollback left clock %v, want %v", d.StateVector(), before)
	}
	if calls != 0 {
		t.Fatalf("aborted transaction must not notify, got %d", calls)
	}

	// the replica keeps working after a rollback
	set(t, d, a, 1, "y")
	if got := a.ToSlice(); !reflect.DeepEqual(got, []string{"a", "y"}) {
		t.Fatalf("unexpected sequence after rollback %v", got)
	}
}

func TestGetOutOfRange(t *testing.T) {
	d, a := newReplica(1)
	push(t, d, a, "a")
	for _, idx := range []int{-1, 1, 64} {
		if _, err := a.Get(idx); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Get(%d): expected ErrIndexOutOfRange, got %v", idx, err)
		}
	}
}

// -------------------------------------------------------------------------
// 3. Merge: commutativity, idempotence, causality
// -------------------------------------------------------------------------

func TestConcurrentInsertsConverge(t *testing.T) {
	a, arrA := newReplica(1)
	b, arrB := newReplica(2)

	ua := push(t, a, arrA, "a1", "a2")
	ub := push(t, b, arrB, "b1")

	left, arrL := newReplica(3)
	left.ApplyUpdate(ua, nil)
	left.ApplyUpdate(ub, nil)

	right, arrR := newReplica(4)
	right.ApplyUpdate(ub, nil)
	right.ApplyUpdate(ua, nil)

	if !reflect.DeepEqual(arrL.ToSlice(), arrR.ToSlice()) {
		t.Fatalf("merge is not commutative: %v vs %v", arrL.ToSlice(), arrR.ToSlice())
	}
	if arrL.Len() != 3 {
		t.Fatalf("expected 3 elements, got %v", arrL.ToSlice())
	}
}

func TestMergeIdempotent(t *testing.T) {
	a, arrA := newReplica(1)
	u := push(t, a, arrA, "x", "y")

	b, arrB := newReplica(2)
	calls := 0
	arrB.Observe(func(Event) { calls++ })

	b.ApplyUpdate(u, nil)
	b.ApplyUpdate(u, nil)
	b.ApplyUpdate(a.EncodeStateAsUpdate(nil), nil)

	if got := arrB.ToSlice(); !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Fatalf("merge is not idempotent: %v", got)
	}
	if calls != 1 {
		t.Fatalf("duplicate updates must not notify, got %d notifications", calls)
	}
}

func TestOutOfOrderDeliveryIsParked(t *testing.T) {
	a, arrA := newReplica(1)
	u1 := push(t, a, arrA, "a", "b")
	u2 := set(t, a, arrA, 1, "c")

	b, arrB := newReplica(2)
	if err := b.ApplyUpdate(u2, nil); err != nil {
		t.Fatalf("apply u2: %v", err)
	}
	if arrB.Len() != 0 || b.PendingCount() != 1 {
		t.Fatalf("expected u2 parked, len=%d pending=%d", arrB.Len(), b.PendingCount())
	}

	if err := b.ApplyUpdate(u1, nil); err != nil {
		t.Fatalf("apply u1: %v", err)
	}
	if b.PendingCount() != 0 {
		t.Fatalf("expected pending drained, got %d", b.PendingCount())
	}
	if got := arrB.ToSlice(); !reflect.DeepEqual(got, arrA.ToSlice()) {
		t.Fatalf("expected %v, got %v", arrA.ToSlice(), got)
	}
}

func TestDisjointWritesConvergeAfterPartition(t *testing.T) {
	a, arrA := newReplica(1)
	push(t, a, arrA, "0", "1", "2", "3", "4", "5", "6", "7")

	b, arrB := newReplica(2)
	exchange(t, a, b)

	// partitioned: disjoint index writes
	set(t, a, arrA, 1, "A1")
	set(t, a, arrA, 3, "A3")
	set(t, b, arrB, 5, "B5")
	set(t, b, arrB, 6, "B6")

	exchange(t, a, b)

	want := []string{"0", "A1", "2", "A3", "4", "B5", "B6", "7"}
	if got := arrA.ToSlice(); !reflect.DeepEqual(got, want) {
		t.Fatalf("replica A: want %v, got %v", want, got)
	}
	if got := arrB.ToSlice(); !reflect.DeepEqual(got, want) {
		t.Fatalf("replica B: want %v, got %v", want, got)
	}
}

func TestConcurrentSetSameIndexConverges(t *testing.T) {
	a, arrA := newReplica(1)
	push(t, a, arrA, "0", "1", "2")
	b, arrB := newReplica(2)
	exchange(t, a, b)

	set(t, a, arrA, 1, "from-a")
	set(t, b, arrB, 1, "from-b")
	exchange(t, a, b)

	if !reflect.DeepEqual(arrA.ToSlice(), arrB.ToSlice()) {
		t.Fatalf("replicas diverged: %v vs %v", arrA.ToSlice(), arrB.ToSlice())
	}
	// delete-then-insert keeps both writes: the cell drifts to two elements
	if arrA.Len() != 4 {
		t.Fatalf("expected both concurrent writes kept, got %v", arrA.ToSlice())
	}
}

func TestMalformedUpdateRejected(t *testing.T) {
	d, _ := newReplica(1)
	err := d.ApplyUpdate(Update{Inserts: []InsertOp{{Array: "colors"}}}, nil)
	if !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("expected ErrMalformedUpdate, got %v", err)
	}
}

// -------------------------------------------------------------------------
// 4. GC
// -------------------------------------------------------------------------

func TestGCClearsTombstonePayload(t *testing.T) {
	d, a := newReplica(1)
	push(t, d, a, "a", "b")
	set(t, d, a, 0, "c")

	if cleared := d.GC(); cleared != 1 {
		t.Fatalf("expected 1 cleared tombstone, got %d", cleared)
	}
	if got := a.ToSlice(); !reflect.DeepEqual(got, []string{"c", "b"}) {
		t.Fatalf("gc changed live content: %v", got)
	}

	// a fresh replica still converges from the collected state
	other, arrO := newReplica(2)
	other.ApplyUpdate(d.EncodeStateAsUpdate(nil), nil)
	if !reflect.DeepEqual(arrO.ToSlice(), a.ToSlice()) {
		t.Fatalf("expected %v, got %v", a.ToSlice(), arrO.ToSlice())
	}
}

func TestObserverCancel(t *testing.T) {
	d, a := newReplica(1)
	calls := 0
	cancel := a.Observe(func(Event) { calls++ })
	if a.Observers() != 1 {
		t.Fatalf("expected 1 observer, got %d", a.Observers())
	}
	cancel()
	cancel()
	push(t, d, a, "a")
	if calls != 0 || a.Observers() != 0 {
		t.Fatalf("observer still registered: calls=%d observers=%d", calls, a.Observers())
	}
}

func TestNewClientIDNonZero(t *testing.T) {
	for i := 0; i < 100; i++ {
		if NewClientID() == 0 {
			t.Fatal("client id must not be zero")
		}
	}
}
