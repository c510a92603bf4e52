package crdt

import "errors"

var (
	// ErrIndexOutOfRange is returned when a read or write names a position
	// outside the current bounds of an array.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrMalformedUpdate is returned when a remote update carries an
	// operation that can never be integrated.
	ErrMalformedUpdate = errors.New("malformed update")
)

// InsertOp places Value right of Origin in the named array.
type InsertOp struct {
	Array   string `json:"array"`
	ID      Dot    `json:"id"`
	Origin  Dot    `json:"origin"`
	Lamport uint64 `json:"lamport"`
	Value   string `json:"value"`
}

// DeleteOp tombstones the element created by Target.
type DeleteOp struct {
	Array  string `json:"array"`
	Target Dot    `json:"target"`
}

// Update is the unit of replication: every edit of one transaction, or the
// missing part of a replica state during sync.
type Update struct {
	Inserts []InsertOp `json:"inserts,omitempty"`
	Deletes []DeleteOp `json:"deletes,omitempty"`
}

// IsEmpty reports whether the update carries no operation.
func (u Update) IsEmpty() bool {
	return len(u.Inserts) == 0 && len(u.Deletes) == 0
}

// Arrays returns the names of the arrays touched by the update, in first-seen order.
func (u Update) Arrays() []string {
	seen := make(map[string]bool)
	var names []string
	for _, op := range u.Inserts {
		if !seen[op.Array] {
			seen[op.Array] = true
			names = append(names, op.Array)
		}
	}
	for _, op := range u.Deletes {
		if !seen[op.Array] {
			seen[op.Array] = true
			names = append(names, op.Array)
		}
	}
	return names
}

// Event is delivered to observers once per committed transaction.
type Event struct {
	Update Update
	Origin any
	Local  bool
}
