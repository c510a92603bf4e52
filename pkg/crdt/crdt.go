package crdt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ClientID identifies a replica. It is assigned per connection and never persisted.
type ClientID uint64

// NewClientID draws a random non-zero 32-bit replica identifier.
func NewClientID() ClientID {
	for {
		u := uuid.New()
		if id := ClientID(binary.BigEndian.Uint32(u[:4])); id != 0 {
			return id
		}
	}
}

// Dot uniquely identifies each insert operation on a replica.
// The zero Dot is used as the "head" origin of a sequence.
type Dot struct {
	Client  ClientID `json:"client"`
	Counter uint64   `json:"counter"`
}

// String provides a printable form of the dot.
func (d Dot) String() string {
	return fmt.Sprintf("%d#%d", d.Client, d.Counter)
}

// IsZero reports whether d is the head marker.
func (d Dot) IsZero() bool {
	return d.Counter == 0
}

// VectorClock maps each replica to the highest counter integrated without
// gaps. It doubles as the state vector of two-step sync.
type VectorClock map[ClientID]uint64

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// DotContext records which inserts a replica has integrated. Dots that
// arrive ahead of a gap wait in Cloud until the gap closes.
type DotContext struct {
	Clock VectorClock
	Cloud map[Dot]struct{}
}

// NewDotContext creates an empty DotContext.
func NewDotContext() *DotContext {
	return &DotContext{
		Clock: make(VectorClock),
		Cloud: make(map[Dot]struct{}),
	}
}

// Contains reports whether d has been integrated.
func (ctx *DotContext) Contains(d Dot) bool {
	if d.Counter <= ctx.Clock[d.Client] {
		return true
	}
	_, ok := ctx.Cloud[d]
	return ok
}

// NextDot advances the local clock for client and returns a fresh dot.
func (ctx *DotContext) NextDot(client ClientID) Dot {
	ctx.Clock[client]++
	return Dot{Client: client, Counter: ctx.Clock[client]}
}

// Add records d. A dot right after the clock extends it, pulling in any
// cloud dots that become contiguous.
func (ctx *DotContext) Add(d Dot) {
	if ctx.Contains(d) {
		return
	}
	if d.Counter != ctx.Clock[d.Client]+1 {
		ctx.Cloud[d] = struct{}{}
		return
	}
	ctx.Clock[d.Client] = d.Counter
	for {
		next := Dot{Client: d.Client, Counter: ctx.Clock[d.Client] + 1}
		if _, ok := ctx.Cloud[next]; !ok {
			return
		}
		delete(ctx.Cloud, next)
		ctx.Clock[d.Client] = next.Counter
	}
}
