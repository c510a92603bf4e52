package projection

import (
	"context"
	"sync"

	"github.com/heitortanoue/crdtboard/pkg/crdt"
)

// Source is the observable sequence a Projection mirrors.
type Source interface {
	Snapshot() []string
	Observe(fn func(crdt.Event)) func()
}

// Listener receives a fresh snapshot after every committed change.
type Listener func(colors []string)

// Projection turns store notifications into plain snapshots for UI-style
// consumers. Each subscription holds exactly one store observer.
type Projection struct {
	source Source

	mutex sync.Mutex
	subs  int
}

// New returns a projection over source.
func New(source Source) *Projection {
	return &Projection{source: source}
}

// Snapshot returns the current colors.
func (p *Projection) Snapshot() []string {
	return p.source.Snapshot()
}

// Subscribe registers listener and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (p *Projection) Subscribe(listener Listener) func() {
	cancel := p.source.Observe(func(crdt.Event) {
		listener(p.source.Snapshot())
	})

	p.mutex.Lock()
	p.subs++
	p.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			p.mutex.Lock()
			p.subs--
			p.mutex.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (p *Projection) Subscribers() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.subs
}

// Watch streams snapshots until ctx is done: the current one first, then
// the latest one after each change. A slow reader skips intermediate
// snapshots rather than blocking writers.
func (p *Projection) Watch(ctx context.Context) <-chan []string {
	out := make(chan []string, 1)
	out <- p.source.Snapshot()

	notify := make(chan struct{}, 1)
	unsubscribe := p.Subscribe(func([]string) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
			snap := p.source.Snapshot()
			// replace an unread snapshot with the newer one
			select {
			case <-out:
			default:
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
