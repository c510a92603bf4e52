// Package observer provides the ordered listener registry shared by the
// document, presence and transport layers.
package observer

import "sync"

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Set is an ordered listener registry. Listeners run outside the registry
// lock so they may register or cancel other listeners. The zero value is
// ready to use.
type Set[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  []entry[T]
}

// Add registers fn and returns a function that removes it. Calling the
// returned function more than once is a no-op.
func (s *Set[T]) Add(fn func(T)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.fns = append(s.fns, entry[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.fns {
				if e.id == id {
					s.fns = append(s.fns[:i:i], s.fns[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit calls every registered listener with v, in registration order.
func (s *Set[T]) Emit(v T) {
	s.mu.Lock()
	fns := make([]entry[T], len(s.fns))
	copy(fns, s.fns)
	s.mu.Unlock()

	for _, e := range fns {
		e.fn(v)
	}
}

// Len returns the number of registered listeners.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}
