package reactive

import (
	"reflect"
	"sync"
)

// Source is something a listener can subscribe to.
type Source interface {
	Subscribe(l Listener) (unsubscribe func())
}

// signalBase provides type-erased subscriber management shared by signals.
type signalBase struct {
	id    uint64
	sys   *System
	subMu sync.RWMutex
	subs  []Listener
}

func (s *signalBase) subscribe(l Listener) {
	if l == nil {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()

	lid := l.ID()
	for _, existing := range s.subs {
		if existing.ID() == lid {
			return
		}
	}
	s.subs = append(s.subs, l)
}

func (s *signalBase) unsubscribe(l Listener) {
	if l == nil {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()

	lid := l.ID()
	for i, existing := range s.subs {
		if existing.ID() == lid {
			s.subs[i] = s.subs[len(s.subs)-1]
			s.subs = s.subs[:len(s.subs)-1]
			return
		}
	}
}

// notifySubscribers copies the subscriber list before notifying so no lock
// is held while listeners run.
func (s *signalBase) notifySubscribers() {
	s.subMu.RLock()
	subs := make([]Listener, len(s.subs))
	copy(subs, s.subs)
	s.subMu.RUnlock()

	if len(subs) == 0 {
		return
	}
	if s.sys.enqueue(subs) {
		return
	}
	s.sys.notify(subs)
}

// Signal is a reactive value container.
type Signal[T any] struct {
	base  signalBase
	mu    sync.RWMutex
	value T
	equal func(T, T) bool
}

// NewSignal creates a signal bound to sys.
func NewSignal[T any](sys *System, initial T) *Signal[T] {
	return &Signal[T]{
		base:  signalBase{id: nextID(), sys: sys},
		value: initial,
	}
}

// Get returns the current value.
func (s *Signal[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Update atomically replaces the value with fn(current).
func (s *Signal[T]) Update(fn func(T) T) {
	s.mu.Lock()
	old := s.value
	next := fn(old)
	changed := !s.equals(old, next)
	if changed {
		s.value = next
	}
	s.mu.Unlock()

	if changed {
		s.base.notifySubscribers()
	}
}

// Subscribe registers l and returns a function removing it.
func (s *Signal[T]) Subscribe(l Listener) func() {
	s.base.subscribe(l)
	return func() { s.base.unsubscribe(l) }
}

// Subscribers returns the number of subscribed listeners.
func (s *Signal[T]) Subscribers() int {
	s.base.subMu.RLock()
	defer s.base.subMu.RUnlock()
	return len(s.base.subs)
}

// WithEquals sets a custom equality function.
func (s *Signal[T]) WithEquals(fn func(T, T) bool) *Signal[T] {
	s.equal = fn
	return s
}

// ID returns the signal's unique identifier.
func (s *Signal[T]) ID() uint64 {
	return s.base.id
}

func (s *Signal[T]) equals(a, b T) bool {
	if s.equal != nil {
		return s.equal(a, b)
	}
	return reflect.DeepEqual(a, b)
}
