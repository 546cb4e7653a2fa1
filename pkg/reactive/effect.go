package reactive

import (
	"sync"
	"sync/atomic"
)

// Effect re-runs fn whenever one of its sources changes.
type Effect struct {
	id       uint64
	fn       func()
	mu       sync.Mutex
	unsubs   []func()
	disposed atomic.Bool
}

// NewEffect subscribes fn to sources and returns a stop function. fn does
// not run on creation; it runs once per notification.
func NewEffect(fn func(), sources ...Source) (stop func()) {
	e := &Effect{id: nextID(), fn: fn}
	for _, src := range sources {
		e.unsubs = append(e.unsubs, src.Subscribe(e))
	}
	return e.Dispose
}

// MarkDirty runs the effect unless it was disposed.
func (e *Effect) MarkDirty() {
	if e.disposed.Load() {
		return
	}
	e.fn()
}

// ID implements Listener.
func (e *Effect) ID() uint64 {
	return e.id
}

// Dispose unsubscribes the effect from all sources. It is idempotent.
func (e *Effect) Dispose() {
	if !e.disposed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}
