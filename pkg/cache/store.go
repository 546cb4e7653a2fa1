package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vango-dev/nest/pkg/reactive"
)

// ErrMissingSlot is returned for a child delta on a key that has no slot.
var ErrMissingSlot = errors.New("cache: missing slot")

// Store maps subscription keys to slots.
type Store struct {
	sys *reactive.System

	// mu guards slots and the contents of every slot.
	mu      sync.RWMutex
	slots   map[string]*Slot
	writing bool

	vmu      sync.Mutex
	versions map[string]*reactive.Signal[uint64]
}

// NewStore creates an empty store. Observers are notified through sys,
// so mutations made inside sys.Batch notify each observer once.
func NewStore(sys *reactive.System) *Store {
	if sys == nil {
		sys = reactive.NewSystem()
	}
	return &Store{
		sys:      sys,
		slots:    make(map[string]*Slot),
		versions: make(map[string]*reactive.Signal[uint64]),
	}
}

// Apply runs fn as one atomic batch: readers see the store either before
// or after fn, and observers are notified once when it returns. Mutations
// made by fn don't take the lock again. fn must not call Get or the Slot
// readers.
func (s *Store) Apply(fn func()) {
	s.sys.Batch(func() {
		s.mu.Lock()
		s.writing = true
		defer func() {
			s.writing = false
			s.mu.Unlock()
		}()
		fn()
	})
}

// write runs fn with the lock held for writing, unless Apply already
// holds it. Only the single writer reads s.writing.
func (s *Store) write(fn func()) {
	if s.writing {
		fn()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// Get returns the slot for key, or nil.
func (s *Store) Get(key string) *Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[key]
}

// Len returns the number of slots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Keys returns the slot keys in ascending order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.slots))
	for k := range s.slots {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// SetValue clears the slot for key, creating it if needed, and loads v.
// order gives the child order of an object value; nil sorts keys.
func (s *Store) SetValue(key string, v any, order []string) {
	s.write(func() {
		slot := s.slots[key]
		if slot == nil {
			slot = newSlot(key, &s.mu)
			s.slots[key] = slot
		}
		slot.load(v, order)
	})
	s.bump(key)
}

// SetChild upserts one child of key. A nil value deletes the child.
func (s *Store) SetChild(key, child string, v any) error {
	if v == nil {
		return s.RemoveChild(key, child)
	}
	var missing bool
	s.write(func() {
		slot := s.slots[key]
		if slot == nil {
			missing = true
			return
		}
		slot.upsert(child, v)
	})
	if missing {
		return fmt.Errorf("%w: %s", ErrMissingSlot, key)
	}
	s.bump(key)
	return nil
}

// RemoveChild deletes one child of key.
func (s *Store) RemoveChild(key, child string) error {
	var missing, removed bool
	s.write(func() {
		slot := s.slots[key]
		if slot == nil {
			missing = true
			return
		}
		removed = slot.remove(child)
	})
	if missing {
		return fmt.Errorf("%w: %s", ErrMissingSlot, key)
	}
	if removed {
		s.bump(key)
	}
	return nil
}

// Delete removes the slot for key and reports whether it existed. The
// version counter of an unobserved key is dropped with it.
func (s *Store) Delete(key string) bool {
	var ok bool
	s.write(func() {
		_, ok = s.slots[key]
		delete(s.slots, key)
	})
	if ok {
		s.bump(key)
		s.prune(key)
	}
	return ok
}

// Clear removes every slot.
func (s *Store) Clear() {
	s.sys.Batch(func() {
		var keys []string
		s.write(func() {
			keys = make([]string, 0, len(s.slots))
			for k := range s.slots {
				keys = append(keys, k)
			}
			s.slots = make(map[string]*Slot)
		})
		for _, k := range keys {
			s.bump(k)
			s.prune(k)
		}
	})
}

// Version returns a counter incremented by every mutation of key. It
// restarts at zero once an unobserved key was deleted.
func (s *Store) Version(key string) uint64 {
	s.vmu.Lock()
	sig := s.versions[key]
	s.vmu.Unlock()
	if sig == nil {
		return 0
	}
	return sig.Get()
}

// Observe calls fn with the current slot (nil once deleted) after every
// batch that changed key. It returns a function that stops observing.
func (s *Store) Observe(key string, fn func(*Slot)) (stop func()) {
	s.vmu.Lock()
	sig := s.version(key)
	dispose := reactive.NewEffect(func() { fn(s.Get(key)) }, sig)
	s.vmu.Unlock()

	return func() {
		dispose()
		if s.Get(key) == nil {
			s.prune(key)
		}
	}
}

// Dump exports every slot as a plain value.
func (s *Store) Dump() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.slots))
	for k, slot := range s.slots {
		out[k] = slot.plain()
	}
	return out
}

// Load sets one slot per key of data in one atomic batch.
func (s *Store) Load(data map[string]any) {
	s.Apply(func() {
		for k, v := range data {
			s.SetValue(k, v, nil)
		}
	})
}

// Versions returns the number of per-key version counters held.
func (s *Store) Versions() int {
	s.vmu.Lock()
	defer s.vmu.Unlock()
	return len(s.versions)
}

// version returns the counter for key, creating it. s.vmu must be held.
func (s *Store) version(key string) *reactive.Signal[uint64] {
	sig := s.versions[key]
	if sig == nil {
		sig = reactive.NewSignal(s.sys, uint64(0)).WithEquals(func(a, b uint64) bool { return a == b })
		s.versions[key] = sig
	}
	return sig
}

func (s *Store) bump(key string) {
	s.vmu.Lock()
	sig := s.version(key)
	s.vmu.Unlock()
	sig.Update(func(v uint64) uint64 { return v + 1 })
}

// prune drops the counter for key when nothing observes it.
func (s *Store) prune(key string) {
	s.vmu.Lock()
	defer s.vmu.Unlock()
	if sig := s.versions[key]; sig != nil && sig.Subscribers() == 0 {
		delete(s.versions, key)
	}
}
