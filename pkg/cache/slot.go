// Package cache holds the materialized data for active subscriptions.
//
// Each key maps to a Slot: an ordered map of children. Whole values replace
// a slot's contents, child deltas upsert or delete single entries. Scalar
// values are wrapped under PrimitiveKey so every slot has the same shape.
//
// A Store is mutated by one writer at a time; Slot readers may run on any
// goroutine. Every slot shares its store's lock, so a reader never sees a
// batch applied through Store.Apply half way.
package cache

import (
	"sort"
	"strconv"
	"sync"
)

// PrimitiveKey wraps scalar values stored in a slot.
const PrimitiveKey = "_primitive"

// Entry is one child of a slot.
type Entry struct {
	Key   string
	Value any
}

// Slot is the reactive container for one subscription key.
type Slot struct {
	key string

	mu      *sync.RWMutex
	keys    []string
	values  map[string]any
	isArray bool
}

func newSlot(key string, mu *sync.RWMutex) *Slot {
	return &Slot{key: key, mu: mu, values: make(map[string]any)}
}

// Key returns the subscription key of the slot.
func (s *Slot) Key() string {
	return s.key
}

// Get returns one child.
func (s *Slot) Get(child string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[child]
	return v, ok
}

// Has reports whether child is present.
func (s *Slot) Has(child string) bool {
	_, ok := s.Get(child)
	return ok
}

// Len returns the number of children.
func (s *Slot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Keys returns child keys in display order.
func (s *Slot) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.keys...)
}

// Entries returns the children in display order.
func (s *Slot) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.keys))
	for i, k := range s.keys {
		out[i] = Entry{Key: k, Value: s.values[k]}
	}
	return out
}

// Map returns a shallow copy of the children.
func (s *Slot) Map() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Primitive returns the wrapped scalar of a slot loaded from a non-object
// value.
func (s *Slot) Primitive() (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primitive()
}

func (s *Slot) primitive() (any, bool) {
	if len(s.keys) != 1 || s.keys[0] != PrimitiveKey {
		return nil, false
	}
	return s.values[PrimitiveKey], true
}

// IsArray reports whether the slot was loaded from an array.
func (s *Slot) IsArray() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isArray
}

// Plain converts the slot back into a plain value: the scalar for a
// primitive slot, a slice for an array slot, otherwise a map.
func (s *Slot) Plain() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plain()
}

func (s *Slot) plain() any {
	if v, ok := s.primitive(); ok {
		return v
	}
	if s.isArray {
		out := make([]any, len(s.keys))
		for i, k := range s.keys {
			out[i] = s.values[k]
		}
		return out
	}
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// load replaces the contents with v. The mutators below run with the
// store lock held for writing.
func (s *Slot) load(v any, order []string) {
	s.keys = s.keys[:0]
	s.values = make(map[string]any)
	s.isArray = false

	switch t := v.(type) {
	case nil:
	case map[string]any:
		if order == nil {
			order = make([]string, 0, len(t))
			for k := range t {
				order = append(order, k)
			}
			sort.Strings(order)
		}
		for _, k := range order {
			if cv, ok := t[k]; ok {
				s.set(k, cv)
			}
		}
		// keys missing from order keep ascending order after the ordered ones
		if len(s.keys) < len(t) {
			rest := make([]string, 0, len(t)-len(s.keys))
			for k := range t {
				if _, ok := s.values[k]; !ok {
					rest = append(rest, k)
				}
			}
			sort.Strings(rest)
			for _, k := range rest {
				s.set(k, t[k])
			}
		}
	case []any:
		s.isArray = true
		for i, cv := range t {
			s.set(strconv.Itoa(i), cv)
		}
	default:
		s.set(PrimitiveKey, v)
	}
}

// upsert sets one child. New keys are appended.
func (s *Slot) upsert(child string, v any) {
	s.set(child, v)
}

// remove deletes one child and reports whether it existed.
func (s *Slot) remove(child string) bool {
	if _, ok := s.values[child]; !ok {
		return false
	}
	delete(s.values, child)
	for i, k := range s.keys {
		if k == child {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return true
}

func (s *Slot) set(child string, v any) {
	if _, ok := s.values[child]; !ok {
		s.keys = append(s.keys, child)
	}
	s.values[child] = v
}
