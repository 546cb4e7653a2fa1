package cache

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/nest/pkg/reactive"
)

func TestSetValueObjectUsesOrder(t *testing.T) {
	s := NewStore(nil)
	s.SetValue("msgs", map[string]any{"b": 2.0, "a": 1.0, "c": 3.0}, []string{"c", "a", "b"})

	slot := s.Get("msgs")
	require.NotNil(t, slot)
	assert.Equal(t, []string{"c", "a", "b"}, slot.Keys())
	v, ok := slot.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestSetValueSortsWithoutOrder(t *testing.T) {
	s := NewStore(nil)
	s.SetValue("k", map[string]any{"z": 1, "m": 2, "a": 3}, nil)
	assert.Equal(t, []string{"a", "m", "z"}, s.Get("k").Keys())
}

func TestSetValueWrapsPrimitive(t *testing.T) {
	s := NewStore(nil)
	s.SetValue("n", 42.0, nil)

	slot := s.Get("n")
	assert.Equal(t, []string{PrimitiveKey}, slot.Keys())
	v, ok := slot.Primitive()
	assert.True(t, ok)
	assert.Equal(t, 42.0, v)
	assert.Equal(t, 42.0, slot.Plain())
}

func TestSetValueArray(t *testing.T) {
	s := NewStore(nil)
	s.SetValue("arr", []any{"x", "y"}, nil)

	slot := s.Get("arr")
	assert.True(t, slot.IsArray())
	assert.Equal(t, []string{"0", "1"}, slot.Keys())
	assert.Equal(t, []any{"x", "y"}, slot.Plain())
}

func TestSetValueNilLeavesEmptySlot(t *testing.T) {
	s := NewStore(nil)
	s.SetValue("k", map[string]any{"a": 1}, nil)
	s.SetValue("k", nil, nil)

	slot := s.Get("k")
	require.NotNil(t, slot)
	assert.Equal(t, 0, slot.Len())
}

func TestSetValueIsIdempotent(t *testing.T) {
	v := map[string]any{"m1": map[string]any{"text": "hi"}, "m2": "x"}

	once := NewStore(nil)
	once.SetValue("k", v, nil)

	twice := NewStore(nil)
	twice.SetValue("k", v, nil)
	twice.SetValue("k", v, nil)

	assert.Equal(t, once.Get("k").Entries(), twice.Get("k").Entries())
}

func TestChildDeltasPreserveArrivalOrder(t *testing.T) {
	s := NewStore(nil)
	s.SetValue("list", map[string]any{"b": 1}, nil)

	require.NoError(t, s.SetChild("list", "a", 2))
	require.NoError(t, s.SetChild("list", "b", 3))
	assert.Equal(t, []string{"b", "a"}, s.Get("list").Keys())

	v, _ := s.Get("list").Get("b")
	assert.Equal(t, 3, v)

	require.NoError(t, s.RemoveChild("list", "b"))
	assert.Equal(t, []string{"a"}, s.Get("list").Keys())

	require.NoError(t, s.SetChild("list", "a", nil))
	assert.Equal(t, 0, s.Get("list").Len())
}

func TestChildDeltaWithoutSlot(t *testing.T) {
	s := NewStore(nil)
	assert.ErrorIs(t, s.SetChild("nope", "a", 1), ErrMissingSlot)
	assert.ErrorIs(t, s.RemoveChild("nope", "a"), ErrMissingSlot)
	assert.Nil(t, s.Get("nope"))
}

func TestDeleteAndClear(t *testing.T) {
	s := NewStore(nil)
	s.SetValue("a", 1, nil)
	s.SetValue("b", 2, nil)

	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	assert.Nil(t, s.Get("a"))

	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestObserveOncePerBatch(t *testing.T) {
	sys := reactive.NewSystem()
	s := NewStore(sys)

	var seen []int
	stop := s.Observe("list", func(slot *Slot) {
		if slot == nil {
			seen = append(seen, -1)
			return
		}
		seen = append(seen, slot.Len())
	})
	defer stop()

	sys.Batch(func() {
		s.SetValue("list", map[string]any{"a": 1}, nil)
		require.NoError(t, s.SetChild("list", "b", 2))
		require.NoError(t, s.SetChild("list", "c", 3))
	})
	assert.Equal(t, []int{3}, seen)

	s.Delete("list")
	assert.Equal(t, []int{3, -1}, seen)

	stop()
	s.SetValue("list", 1, nil)
	assert.Equal(t, []int{3, -1}, seen)
}

func TestDumpAndLoad(t *testing.T) {
	s := NewStore(nil)
	s.Load(map[string]any{
		"user": map[string]any{"first": "A"},
		"n":    7.0,
		"arr":  []any{"p", "q"},
	})

	assert.Equal(t, map[string]any{
		"user": map[string]any{"first": "A"},
		"n":    7.0,
		"arr":  []any{"p", "q"},
	}, s.Dump())
	assert.Equal(t, []string{"arr", "n", "user"}, s.Keys())
	assert.Equal(t, uint64(1), s.Version("user"))
}

func TestApplyIsAtomicForReaders(t *testing.T) {
	s := NewStore(nil)
	const n = 500

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		seen    = map[int]bool{}
		started = make(chan struct{})
		done    = make(chan struct{})
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		for {
			l := 0
			if slot := s.Get("list"); slot != nil {
				l = slot.Len()
			}
			mu.Lock()
			seen[l] = true
			mu.Unlock()
			select {
			case <-done:
				return
			default:
			}
		}
	}()
	<-started

	s.Apply(func() {
		s.SetValue("list", map[string]any{}, nil)
		for i := 0; i < n; i++ {
			require.NoError(t, s.SetChild("list", "c"+strconv.Itoa(i), i))
		}
	})
	close(done)
	wg.Wait()

	for l := range seen {
		assert.Contains(t, []int{0, n}, l, "reader saw a partial batch")
	}
	assert.Equal(t, n, s.Get("list").Len())
}

func TestApplyNotifiesOnce(t *testing.T) {
	s := NewStore(nil)
	var seen []int
	stop := s.Observe("k", func(slot *Slot) { seen = append(seen, slot.Len()) })
	defer stop()

	s.Apply(func() {
		s.SetValue("k", map[string]any{"a": 1}, nil)
		require.NoError(t, s.SetChild("k", "b", 2))
	})
	assert.Equal(t, []int{2}, seen)
	assert.Equal(t, uint64(2), s.Version("k"))
}

func TestVersionsDroppedWithUnobservedSlots(t *testing.T) {
	s := NewStore(nil)
	for i := 0; i < 1000; i++ {
		key := "k" + strconv.Itoa(i)
		s.SetValue(key, i, nil)
		require.True(t, s.Delete(key))
	}
	assert.Equal(t, 0, s.Versions())
	assert.Equal(t, uint64(0), s.Version("k1"))

	for i := 0; i < 100; i++ {
		s.SetValue("c"+strconv.Itoa(i), i, nil)
	}
	assert.Equal(t, 100, s.Versions())
	s.Clear()
	assert.Equal(t, 0, s.Versions())
}

func TestObservedVersionOutlivesDelete(t *testing.T) {
	s := NewStore(nil)
	calls := 0
	stop := s.Observe("k", func(*Slot) { calls++ })

	s.SetValue("k", 1, nil)
	s.Delete("k")
	assert.Equal(t, 1, s.Versions())
	assert.Equal(t, uint64(2), s.Version("k"))

	s.SetValue("k", 2, nil)
	assert.Equal(t, 3, calls)

	stop()
	assert.Equal(t, 1, s.Versions(), "slot still present")
	s.Delete("k")
	assert.Equal(t, 0, s.Versions())

	stop()
	s.Observe("gone", func(*Slot) {})()
	assert.Equal(t, 0, s.Versions())
}
