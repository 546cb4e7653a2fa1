package nest

import (
	stderrors "errors"

	"github.com/vango-dev/nest/pkg/cache"
	"github.com/vango-dev/nest/pkg/remote"
)

// op is what an event does to a slot.
type op int

const (
	opDrop op = iota
	opFull
	opUpsert
	opDelete
)

// classify maps a descriptor mode and an event kind to a slot operation.
func classify(m Mode, k remote.Kind) op {
	switch m {
	case AsValue:
		switch k {
		case remote.KindValue:
			return opFull
		case remote.KindChildAdded, remote.KindChildChanged, remote.KindChildRemoved:
			return opDrop
		}
	case AsList:
		switch k {
		case remote.KindValue:
			return opFull
		case remote.KindChildAdded, remote.KindChildChanged:
			return opUpsert
		case remote.KindChildRemoved:
			return opDelete
		}
	}
	return opDrop
}

// handleEvent runs on the watch goroutine of ent.
func (e *Engine) handleEvent(ent *entry, ev remote.Event) {
	e.lock()
	defer e.unlock()
	if e.reg.get(ent.key) != ent || e.closed {
		return
	}
	e.metrics.Event(ev.Kind.String())

	o := classify(ent.desc.Mode, ev.Kind)
	if o == opDrop {
		e.logger.Warn("dropped event", "key", ent.key, "kind", ev.Kind.String(), "mode", ent.desc.Mode.String())
		return
	}

	if err := e.setSources(ent, e.derive(ent, o, ev.Snapshot)); err != nil {
		e.abortCycle(ent, err)
		return
	}

	e.apply(ent, o, ev)

	if !ent.loaded {
		ent.loaded = true
		for _, t := range ent.waiters.ToSlice() {
			ent.waiters.Remove(t)
			t.loaded(ent)
		}
	}
}

// handleError runs on the watch goroutine of ent.
func (e *Engine) handleError(ent *entry, cause error) {
	e.lock()
	defer e.unlock()
	if e.reg.get(ent.key) != ent || e.closed {
		return
	}
	err := newError("N004", ent.key).WithPath(ent.q.String()).Wrap(cause)
	ent.err = err
	e.logger.Error("remote watch failed", "key", ent.key, "error", cause)
	e.metrics.Error("N004")

	for _, t := range ent.waiters.ToSlice() {
		ent.waiters.Remove(t)
		t.finish(err)
	}
}

// derive returns the dependent descriptors implied by an event, keyed by
// source. Sources that are not returned keep their dependents.
func (e *Engine) derive(ent *entry, o op, snap remote.Snapshot) map[string][]Descriptor {
	d := ent.desc
	if d.ChildSubs == nil && len(d.FieldSubs) == 0 {
		return nil
	}
	want := make(map[string][]Descriptor)

	switch o {
	case opFull:
		fields, _ := snap.Value.(map[string]any)
		if d.ChildSubs != nil {
			for k, v := range fields {
				want[childSource+k] = d.ChildSubs(k, v)
			}
		}
		for _, fs := range d.FieldSubs {
			want[fieldSource+fs.Field] = append(want[fieldSource+fs.Field], fieldSubs(fs, fields[fs.Field])...)
		}
		for source := range ent.deps {
			if _, ok := want[source]; !ok {
				want[source] = nil
			}
		}
	case opUpsert:
		if d.ChildSubs != nil {
			want[childSource+snap.Key] = d.ChildSubs(snap.Key, snap.Value)
		}
		for _, fs := range d.FieldSubs {
			if fs.Field == snap.Key {
				want[fieldSource+fs.Field] = append(want[fieldSource+fs.Field], fieldSubs(fs, snap.Value)...)
			}
		}
	case opDelete:
		want[childSource+snap.Key] = nil
		want[fieldSource+snap.Key] = nil
	}
	return want
}

func fieldSubs(fs FieldSub, v any) []Descriptor {
	if v == nil || fs.Subs == nil {
		return nil
	}
	return fs.Subs(v)
}

// apply queues the slot mutation for an event. OnData, the OnDataApplied
// hook and listeners run after the drain that applied it.
func (e *Engine) apply(ent *entry, o op, ev remote.Event) {
	key := ent.key
	desc := ent.desc
	snap := ev.Snapshot
	data := Data{Kind: ev.Kind, Key: key}

	var mutate func() error
	switch o {
	case opFull:
		data.Value = transformValue(desc, snap.Value)
		order := snap.Order
		mutate = func() error {
			e.store.SetValue(key, data.Value, order)
			return nil
		}
	case opUpsert:
		data.Child = snap.Key
		data.Value = transformChild(desc, snap.Key, snap.Value)
		mutate = func() error { return e.store.SetChild(key, data.Child, data.Value) }
	case opDelete:
		data.Child = snap.Key
		mutate = func() error { return e.store.RemoveChild(key, data.Child) }
	default:
		return
	}

	e.queue.Add(func() {
		if err := mutate(); err != nil {
			if stderrors.Is(err, cache.ErrMissingSlot) {
				e.logger.Warn("dropped child event", "key", key, "child", data.Child,
					"error", newError("N002", key).Wrap(err))
				e.metrics.Error("N002")
				return
			}
			e.logger.Warn("cache write failed", "key", key, "error", err)
			return
		}
		e.outbox = append(e.outbox, func() {
			if desc.OnData != nil {
				desc.OnData(data)
			}
			e.notify(Notice{Type: NoticeData, Key: key, Data: &data})
		})
	})
}

// transformValue applies TransformValue, or TransformChild to each child
// of an object value.
func transformValue(d Descriptor, v any) any {
	if d.TransformValue != nil {
		return d.TransformValue(v)
	}
	if d.TransformChild == nil {
		return v
	}
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, child := range m {
		out[k] = d.TransformChild(k, child)
	}
	return out
}

// transformChild applies TransformChild unless TransformValue takes
// precedence.
func transformChild(d Descriptor, key string, v any) any {
	if d.TransformValue != nil || d.TransformChild == nil || v == nil {
		return v
	}
	return d.TransformChild(key, v)
}
