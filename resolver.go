package nest

import (
	"context"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vango-dev/nest/internal/errors"
	"github.com/vango-dev/nest/pkg/remote"
)

// Dependent sources. Each child and each named field owns the dependents
// it derived.
const (
	childSource = "c:"
	fieldSource = "f:"
)

// Subscribe watches every descriptor and, recursively, the dependents
// derived from their data. Descriptors sharing a key with a live entry
// share its watch.
//
// If any descriptor is invalid nothing is subscribed.
func (e *Engine) Subscribe(descs ...Descriptor) CancelFunc {
	cancel, _ := e.SubscribeWithCompletion(descs...)
	return cancel
}

// SubscribeWithCompletion is Subscribe with a completion that resolves
// once the initial data of the call arrived.
func (e *Engine) SubscribeWithCompletion(descs ...Descriptor) (CancelFunc, *Completion) {
	_, span := e.tracer.Start(context.Background(), "nest.Subscribe")
	defer span.End()
	span.SetAttributes(attribute.Int("nest.descriptors", len(descs)))

	e.lock()
	defer e.unlock()

	t := newTracker(e)
	if err := e.admit(descs); err != nil {
		span.SetStatus(codes.Error, err.Error())
		t.done = true
		t.comp.settle(err)
		e.metrics.Completed(outcome(err), 0)
		return noopCancel, t.comp
	}

	e.nextCall++
	c := &call{
		id:      e.nextCall,
		tracker: t,
		done:    make(chan struct{}),
	}
	e.calls[c.id] = c
	e.metrics.Subscribed()

	for _, d := range descs {
		c.keys = append(c.keys, d.Key)
		e.acquire(resolve(d))
	}
	span.SetAttributes(attribute.String("nest.keys", strings.Join(c.keys, ",")))

	for _, key := range c.keys {
		t.track(key)
	}
	t.check()

	return e.cancelFunc(c), t.comp
}

func (e *Engine) admit(descs []Descriptor) error {
	if e.closed {
		return ErrClosed
	}
	for _, d := range descs {
		if err := d.validate(); err != nil {
			e.logger.Warn("invalid descriptor", "key", d.Key, "error", err)
			e.metrics.Error(errors.CodeOf(err))
			return err
		}
	}
	return nil
}

// acquire takes one reference on the entry for t, opening its watch when
// the entry is new.
func (e *Engine) acquire(t target) *entry {
	if ent := e.reg.get(t.Key); ent != nil {
		ent.refs++
		if ent.fp != t.fp {
			// The entry keeps the descriptor it was opened with.
			e.logger.Debug("key already watched by another descriptor",
				"key", t.Key,
				"path", ent.q.String(),
				"ignored", t.q.String(),
			)
		}
		return ent
	}

	d := t.Descriptor
	ent := newEntry(t)
	ent.refs = 1
	e.reg.put(ent)
	if d.conflict() {
		e.reportConflict(ent)
	}

	e.emit(Notice{Type: NoticeWillSubscribe, Key: d.Key, Descriptor: &d})

	q := ent.q
	w, err := e.svc.Watch(q, d.watchMode(), remote.Handler{
		OnEvent: func(ev remote.Event) { e.handleEvent(ent, ev) },
		OnError: func(err error) { e.handleError(ent, err) },
	})
	if err != nil {
		ent.err = newError("N004", d.Key).WithPath(q.Path).Wrap(err)
		e.logger.Error("remote watch failed", "key", d.Key, "path", q.String(), "error", err)
		e.metrics.Error("N004")
	} else {
		ent.watch = w
		e.metrics.WatchOpened()
		e.logger.Debug("watch opened", "key", d.Key, "path", q.String(), "mode", d.Mode.String())
	}

	e.emit(Notice{Type: NoticeSubscribed, Key: d.Key, Descriptor: &d})
	return ent
}

// release drops one reference on key. The last reference closes the watch,
// releases the dependents and deletes the slot unless it is retained.
func (e *Engine) release(key string) {
	ent := e.reg.get(key)
	if ent == nil {
		return
	}
	ent.refs--
	if ent.refs > 0 {
		return
	}

	e.emit(Notice{Type: NoticeWillUnsubscribe, Key: key})
	e.reg.remove(key)
	if ent.watch != nil {
		if err := ent.watch.Close(); err != nil {
			e.logger.Debug("watch close failed", "key", key, "error", err)
		}
		e.metrics.WatchClosed()
		e.logger.Debug("watch closed", "key", key)
	}

	deps := ent.deps
	ent.deps = nil
	for _, source := range sortedKeys(deps) {
		for _, dep := range sortedKeys(deps[source]) {
			if d := e.reg.get(dep); d != nil {
				d.owners.Remove(key)
			}
			e.release(dep)
		}
	}

	for _, t := range ent.waiters.ToSlice() {
		ent.waiters.Remove(t)
		t.forget(key)
	}

	if !e.cfg.RetainSlots && !ent.desc.KeepSlot {
		e.queue.Add(func() { e.store.Delete(key) })
	}
	e.emit(Notice{Type: NoticeUnsubscribed, Key: key})
}

type sourceChange struct {
	source string
	prev   map[string]uint64
	next   map[string]uint64
	descs  []target
}

func (c sourceChange) kept(key string) bool {
	prev, had := c.prev[key]
	next, has := c.next[key]
	return had && has && prev == next
}

// setSources replaces the dependents held by each source in want. Every
// new dependent is checked against the owner chain of ent before anything
// changes; a cycle returns an N001 error and leaves ent untouched.
//
// New dependents are acquired before old ones are released, so a key that
// moves from one source to another keeps its watch.
func (e *Engine) setSources(ent *entry, want map[string][]Descriptor) error {
	var chain mapset.Set[string]
	changes := make([]sourceChange, 0, len(want))

	for _, source := range sortedKeys(want) {
		c := sourceChange{
			source: source,
			prev:   ent.deps[source],
			next:   make(map[string]uint64),
		}
		for _, d := range want[source] {
			if err := d.validate(); err != nil {
				e.logger.Warn("invalid dependent descriptor", "owner", ent.key, "key", d.Key, "error", err)
				e.metrics.Error("N005")
				continue
			}
			if _, dup := c.next[d.Key]; dup {
				continue
			}
			t := resolve(d)
			c.next[d.Key] = t.fp
			c.descs = append(c.descs, t)
			if c.kept(d.Key) {
				continue
			}
			if chain == nil {
				chain = e.reg.chain(ent.key)
			}
			if chain.Contains(d.Key) {
				return newError("N001", d.Key).
					WithDetail("dependent of " + ent.key + " is already on its chain").
					WithSuggestion("Check the dependent descriptors of " + ent.key)
			}
		}
		changes = append(changes, c)
	}

	for _, c := range changes {
		if len(c.next) == 0 {
			delete(ent.deps, c.source)
		} else {
			ent.deps[c.source] = c.next
		}
	}
	for _, c := range changes {
		for _, t := range c.descs {
			if c.kept(t.Key) {
				continue
			}
			dep := e.acquire(t)
			dep.owners.Add(ent.key)
		}
	}
	for _, c := range changes {
		for _, key := range sortedKeys(c.prev) {
			if c.kept(key) {
				continue
			}
			e.dropEdge(ent, key)
			e.release(key)
		}
	}
	return nil
}

// dropEdge removes ent from the owners of key once no source of ent holds
// key any more.
func (e *Engine) dropEdge(ent *entry, key string) {
	if ent.holds(key) {
		return
	}
	if dep := e.reg.get(key); dep != nil {
		dep.owners.Remove(ent.key)
	}
}

// abortCycle rolls back every call rooted in the owner chain of ent.
func (e *Engine) abortCycle(ent *entry, err error) {
	_, span := e.tracer.Start(context.Background(), "nest.cycle")
	span.SetAttributes(
		attribute.String("nest.key", ent.key),
		attribute.String("nest.dependent", errors.FromError(err, "N001").Key),
	)
	span.SetStatus(codes.Error, err.Error())
	defer span.End()

	e.logger.Warn("subscription cycle", "key", ent.key, "error", err)
	e.metrics.Error("N001")

	chain := e.reg.chain(ent.key)
	for _, c := range e.sortedCalls() {
		for _, key := range c.keys {
			if chain.Contains(key) {
				e.finishCall(c, err)
				break
			}
		}
	}
}

func (e *Engine) reportConflict(ent *entry) {
	if ent.conflictReported {
		return
	}
	ent.conflictReported = true
	err := newError("N003", ent.key).
		WithDetail("TransformValue and TransformChild are both set; TransformChild is ignored")
	e.logger.Warn("descriptor configuration conflict", "key", ent.key, "error", err)
	e.metrics.Error("N003")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
