package nest

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Completion reports when a subscribe call loaded. It resolves once every
// descriptor of the call, and every dependent discovered while loading,
// received its first event. It rejects on a subscription cycle, a watch
// error or cancellation.
//
// A completion settles only after the cache mutations of the data that
// completed it were drained, so GetData observes that data.
type Completion struct {
	done chan struct{}
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Done is closed when the completion settles.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns nil while pending or after resolving, and the rejection
// error otherwise.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the completion settles or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Completion) settle(err error) {
	c.err = err
	close(c.done)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "resolved"
	case stderrors.Is(err, ErrCancelled), stderrors.Is(err, ErrClosed):
		return "cancelled"
	default:
		return "rejected"
	}
}

// tracker walks the entries a call waits for.
type tracker struct {
	e       *Engine
	comp    *Completion
	start   time.Time
	seen    mapset.Set[string]
	pending mapset.Set[string]
	done    bool
}

func newTracker(e *Engine) *tracker {
	return &tracker{
		e:       e,
		comp:    newCompletion(),
		start:   time.Now(),
		seen:    mapset.NewThreadUnsafeSet[string](),
		pending: mapset.NewThreadUnsafeSet[string](),
	}
}

// track waits for key, or for its dependents when it already loaded.
func (t *tracker) track(key string) {
	if t.done || !t.seen.Add(key) {
		return
	}
	ent := t.e.reg.get(key)
	if ent == nil {
		return
	}
	if ent.err != nil {
		t.finish(ent.err)
		return
	}
	if ent.loaded {
		t.trackDependents(ent)
		return
	}
	t.pending.Add(key)
	ent.waiters.Add(t)
}

func (t *tracker) trackDependents(ent *entry) {
	for _, dep := range sortedSet(ent.dependents()) {
		t.track(dep)
		if t.done {
			return
		}
	}
}

// loaded is called when ent received its first event.
func (t *tracker) loaded(ent *entry) {
	if t.done {
		return
	}
	t.pending.Remove(ent.key)
	t.trackDependents(ent)
	t.check()
}

// forget stops waiting for an entry that was released before loading.
func (t *tracker) forget(key string) {
	if t.done {
		return
	}
	t.pending.Remove(key)
	t.check()
}

func (t *tracker) check() {
	if !t.done && t.pending.Cardinality() == 0 {
		t.finish(nil)
	}
}

// finish settles the completion through the queue, after every mutation
// queued so far.
func (t *tracker) finish(err error) {
	if t.done {
		return
	}
	t.done = true
	t.pending.Each(func(key string) bool {
		if ent := t.e.reg.get(key); ent != nil {
			ent.waiters.Remove(t)
		}
		return false
	})
	t.pending.Clear()

	comp, start, m := t.comp, t.start, t.e.metrics
	t.e.queue.Add(func() {
		comp.settle(err)
		m.Completed(outcome(err), time.Since(start))
	})
}

func sortedSet(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
