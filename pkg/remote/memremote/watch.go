package memremote

import (
	"sort"
	"sync"

	"github.com/vango-dev/nest/pkg/remote"
)

type watch struct {
	id      uint64
	svc     *Service
	query   remote.Query
	mode    remote.WatchMode
	handler remote.Handler
	box     *remote.Mailbox

	// last delivered view, guarded by svc.mu
	view  any
	order []string

	closeOnce sync.Once
}

func (w *watch) Close() error {
	w.closeOnce.Do(func() {
		w.box.Close()
		w.svc.drop(w.id)
	})
	return nil
}

func (w *watch) stop() {
	w.closeOnce.Do(w.box.Close)
}

func (w *watch) snapshot() remote.Snapshot {
	return remote.Snapshot{
		Key:   remote.LastSegment(w.query.Path),
		Value: deepCopy(w.view),
		Order: append([]string(nil), w.order...),
	}
}

func (w *watch) post(ev remote.Event) {
	h := w.handler.OnEvent
	if h == nil {
		return
	}
	w.box.Post(func() { h(ev) })
}

func (w *watch) fail(err error) {
	if h := w.handler.OnError; h != nil {
		w.box.Post(func() { h(err) })
	}
	w.box.CloseAfterDrain()
}

// refresh re-evaluates the query over raw and posts the difference.
func (w *watch) refresh(raw any) {
	next, order := w.query.Apply(raw)
	next = deepCopy(next)
	prev, prevOrder := w.view, w.order
	if equal(prev, next) && equalOrder(prevOrder, order) {
		return
	}
	w.view, w.order = next, order

	prevObj, prevIsObj := prev.(map[string]any)
	nextObj, nextIsObj := next.(map[string]any)
	if w.mode == remote.WatchValue || !(prevIsObj || prev == nil) || !(nextIsObj || next == nil) {
		w.post(remote.Event{Kind: remote.KindValue, Snapshot: w.snapshot()})
		return
	}

	for _, k := range sortedKeys(prevObj, prevOrder) {
		if _, ok := nextObj[k]; !ok {
			w.post(remote.Event{Kind: remote.KindChildRemoved, Snapshot: remote.Snapshot{Key: k, Value: deepCopy(prevObj[k])}})
		}
	}
	for _, k := range sortedKeys(nextObj, order) {
		old, had := prevObj[k]
		switch {
		case !had:
			w.post(remote.Event{Kind: remote.KindChildAdded, Snapshot: remote.Snapshot{Key: k, Value: deepCopy(nextObj[k])}})
		case !equal(old, nextObj[k]):
			w.post(remote.Event{Kind: remote.KindChildChanged, Snapshot: remote.Snapshot{Key: k, Value: deepCopy(nextObj[k])}})
		}
	}
}

func sortedKeys(m map[string]any, order []string) []string {
	if order != nil {
		return order
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func equalOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
