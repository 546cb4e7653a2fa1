package nest

import (
	"sort"
	"strconv"
)

// NoticeType identifies an engine notice.
type NoticeType int

const (
	NoticeWillSubscribe NoticeType = iota + 1
	NoticeSubscribed
	NoticeWillUnsubscribe
	NoticeUnsubscribed
	NoticeData
)

// String returns the notice name.
func (t NoticeType) String() string {
	switch t {
	case NoticeWillSubscribe:
		return "will_subscribe"
	case NoticeSubscribed:
		return "subscribed"
	case NoticeWillUnsubscribe:
		return "will_unsubscribe"
	case NoticeUnsubscribed:
		return "unsubscribed"
	case NoticeData:
		return "data"
	default:
		return "notice(" + strconv.Itoa(int(t)) + ")"
	}
}

// Notice is one lifecycle or data event published to listeners.
type Notice struct {
	Type NoticeType
	Key  string

	// Descriptor is set for subscribe notices.
	Descriptor *Descriptor

	// Data is set for data notices.
	Data *Data
}

// Listen registers fn for every notice. Notices are delivered in the order
// they were queued, after the drain that contains them. The returned
// function unregisters fn.
func (e *Engine) Listen(fn func(Notice)) (stop func()) {
	e.listenMu.Lock()
	e.nextListener++
	id := e.nextListener
	e.listeners[id] = fn
	e.listenMu.Unlock()

	return func() {
		e.listenMu.Lock()
		delete(e.listeners, id)
		e.listenMu.Unlock()
	}
}

// emit queues a lifecycle notice behind the mutations queued so far.
func (e *Engine) emit(n Notice) {
	e.queue.Add(func() {
		e.outbox = append(e.outbox, func() { e.notify(n) })
	})
}

// notify runs the hook for n and publishes it. It runs on the delivery
// goroutine.
func (e *Engine) notify(n Notice) {
	h := e.cfg.Hooks
	switch n.Type {
	case NoticeWillSubscribe:
		if h.OnWillSubscribe != nil {
			h.OnWillSubscribe(*n.Descriptor)
		}
	case NoticeSubscribed:
		if h.OnSubscribed != nil {
			h.OnSubscribed(*n.Descriptor)
		}
	case NoticeWillUnsubscribe:
		if h.OnWillUnsubscribe != nil {
			h.OnWillUnsubscribe(n.Key)
		}
	case NoticeUnsubscribed:
		if h.OnUnsubscribed != nil {
			h.OnUnsubscribed(n.Key)
		}
	case NoticeData:
		if h.OnDataApplied != nil {
			h.OnDataApplied(*n.Data)
		}
	}
	e.publish(n)
}

func (e *Engine) publish(n Notice) {
	e.listenMu.Lock()
	ids := make([]uint64, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Notice), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.listenMu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}
