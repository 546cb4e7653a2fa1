package remote

import "sync"

// Mailbox runs posted calls one at a time on its own goroutine. Service
// implementations use one per watch to keep handler calls ordered and off
// the caller's goroutine.
type Mailbox struct {
	mu       sync.Mutex
	calls    []func()
	wake     chan struct{}
	closed   bool
	draining bool
}

// NewMailbox starts a mailbox goroutine.
func NewMailbox() *Mailbox {
	m := &Mailbox{wake: make(chan struct{}, 1)}
	go m.loop()
	return m
}

// Post queues call. It is dropped once the mailbox is closed.
func (m *Mailbox) Post(call func()) {
	m.mu.Lock()
	if m.closed || m.draining {
		m.mu.Unlock()
		return
	}
	m.calls = append(m.calls, call)
	m.mu.Unlock()
	m.signal()
}

// Close drops pending calls and stops the goroutine. A call already running
// is allowed to finish. Close never blocks on it.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.calls = nil
	m.mu.Unlock()
	m.signal()
}

// CloseAfterDrain refuses new calls but still runs the queued ones.
func (m *Mailbox) CloseAfterDrain() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	m.signal()
}

func (m *Mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mailbox) loop() {
	for range m.wake {
		for {
			m.mu.Lock()
			if m.closed || len(m.calls) == 0 {
				done := m.closed || m.draining
				m.mu.Unlock()
				if done {
					return
				}
				break
			}
			call := m.calls[0]
			m.calls = m.calls[1:]
			m.mu.Unlock()
			call()
		}
	}
}
