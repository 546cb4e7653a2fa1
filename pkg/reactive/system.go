package reactive

import "sync"

// Listener is anything that can be notified when a source changes.
type Listener interface {
	// MarkDirty notifies the listener that one of its sources changed.
	MarkDirty()

	// ID returns a unique identifier used for deduplication in batches.
	ID() uint64
}

// Scheduler runs a notification. The default runs it immediately.
type Scheduler func(notify func())

// System holds batch state shared by a family of signals.
type System struct {
	mu       sync.Mutex
	depth    int
	pending  []Listener
	schedule Scheduler
}

// Option configures a System.
type Option func(*System)

// WithScheduler routes listener notifications through fn.
func WithScheduler(fn Scheduler) Option {
	return func(s *System) {
		s.schedule = fn
	}
}

// NewSystem creates a System.
func NewSystem(opts ...Option) *System {
	s := &System{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Batch groups signal updates so that each affected listener is notified
// once after fn returns. Batches nest; only the outermost one notifies.
func (s *System) Batch(fn func()) {
	s.StartBatch()
	defer s.EndBatch()
	fn()
}

// StartBatch opens a batch. Every StartBatch must be paired with EndBatch.
func (s *System) StartBatch() {
	s.mu.Lock()
	s.depth++
	s.mu.Unlock()
}

// EndBatch closes a batch and notifies pending listeners when the
// outermost batch completes.
func (s *System) EndBatch() {
	s.mu.Lock()
	s.depth--
	if s.depth > 0 {
		s.mu.Unlock()
		return
	}
	if s.depth < 0 {
		s.depth = 0
	}
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.notify(dedupe(pending))
}

// enqueue queues listeners when batching and reports whether it did.
func (s *System) enqueue(listeners []Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		return false
	}
	s.pending = append(s.pending, listeners...)
	return true
}

func (s *System) notify(listeners []Listener) {
	for _, l := range listeners {
		if s.schedule != nil {
			s.schedule(l.MarkDirty)
		} else {
			l.MarkDirty()
		}
	}
}

func dedupe(listeners []Listener) []Listener {
	if len(listeners) < 2 {
		return listeners
	}
	seen := make(map[uint64]struct{}, len(listeners))
	unique := listeners[:0:0]
	for _, l := range listeners {
		id := l.ID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, l)
	}
	return unique
}
