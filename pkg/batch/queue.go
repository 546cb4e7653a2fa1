// Package batch implements the time-coalesced call queue that funnels cache
// mutations into atomic drains.
//
// Calls accumulate until the queue has been quiet for Config.Delay or until
// MaxPending calls are waiting, whichever happens first. The Immediate policy
// runs every call as soon as it is added, which keeps tests deterministic.
//
// A Queue does not own a lock. Every method except the timer callback must
// be called with the Locker passed to New held; the timer acquires it.
package batch

import (
	"sync"
	"time"
)

const (
	// DefaultDelay is the quiet period before a drain.
	DefaultDelay = 20 * time.Millisecond

	// DefaultMaxPending is the queue size that forces a synchronous drain.
	DefaultMaxPending = 100
)

// Config configures a Queue.
type Config struct {
	// Delay is the quiet period after the last Add before the queue drains.
	// Zero means DefaultDelay.
	Delay time.Duration

	// MaxPending caps pending calls. Adding to a full queue drains it first.
	// Zero means DefaultMaxPending.
	MaxPending int

	// Immediate disables batching; every call runs inside Add.
	Immediate bool
}

// Normalize returns c with defaults applied.
func (c Config) Normalize() Config {
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	return c
}

// Runner applies one drained batch of calls.
type Runner func(calls []func())

// Queue is a bounded FIFO of pending calls.
type Queue struct {
	cfg     Config
	locker  sync.Locker
	run     Runner
	pending []func()
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// New creates a queue. run receives every drained batch in FIFO order.
func New(cfg Config, locker sync.Locker, run Runner) *Queue {
	return &Queue{
		cfg:    cfg.Normalize(),
		locker: locker,
		run:    run,
	}
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Add enqueues call and (re)arms the quiet-period timer.
func (q *Queue) Add(call func()) {
	if call == nil {
		return
	}
	if q.cfg.Immediate || q.stopped {
		q.pending = append(q.pending, call)
		q.Drain()
		return
	}
	if len(q.pending) >= q.cfg.MaxPending {
		q.Drain()
	}
	q.pending = append(q.pending, call)
	q.arm()
}

// Drain runs all pending calls now, including calls added while draining.
func (q *Queue) Drain() {
	q.disarm()
	for len(q.pending) > 0 {
		calls := q.pending
		q.pending = nil
		q.run(calls)
	}
}

// Len returns the number of pending calls.
func (q *Queue) Len() int {
	return len(q.pending)
}

// Stop disarms the timer. Pending calls are drained; later calls run
// immediately.
func (q *Queue) Stop() {
	q.stopped = true
	q.Drain()
}

func (q *Queue) arm() {
	q.disarm()
	gen := q.gen
	q.timer = time.AfterFunc(q.cfg.Delay, func() { q.fire(gen) })
}

func (q *Queue) disarm() {
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// fire runs on the timer goroutine. A stale generation means the queue was
// re-armed or drained after this timer was scheduled.
func (q *Queue) fire(gen uint64) {
	q.locker.Lock()
	defer q.locker.Unlock()
	if gen != q.gen {
		return
	}
	q.Drain()
}
