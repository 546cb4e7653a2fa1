package nest

import (
	"sync"
	"time"
)

// CancelFunc releases what a subscribe call acquired. It returns a channel
// that is closed once the release was applied. Calling it again returns
// the same channel.
type CancelFunc func() <-chan struct{}

// call is one top-level subscribe call.
type call struct {
	id       uint64
	keys     []string
	tracker  *tracker
	released bool

	once sync.Once
	done chan struct{}
}

func (e *Engine) cancelFunc(c *call) CancelFunc {
	return func() <-chan struct{} {
		c.once.Do(func() {
			if d := e.cfg.CancelDelay; d > 0 {
				time.AfterFunc(d, func() {
					e.lock()
					defer e.unlock()
					e.finishCall(c, ErrCancelled)
				})
				return
			}
			e.lock()
			defer e.unlock()
			e.finishCall(c, ErrCancelled)
		})
		return c.done
	}
}

// finishCall settles the completion of c with err if it is still pending
// and releases every key c acquired. It must be called with the engine
// lock held.
func (e *Engine) finishCall(c *call, err error) {
	if c.released {
		return
	}
	c.released = true
	delete(e.calls, c.id)

	c.tracker.finish(err)
	for _, key := range c.keys {
		e.release(key)
	}
	e.queue.Add(func() { close(c.done) })
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func noopCancel() <-chan struct{} {
	return closedChan
}

// Delay postpones cancel by d. The returned function schedules the real
// cancellation and returns a channel closed once it ran. Data of the
// wrapped call stays visible until then, so a replacement subscription can
// load before the old one goes away.
func Delay(cancel CancelFunc, d time.Duration) CancelFunc {
	var once sync.Once
	done := make(chan struct{})
	return func() <-chan struct{} {
		once.Do(func() {
			time.AfterFunc(d, func() {
				<-cancel()
				close(done)
			})
		})
		return done
	}
}
