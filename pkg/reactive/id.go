package reactive

import "sync/atomic"

var idCounter uint64

// nextID returns the next unique ID for a signal or listener.
func nextID() uint64 {
	return atomic.AddUint64(&idCounter, 1)
}
