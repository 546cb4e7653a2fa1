// Package reactive provides the small reactive core used by the nest cache.
//
// A System owns batching state. Signals hold values and notify subscribed
// listeners when the value changes. Effects are listeners that re-run a
// function once per batch in which any of their sources changed.
//
//	sys := reactive.NewSystem()
//	version := reactive.NewSignal(sys, uint64(0))
//	stop := reactive.NewEffect(func() { fmt.Println(version.Get()) }, version)
//	defer stop()
//
//	sys.Batch(func() {
//	    version.Update(func(v uint64) uint64 { return v + 1 })
//	    version.Update(func(v uint64) uint64 { return v + 1 })
//	}) // effect runs once, prints 2
//
// # Scheduling
//
// By default listeners are notified synchronously when the outermost batch
// ends. WithScheduler routes notifications through a caller-provided function,
// which lets an owner holding a lock defer user callbacks until it is released.
//
// Unlike component frameworks there is no implicit dependency tracking: sources
// are passed explicitly. This keeps the package free of goroutine-local state.
package reactive
