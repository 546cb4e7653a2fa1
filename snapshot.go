package nest

// LoadSnapshot seeds the cache with one slot per key of data, for example
// from a server rendered page. Queued mutations are applied first; events
// arriving later overwrite the seeded slots.
func (e *Engine) LoadSnapshot(data map[string]any) {
	e.lock()
	defer e.unlock()
	e.queue.Drain()
	e.store.Load(data)
}

// DumpSnapshot exports every slot as a plain value: primitives unwrapped,
// list slots as objects (or arrays when they were loaded from one).
func (e *Engine) DumpSnapshot() map[string]any {
	e.lock()
	defer e.unlock()
	e.queue.Drain()
	return e.store.Dump()
}
