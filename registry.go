package nest

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/vango-dev/nest/pkg/graph"
	"github.com/vango-dev/nest/pkg/remote"
)

// entry is the live bookkeeping for one key.
type entry struct {
	key  string
	desc Descriptor
	q    remote.Query
	fp   uint64
	refs int

	watch remote.Watch
	err   error

	// loaded is set by the first event.
	loaded bool

	// owners are the keys of entries that subscribed this one as a
	// dependent.
	owners mapset.Set[string]

	// deps maps a source ("c:" child key or "f:" field) to the dependent
	// keys it holds, each with its descriptor fingerprint. Every
	// (source, key) pair holds one reference on the dependent.
	deps map[string]map[string]uint64

	// waiters are completions waiting for the first event.
	waiters mapset.Set[*tracker]

	conflictReported bool
}

func newEntry(t target) *entry {
	return &entry{
		key:     t.Key,
		desc:    t.Descriptor,
		q:       t.q,
		fp:      t.fp,
		owners:  mapset.NewThreadUnsafeSet[string](),
		deps:    make(map[string]map[string]uint64),
		waiters: mapset.NewThreadUnsafeSet[*tracker](),
	}
}

// dependents returns the distinct keys held across all sources.
func (e *entry) dependents() mapset.Set[string] {
	out := mapset.NewThreadUnsafeSet[string]()
	for _, keys := range e.deps {
		for k := range keys {
			out.Add(k)
		}
	}
	return out
}

// holds reports whether any source of e still references key.
func (e *entry) holds(key string) bool {
	for _, keys := range e.deps {
		if _, ok := keys[key]; ok {
			return true
		}
	}
	return false
}

// registry is the arena of live entries addressed by key.
type registry struct {
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) get(key string) *entry {
	return r.entries[key]
}

func (r *registry) put(e *entry) {
	r.entries[e.key] = e
}

func (r *registry) remove(key string) {
	delete(r.entries, key)
}

func (r *registry) len() int {
	return len(r.entries)
}

func (r *registry) keys() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// chain returns key and every key that owns it, transitively.
func (r *registry) chain(key string) mapset.Set[string] {
	seen := mapset.NewThreadUnsafeSet[string](key)
	stack := []string{key}
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e := r.entries[k]
		if e == nil {
			continue
		}
		e.owners.Each(func(owner string) bool {
			if seen.Add(owner) {
				stack = append(stack, owner)
			}
			return false
		})
	}
	return seen
}

func (r *registry) snapshot() []graph.Entry {
	out := make([]graph.Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, graph.Entry{
			Key:        e.key,
			Path:       e.q.String(),
			Mode:       e.desc.Mode.String(),
			RefCount:   e.refs,
			Loaded:     e.loaded,
			Failed:     e.err != nil,
			Dependents: e.dependents().ToSlice(),
		})
	}
	return out
}

// RegistryView inspects the live registry of an Engine.
type RegistryView struct {
	e *Engine
}

// Registry returns a view of the live registry.
func (e *Engine) Registry() RegistryView {
	return RegistryView{e: e}
}

// RefCount returns the number of references held on key, zero when the
// key has no entry.
func (v RegistryView) RefCount(key string) int {
	v.e.lock()
	defer v.e.unlock()
	if ent := v.e.reg.get(key); ent != nil {
		return ent.refs
	}
	return 0
}

// Keys returns the active keys in ascending order.
func (v RegistryView) Keys() []string {
	v.e.lock()
	defer v.e.unlock()
	return v.e.reg.keys()
}

// Len returns the number of active keys.
func (v RegistryView) Len() int {
	v.e.lock()
	defer v.e.unlock()
	return v.e.reg.len()
}

// Dependents returns the keys subscribed on behalf of key.
func (v RegistryView) Dependents(key string) []string {
	v.e.lock()
	defer v.e.unlock()
	ent := v.e.reg.get(key)
	if ent == nil {
		return nil
	}
	deps := ent.dependents().ToSlice()
	sort.Strings(deps)
	return deps
}

// Owners returns the keys that subscribed key as a dependent.
func (v RegistryView) Owners(key string) []string {
	v.e.lock()
	defer v.e.unlock()
	ent := v.e.reg.get(key)
	if ent == nil {
		return nil
	}
	owners := ent.owners.ToSlice()
	sort.Strings(owners)
	return owners
}

// Loaded reports whether key received its first event.
func (v RegistryView) Loaded(key string) bool {
	v.e.lock()
	defer v.e.unlock()
	ent := v.e.reg.get(key)
	return ent != nil && ent.loaded
}
