package nest

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/vango-dev/nest/pkg/remote"
)

// Mode selects how remote data is written to a slot.
type Mode int

const (
	// AsValue replaces the slot on every change.
	AsValue Mode = iota + 1
	// AsList applies child added, changed and removed deltas.
	AsList
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case AsValue:
		return "value"
	case AsList:
		return "list"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Descriptor declares one watched location and the slot it fills.
type Descriptor struct {
	// Key identifies the cache slot and the registry entry. Descriptors
	// sharing a key share one remote watch.
	Key string

	// Mode is AsValue or AsList.
	Mode Mode

	// Path is a static location. Exactly one of Path and Query is set.
	Path string

	// Query builds the location. It is called once when the descriptor
	// is subscribed or derived, and the entry keeps the result.
	Query func() remote.Query

	// ChildSubs derives dependents from each child: each child of an
	// AsList slot, or each field of an AsValue object.
	ChildSubs func(childKey string, child any) []Descriptor

	// FieldSubs derives dependents from named fields.
	FieldSubs []FieldSub

	// TransformValue rewrites a whole value before it is stored.
	TransformValue func(v any) any

	// TransformChild rewrites each child before it is stored. It cannot be
	// combined with TransformValue.
	TransformChild func(childKey string, child any) any

	// OnData is called after each event for this key was applied.
	OnData func(d Data)

	// KeepSlot keeps the slot after the last subscriber leaves.
	KeepSlot bool
}

// FieldSub derives dependents from one field of a value.
type FieldSub struct {
	Field string
	Subs  func(value any) []Descriptor
}

// Data describes one applied event.
type Data struct {
	// Kind is the remote event kind.
	Kind remote.Kind

	// Key is the subscription key.
	Key string

	// Child is the child key for child events.
	Child string

	// Value is the stored value, after transforms. Nil for removals.
	Value any
}

func (d Descriptor) validate() error {
	var reason string
	switch {
	case d.Key == "":
		reason = "descriptor has no key"
	case d.Mode != AsValue && d.Mode != AsList:
		reason = "descriptor mode must be AsValue or AsList"
	case d.Path == "" && d.Query == nil:
		reason = "descriptor needs a Path or a Query"
	case d.Path != "" && d.Query != nil:
		reason = "descriptor sets both Path and Query"
	default:
		return nil
	}
	return newError("N005", d.Key).WithDetail(reason)
}

func (d Descriptor) query() remote.Query {
	if d.Query != nil {
		return d.Query()
	}
	return remote.Ref(d.Path)
}

func (d Descriptor) watchMode() remote.WatchMode {
	if d.Mode == AsList {
		return remote.WatchChildren
	}
	return remote.WatchValue
}

// target is a descriptor with its location resolved. Query is called
// once per target; entries keep the target they were opened with.
type target struct {
	Descriptor
	q  remote.Query
	fp uint64
}

func resolve(d Descriptor) target {
	q := d.query()
	return target{Descriptor: d, q: q, fp: fingerprint(d, q)}
}

// fingerprint identifies what a descriptor opens at q. Dependents whose
// fingerprint is unchanged keep their subscription.
func fingerprint(d Descriptor, q remote.Query) uint64 {
	h := xxhash.New()
	h.WriteString(d.Key)
	h.WriteString("\x00")
	h.WriteString(d.Mode.String())
	h.WriteString("\x00")
	h.WriteString(q.String())
	if d.KeepSlot {
		h.WriteString("\x00keep")
	}
	return h.Sum64()
}

func (d Descriptor) conflict() bool {
	return d.TransformValue != nil && d.TransformChild != nil
}
