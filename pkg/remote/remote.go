// Package remote defines the contract between the nest engine and a
// hierarchical push-update data service.
//
// A Service resolves a Query into a Watch that pushes events to a Handler.
// Implementations must invoke handler callbacks asynchronously with respect
// to Watch and Close, and in order for any single watch. The engine relies on
// this to take its own lock inside callbacks.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a pushed change.
type Kind int

const (
	// KindValue delivers the complete value at the watched location.
	KindValue Kind = iota
	// KindChildAdded delivers a child that appeared.
	KindChildAdded
	// KindChildChanged delivers a child whose value changed.
	KindChildChanged
	// KindChildRemoved delivers a child that disappeared.
	KindChildRemoved
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindChildAdded:
		return "child_added"
	case KindChildChanged:
		return "child_changed"
	case KindChildRemoved:
		return "child_removed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "value":
		return KindValue, nil
	case "child_added":
		return KindChildAdded, nil
	case "child_changed":
		return KindChildChanged, nil
	case "child_removed":
		return KindChildRemoved, nil
	}
	return 0, fmt.Errorf("remote: unknown event kind %q", s)
}

// Snapshot is an immutable view of a location.
type Snapshot struct {
	// Key is the last path segment, or the child key for child events.
	Key string `json:"key"`

	// Value is a JSON-like value: nil, bool, float64, string or
	// map[string]any. A nil value means the location is empty.
	Value any `json:"value"`

	// Order lists the child keys of an object Value in query order.
	// Nil means ascending key order.
	Order []string `json:"order,omitempty"`
}

// Exists reports whether the snapshot holds a value.
func (s Snapshot) Exists() bool {
	return s.Value != nil
}

// Event is one push notification.
type Event struct {
	Kind     Kind     `json:"kind"`
	Snapshot Snapshot `json:"snapshot"`
}

// Handler receives push notifications for one watch.
type Handler struct {
	OnEvent func(Event)
	OnError func(error)
}

// WatchMode selects how changes are pushed.
type WatchMode int

const (
	// WatchValue pushes the full value on every change.
	WatchValue WatchMode = iota
	// WatchChildren pushes the full value once, then child deltas.
	WatchChildren
)

// String returns the wire name of the mode.
func (m WatchMode) String() string {
	if m == WatchChildren {
		return "children"
	}
	return "value"
}

// MarshalText encodes the mode by name.
func (m WatchMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *WatchMode) UnmarshalText(b []byte) error {
	v, err := ParseWatchMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseWatchMode is the inverse of WatchMode.String.
func ParseWatchMode(s string) (WatchMode, error) {
	switch s {
	case "", "value":
		return WatchValue, nil
	case "children":
		return WatchChildren, nil
	}
	return 0, fmt.Errorf("remote: unknown watch mode %q", s)
}

// Watch is an open push subscription.
type Watch interface {
	// Close stops notifications. It is safe to call more than once.
	Close() error
}

// Service is the remote data service.
type Service interface {
	Watch(q Query, mode WatchMode, h Handler) (Watch, error)
	Get(ctx context.Context, q Query) (Snapshot, error)
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, values map[string]any) error
	Push(ctx context.Context, path string, value any) (string, error)
	Remove(ctx context.Context, path string) error
}

// ErrPermissionDenied is reported when a location cannot be read or written.
var ErrPermissionDenied = errors.New("remote: permission denied")

// ErrClosed is returned by a service that has been shut down.
var ErrClosed = errors.New("remote: closed")

// SplitPath returns the non-empty segments of a slash separated path.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CleanPath normalises path to its segments joined by slashes.
func CleanPath(path string) string {
	return strings.Join(SplitPath(path), "/")
}

// Join joins path segments.
func Join(parts ...string) string {
	return CleanPath(strings.Join(parts, "/"))
}

// LastSegment returns the key of a path; the root has an empty key.
func LastSegment(path string) string {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}
