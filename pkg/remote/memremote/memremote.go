// Package memremote is an in-memory remote.Service.
//
// It keeps a JSON-like tree, evaluates queries against it and pushes
// value or child events to open watches. Every watch has its own mailbox
// goroutine, so handlers run asynchronously and in order.
package memremote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/vango-dev/nest/pkg/remote"
)

// Service is an in-memory hierarchical data service.
type Service struct {
	mu      sync.Mutex
	root    map[string]any
	watches map[uint64]*watch
	nextID  uint64
	denied  map[string]error
	closed  bool
	logger  *slog.Logger

	opened uint64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for watch lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates an empty service.
func New(opts ...Option) *Service {
	s := &Service{
		root:    map[string]any{},
		watches: map[uint64]*watch{},
		denied:  map[string]error{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ remote.Service = (*Service)(nil)

// Load replaces the whole tree with data and notifies open watches.
func (s *Service) Load(data map[string]any) error {
	v, err := Normalize(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	root, _ := v.(map[string]any)
	if root == nil {
		root = map[string]any{}
	}
	s.root = root
	s.refreshLocked("")
	return nil
}

// Dump returns a deep copy of the whole tree.
func (s *Service) Dump() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, _ := deepCopy(s.root).(map[string]any)
	return out
}

// Deny makes every location under prefix fail with err. Open watches
// under prefix receive err and stop. A nil err lifts the denial.
func (s *Service) Deny(prefix string, err error) {
	prefix = remote.CleanPath(prefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.denied, prefix)
		return
	}
	s.denied[prefix] = err
	for id, w := range s.watches {
		if under(w.query.Path, prefix) {
			w.fail(err)
			delete(s.watches, id)
		}
	}
}

// OpenWatches returns the number of live watches.
func (s *Service) OpenWatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// OpenedTotal returns the number of watches opened since creation.
func (s *Service) OpenedTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// WatchingPath reports how many live watches target path.
func (s *Service) WatchingPath(path string) int {
	path = remote.CleanPath(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.watches {
		if w.query.Path == path {
			n++
		}
	}
	return n
}

// Close stops every watch. Later calls fail with remote.ErrClosed.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, w := range s.watches {
		w.stop()
		delete(s.watches, id)
	}
	return nil
}

// Watch opens a push subscription. The first event always carries the full
// value at the query location.
func (s *Service) Watch(q remote.Query, mode remote.WatchMode, h remote.Handler) (remote.Watch, error) {
	q.Path = remote.CleanPath(q.Path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, remote.ErrClosed
	}

	s.nextID++
	w := &watch{
		id:      s.nextID,
		svc:     s,
		query:   q,
		mode:    mode,
		handler: h,
		box:     remote.NewMailbox(),
	}
	s.opened++

	if err := s.deniedLocked(q.Path); err != nil {
		w.fail(err)
		return w, nil
	}

	s.watches[w.id] = w
	v, order := q.Apply(lookup(s.root, q.Path))
	w.view, w.order = deepCopy(v), order
	w.post(remote.Event{Kind: remote.KindValue, Snapshot: w.snapshot()})
	s.logger.Debug("memremote: watch opened", "id", w.id, "query", q.String())
	return w, nil
}

// Get reads the current value at a query location once.
func (s *Service) Get(ctx context.Context, q remote.Query) (remote.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return remote.Snapshot{}, err
	}
	q.Path = remote.CleanPath(q.Path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.Snapshot{}, remote.ErrClosed
	}
	if err := s.deniedLocked(q.Path); err != nil {
		return remote.Snapshot{}, err
	}
	v, order := q.Apply(lookup(s.root, q.Path))
	return remote.Snapshot{Key: remote.LastSegment(q.Path), Value: deepCopy(v), Order: order}, nil
}

// Set replaces the value at path. A nil value removes it.
func (s *Service) Set(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := Normalize(value)
	if err != nil {
		return err
	}
	path = remote.CleanPath(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(path); err != nil {
		return err
	}
	s.root = store(s.root, remote.SplitPath(path), v)
	s.refreshLocked(path)
	return nil
}

// Update sets several children of path at once. Keys may be relative
// paths; nil values remove.
func (s *Service) Update(ctx context.Context, path string, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = remote.CleanPath(path)
	normalized := make(map[string]any, len(values))
	for k, raw := range values {
		v, err := Normalize(raw)
		if err != nil {
			return fmt.Errorf("memremote: update %q: %w", k, err)
		}
		normalized[remote.Join(path, k)] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(path); err != nil {
		return err
	}
	for p := range normalized {
		if err := s.deniedLocked(p); err != nil {
			return err
		}
	}
	for p, v := range normalized {
		s.root = store(s.root, remote.SplitPath(p), v)
	}
	s.refreshLocked(path)
	return nil
}

// Push appends value under a new chronologically ordered key and returns
// the key.
func (s *Service) Push(ctx context.Context, path string, value any) (string, error) {
	key := ulid.Make().String()
	if err := s.Set(ctx, remote.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Remove deletes the value at path.
func (s *Service) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

func (s *Service) writableLocked(path string) error {
	if s.closed {
		return remote.ErrClosed
	}
	return s.deniedLocked(path)
}

func (s *Service) deniedLocked(path string) error {
	for prefix, err := range s.denied {
		if under(path, prefix) {
			return err
		}
	}
	return nil
}

// refreshLocked recomputes every watch affected by a write at path.
func (s *Service) refreshLocked(path string) {
	for _, w := range s.watches {
		if under(w.query.Path, path) || under(path, w.query.Path) {
			w.refresh(lookup(s.root, w.query.Path))
		}
	}
}

func (s *Service) drop(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watches[id]; ok {
		delete(s.watches, id)
		s.logger.Debug("memremote: watch closed", "id", id)
	}
}

// under reports whether path equals prefix or lies below it.
func under(path, prefix string) bool {
	if prefix == "" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

func lookup(root map[string]any, path string) any {
	var cur any = root
	for _, seg := range remote.SplitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	if m, ok := cur.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	return cur
}

// store writes v at segs below m, creating or pruning intermediate objects,
// and returns the new map for m.
func store(m map[string]any, segs []string, v any) map[string]any {
	if len(segs) == 0 {
		root, _ := v.(map[string]any)
		if root == nil {
			return map[string]any{}
		}
		return root
	}
	if m == nil {
		m = map[string]any{}
	}
	head := segs[0]
	if len(segs) == 1 {
		if v == nil {
			delete(m, head)
		} else {
			m[head] = v
		}
		return m
	}
	child, _ := m[head].(map[string]any)
	child = store(child, segs[1:], v)
	if len(child) == 0 {
		delete(m, head)
	} else {
		m[head] = child
	}
	return m
}

// Normalize converts v into the tree representation: objects become
// map[string]any, numbers float64, and arrays objects keyed by index.
// Empty objects normalise to nil.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("memremote: value is not JSON: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return fold(out), nil
}

func fold(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, c := range t {
			if f := fold(c); f == nil {
				delete(t, k)
			} else {
				t[k] = f
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		m := make(map[string]any, len(t))
		for i, c := range t {
			if f := fold(c); f != nil {
				m[strconv.Itoa(i)] = f
			}
		}
		if len(m) == 0 {
			return nil
		}
		return m
	}
	return v
}

func deepCopy(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, c := range m {
		out[k] = deepCopy(c)
	}
	return out
}

func equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
