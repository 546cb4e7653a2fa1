package nest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-dev/nest/pkg/batch"
	"github.com/vango-dev/nest/pkg/cache"
	"github.com/vango-dev/nest/pkg/remote"
	"github.com/vango-dev/nest/pkg/remote/memremote"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatSeed() map[string]any {
	return map[string]any{
		"chat": map[string]any{
			"messages": map[string]any{
				"m1": map[string]any{"text": "hi", "uid": "u1"},
				"m2": map[string]any{"text": "yo", "uid": "u2"},
			},
		},
		"users": map[string]any{
			"u1": map[string]any{"name": "Ann"},
			"u2": map[string]any{"name": "Bob"},
			"u3": map[string]any{"name": "Cid"},
		},
	}
}

func newTestEngine(t *testing.T, seed map[string]any, cfg Config) (*Engine, *memremote.Service) {
	t.Helper()
	svc := memremote.New(memremote.WithLogger(quietLogger()))
	if seed != nil {
		if err := svc.Load(seed); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Queue == (batch.Config{}) {
		cfg.Queue = batch.Config{Immediate: true}
	}
	e := New(svc, cfg)
	t.Cleanup(func() {
		e.Close()
		svc.Close()
	})
	return e, svc
}

func userDesc(uid string) Descriptor {
	return Descriptor{Key: "user_" + uid, Mode: AsValue, Path: "users/" + uid}
}

func msgsDesc() Descriptor {
	return Descriptor{
		Key:  "msgs",
		Mode: AsList,
		Path: "chat/messages",
		ChildSubs: func(_ string, msg any) []Descriptor {
			m, _ := msg.(map[string]any)
			uid, _ := m["uid"].(string)
			if uid == "" {
				return nil
			}
			return []Descriptor{userDesc(uid)}
		},
	}
}

func wait(t *testing.T, c *Completion) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("completion did not settle")
	}
	return err
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not closed")
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func field(t *testing.T, e *Engine, key, name string) any {
	t.Helper()
	slot := e.GetData(key)
	if slot == nil {
		t.Fatalf("no slot for %s", key)
	}
	v, _ := slot.Get(name)
	return v
}

func TestSubscribeLoadsDependents(t *testing.T) {
	e, svc := newTestEngine(t, chatSeed(), Config{})

	cancel, done := e.SubscribeWithCompletion(msgsDesc())
	defer cancel()
	if err := wait(t, done); err != nil {
		t.Fatalf("completion rejected: %v", err)
	}

	if got := e.GetData("msgs").Keys(); !reflect.DeepEqual(got, []string{"m1", "m2"}) {
		t.Errorf("msgs keys = %v, want [m1 m2]", got)
	}
	if got := field(t, e, "user_u1", "name"); got != "Ann" {
		t.Errorf("user_u1.name = %v, want Ann", got)
	}
	if got := field(t, e, "user_u2", "name"); got != "Bob" {
		t.Errorf("user_u2.name = %v, want Bob", got)
	}

	reg := e.Registry()
	for _, key := range []string{"msgs", "user_u1", "user_u2"} {
		if n := reg.RefCount(key); n != 1 {
			t.Errorf("RefCount(%s) = %d, want 1", key, n)
		}
	}
	if got := reg.Dependents("msgs"); !reflect.DeepEqual(got, []string{"user_u1", "user_u2"}) {
		t.Errorf("Dependents(msgs) = %v", got)
	}
	if got := reg.Owners("user_u1"); !reflect.DeepEqual(got, []string{"msgs"}) {
		t.Errorf("Owners(user_u1) = %v", got)
	}
	if n := svc.OpenWatches(); n != 3 {
		t.Errorf("OpenWatches = %d, want 3", n)
	}
}

// Messages m1 and m2 both name user u1 at first; changing m2 moves one
// reference to u2 and removing m1 releases u1.
func TestDependentsFollowChildren(t *testing.T) {
	seed := chatSeed()
	seed["chat"].(map[string]any)["messages"].(map[string]any)["m2"] = map[string]any{"uid": "u1"}
	e, svc := newTestEngine(t, seed, Config{})
	ctx := context.Background()

	cancel, done := e.SubscribeWithCompletion(msgsDesc())
	defer cancel()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}

	reg := e.Registry()
	if n := reg.RefCount("user_u1"); n != 2 {
		t.Fatalf("RefCount(user_u1) = %d, want 2", n)
	}
	if n := svc.WatchingPath("users/u1"); n != 1 {
		t.Fatalf("watches on users/u1 = %d, want 1", n)
	}

	if err := e.Set(ctx, "chat/messages/m2/uid", "u2"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "user_u2", func() bool { return reg.RefCount("user_u2") == 1 })
	if n := reg.RefCount("user_u1"); n != 1 {
		t.Errorf("RefCount(user_u1) = %d, want 1", n)
	}

	if err := e.Remove(ctx, "chat/messages/m1"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "user_u1 released", func() bool { return reg.RefCount("user_u1") == 0 })
	if e.GetData("user_u1") != nil {
		t.Error("user_u1 slot should be deleted")
	}
	if n := svc.WatchingPath("users/u1"); n != 0 {
		t.Errorf("watches on users/u1 = %d, want 0", n)
	}
	if got := reg.Keys(); !reflect.DeepEqual(got, []string{"msgs", "user_u2"}) {
		t.Errorf("Keys = %v", got)
	}
}

func TestFieldSubsSwitchDependent(t *testing.T) {
	seed := map[string]any{
		"profiles": map[string]any{"p1": map[string]any{"team": "t1"}},
		"teams": map[string]any{
			"t1": map[string]any{"name": "red"},
			"t2": map[string]any{"name": "blue"},
		},
	}
	e, _ := newTestEngine(t, seed, Config{})
	profile := Descriptor{
		Key:  "profile",
		Mode: AsValue,
		Path: "profiles/p1",
		FieldSubs: []FieldSub{{
			Field: "team",
			Subs: func(v any) []Descriptor {
				id, _ := v.(string)
				return []Descriptor{{Key: "team_" + id, Mode: AsValue, Path: "teams/" + id}}
			},
		}},
	}

	cancel, done := e.SubscribeWithCompletion(profile)
	defer cancel()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
	if got := field(t, e, "team_t1", "name"); got != "red" {
		t.Fatalf("team_t1.name = %v", got)
	}

	if err := e.Set(context.Background(), "profiles/p1/team", "t2"); err != nil {
		t.Fatal(err)
	}
	reg := e.Registry()
	eventually(t, "team switch", func() bool {
		return reg.RefCount("team_t2") == 1 && reg.RefCount("team_t1") == 0
	})
	if got := reg.Dependents("profile"); !reflect.DeepEqual(got, []string{"team_t2"}) {
		t.Errorf("Dependents(profile) = %v, want [team_t2]", got)
	}

	if err := e.Remove(context.Background(), "profiles/p1/team"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "team released", func() bool { return reg.RefCount("team_t2") == 0 })
}

func TestValueChildSubsDeriveFromFields(t *testing.T) {
	seed := map[string]any{
		"groups": map[string]any{"g1": map[string]any{"u1": true, "u3": true}},
		"users":  chatSeed()["users"],
	}
	e, _ := newTestEngine(t, seed, Config{})
	group := Descriptor{
		Key:  "group",
		Mode: AsValue,
		Path: "groups/g1",
		ChildSubs: func(uid string, _ any) []Descriptor {
			return []Descriptor{userDesc(uid)}
		},
	}

	cancel, done := e.SubscribeWithCompletion(group)
	defer cancel()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
	if got := e.Registry().Dependents("group"); !reflect.DeepEqual(got, []string{"user_u1", "user_u3"}) {
		t.Errorf("Dependents(group) = %v", got)
	}
	if got := field(t, e, "user_u3", "name"); got != "Cid" {
		t.Errorf("user_u3.name = %v", got)
	}
}

// Two calls sharing key X share one watch; data survives the first cancel.
func TestSharedKeyAcrossCalls(t *testing.T) {
	e, svc := newTestEngine(t, map[string]any{"x": map[string]any{"v": 1.0}}, Config{})
	x := Descriptor{Key: "X", Mode: AsValue, Path: "x"}

	cancel1, done1 := e.SubscribeWithCompletion(x)
	cancel2, done2 := e.SubscribeWithCompletion(x)
	if err := wait(t, done1); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, done2); err != nil {
		t.Fatal(err)
	}

	if n := e.Registry().RefCount("X"); n != 2 {
		t.Fatalf("RefCount(X) = %d, want 2", n)
	}
	if n := svc.OpenedTotal(); n != 1 {
		t.Fatalf("watches opened = %d, want 1", n)
	}

	waitClosed(t, cancel1())
	if n := e.Registry().RefCount("X"); n != 1 {
		t.Errorf("RefCount(X) after first cancel = %d, want 1", n)
	}
	if e.GetData("X") == nil {
		t.Error("X slot should survive the first cancel")
	}

	waitClosed(t, cancel2())
	if n := e.Registry().Len(); n != 0 {
		t.Errorf("registry len = %d, want 0", n)
	}
	if e.GetData("X") != nil {
		t.Error("X slot should be deleted")
	}
	eventually(t, "watch closed", func() bool { return svc.OpenWatches() == 0 })
}

func TestCancelIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, chatSeed(), Config{})
	x := userDesc("u1")

	cancel1 := e.Subscribe(x)
	cancel2 := e.Subscribe(x)
	first := cancel1()
	second := cancel1()
	if first != second {
		t.Error("repeated cancel should return the same channel")
	}
	waitClosed(t, first)
	if n := e.Registry().RefCount("user_u1"); n != 1 {
		t.Errorf("RefCount = %d, want 1", n)
	}
	waitClosed(t, cancel2())
}

func nodeDesc(id string) Descriptor {
	return Descriptor{
		Key:  "node_" + id,
		Mode: AsValue,
		Path: "nodes/" + id,
		FieldSubs: []FieldSub{{
			Field: "next",
			Subs: func(v any) []Descriptor {
				next, _ := v.(string)
				if next == "" {
					return nil
				}
				return []Descriptor{nodeDesc(next)}
			},
		}},
	}
}

func TestCycleRollsBackCall(t *testing.T) {
	tests := []struct {
		name  string
		nodes map[string]any
	}{
		{
			name:  "self",
			nodes: map[string]any{"a": map[string]any{"next": "a"}},
		},
		{
			name: "two hops",
			nodes: map[string]any{
				"a": map[string]any{"next": "b"},
				"b": map[string]any{"next": "a"},
			},
		},
		{
			name: "three hops",
			nodes: map[string]any{
				"a": map[string]any{"next": "b"},
				"b": map[string]any{"next": "c"},
				"c": map[string]any{"next": "a"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed := map[string]any{"nodes": tt.nodes, "other": "kept"}
			e, svc := newTestEngine(t, seed, Config{})

			cancelOther, doneOther := e.SubscribeWithCompletion(Descriptor{Key: "other", Mode: AsValue, Path: "other"})
			defer cancelOther()
			if err := wait(t, doneOther); err != nil {
				t.Fatal(err)
			}

			cancel, done := e.SubscribeWithCompletion(nodeDesc("a"))
			defer cancel()
			err := wait(t, done)
			if !errors.Is(err, ErrSubscriptionCycle) {
				t.Fatalf("err = %v, want ErrSubscriptionCycle", err)
			}

			reg := e.Registry()
			if got := reg.Keys(); !reflect.DeepEqual(got, []string{"other"}) {
				t.Errorf("Keys = %v, want [other]", got)
			}
			for id := range tt.nodes {
				if e.GetData("node_"+id) != nil {
					t.Errorf("node_%s slot left behind", id)
				}
			}
			eventually(t, "watches closed", func() bool { return svc.OpenWatches() == 1 })

			if v, _ := e.GetData("other").Primitive(); v != "kept" {
				t.Errorf("other = %v, want kept", v)
			}
		})
	}
}

func TestWatchErrorRejectsCompletion(t *testing.T) {
	e, svc := newTestEngine(t, chatSeed(), Config{})
	svc.Deny("users/u2", remote.ErrPermissionDenied)

	cancel, done := e.SubscribeWithCompletion(msgsDesc())
	defer cancel()
	err := wait(t, done)
	if !errors.Is(err, ErrRemoteWatch) {
		t.Fatalf("err = %v, want ErrRemoteWatch", err)
	}
	if !errors.Is(err, remote.ErrPermissionDenied) {
		t.Errorf("err = %v, want it to wrap the remote cause", err)
	}

	// Siblings keep their data.
	eventually(t, "user_u1", func() bool { return e.GetData("user_u1") != nil })
	if e.GetData("msgs") == nil {
		t.Error("msgs slot missing")
	}
}

func TestLaterSubscriberSeesFailedEntry(t *testing.T) {
	e, svc := newTestEngine(t, chatSeed(), Config{})
	svc.Deny("users/u1", remote.ErrPermissionDenied)

	cancel1, done1 := e.SubscribeWithCompletion(userDesc("u1"))
	defer cancel1()
	if err := wait(t, done1); !errors.Is(err, ErrRemoteWatch) {
		t.Fatalf("first err = %v", err)
	}

	cancel2, done2 := e.SubscribeWithCompletion(userDesc("u1"))
	defer cancel2()
	if err := wait(t, done2); !errors.Is(err, ErrRemoteWatch) {
		t.Fatalf("second err = %v", err)
	}
}

func TestInvalidDescriptorSubscribesNothing(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
	}{
		{"no key", Descriptor{Mode: AsValue, Path: "x"}},
		{"no mode", Descriptor{Key: "x", Path: "x"}},
		{"no locator", Descriptor{Key: "x", Mode: AsList}},
		{"path and query", Descriptor{Key: "x", Mode: AsList, Path: "x", Query: func() remote.Query { return remote.Ref("x") }}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, svc := newTestEngine(t, chatSeed(), Config{})
			cancel, done := e.SubscribeWithCompletion(userDesc("u1"), tt.desc)
			if err := wait(t, done); !errors.Is(err, ErrInvalidDescriptor) {
				t.Fatalf("err = %v, want ErrInvalidDescriptor", err)
			}
			waitClosed(t, cancel())
			if n := e.Registry().Len(); n != 0 {
				t.Errorf("registry len = %d, want 0", n)
			}
			if n := svc.OpenedTotal(); n != 0 {
				t.Errorf("watches opened = %d, want 0", n)
			}
		})
	}
}

func TestEvictionPolicy(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		keep     bool
		wantSlot bool
	}{
		{name: "default deletes", wantSlot: false},
		{name: "engine retention", cfg: Config{RetainSlots: true}, wantSlot: true},
		{name: "descriptor retention", keep: true, wantSlot: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, chatSeed(), tt.cfg)
			d := userDesc("u1")
			d.KeepSlot = tt.keep

			cancel, done := e.SubscribeWithCompletion(d)
			if err := wait(t, done); err != nil {
				t.Fatal(err)
			}
			waitClosed(t, cancel())

			if got := e.GetData("user_u1") != nil; got != tt.wantSlot {
				t.Errorf("slot present = %v, want %v", got, tt.wantSlot)
			}
			if n := e.Registry().Len(); n != 0 {
				t.Errorf("registry len = %d, want 0", n)
			}
		})
	}
}

func TestCancelDelayKeepsData(t *testing.T) {
	const delay = 60 * time.Millisecond
	e, _ := newTestEngine(t, chatSeed(), Config{CancelDelay: delay})

	cancel, done := e.SubscribeWithCompletion(msgsDesc())
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	released := cancel()
	if e.GetData("msgs") == nil || e.GetData("user_u1") == nil {
		t.Fatal("data should stay visible during the delay")
	}
	if n := e.Registry().RefCount("msgs"); n != 1 {
		t.Errorf("RefCount(msgs) during delay = %d, want 1", n)
	}

	waitClosed(t, released)
	if elapsed := time.Since(start); elapsed < delay {
		t.Errorf("released after %v, want >= %v", elapsed, delay)
	}
	if e.GetData("msgs") != nil {
		t.Error("msgs slot should be deleted after the delay")
	}
	if n := e.Registry().Len(); n != 0 {
		t.Errorf("registry len = %d, want 0", n)
	}
}

func TestDelayWrapper(t *testing.T) {
	const delay = 40 * time.Millisecond
	e, _ := newTestEngine(t, chatSeed(), Config{})

	inner, done := e.SubscribeWithCompletion(userDesc("u1"))
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
	cancel := Delay(inner, delay)

	start := time.Now()
	released := cancel()
	if cancel() != released {
		t.Error("repeated cancel should return the same channel")
	}
	if e.GetData("user_u1") == nil {
		t.Fatal("data should stay visible during the delay")
	}
	waitClosed(t, released)
	if elapsed := time.Since(start); elapsed < delay {
		t.Errorf("released after %v, want >= %v", elapsed, delay)
	}
	if e.GetData("user_u1") != nil {
		t.Error("slot should be deleted")
	}
}

// A replacement subscribed during the delay takes over the watch.
func TestDelayedCancelHandsOverWatch(t *testing.T) {
	e, svc := newTestEngine(t, chatSeed(), Config{CancelDelay: 30 * time.Millisecond})

	old, done := e.SubscribeWithCompletion(userDesc("u1"))
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
	released := old()
	replacement, done2 := e.SubscribeWithCompletion(userDesc("u1"))
	defer replacement()
	if err := wait(t, done2); err != nil {
		t.Fatal(err)
	}
	waitClosed(t, released)

	if e.GetData("user_u1") == nil {
		t.Error("replacement lost the slot")
	}
	if n := svc.OpenedTotal(); n != 1 {
		t.Errorf("watches opened = %d, want 1", n)
	}
}

type pendingService struct {
	*memremote.Service
}

type nopWatch struct{}

func (nopWatch) Close() error { return nil }

func (pendingService) Watch(remote.Query, remote.WatchMode, remote.Handler) (remote.Watch, error) {
	return nopWatch{}, nil
}

// captureService hands every opened watch's handler to the test, which
// then plays the remote side.
type captureService struct {
	*memremote.Service

	mu       sync.Mutex
	handlers map[string]remote.Handler
}

func newCaptureService() *captureService {
	return &captureService{Service: memremote.New(), handlers: make(map[string]remote.Handler)}
}

func (s *captureService) Watch(q remote.Query, _ remote.WatchMode, h remote.Handler) (remote.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[q.Path] = h
	return nopWatch{}, nil
}

func (s *captureService) handler(path string) (remote.Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[path]
	return h, ok
}

func TestCancelBeforeCompletionRejects(t *testing.T) {
	e := New(pendingService{memremote.New()}, Config{
		Logger: quietLogger(),
		Queue:  batch.Config{Immediate: true},
	})
	defer e.Close()

	cancel, done := e.SubscribeWithCompletion(userDesc("u1"))
	select {
	case <-done.Done():
		t.Fatal("completion settled without data")
	default:
	}
	waitClosed(t, cancel())
	if err := wait(t, done); !errors.Is(err, ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
}

func TestCompletionFollowsBatchedData(t *testing.T) {
	e, _ := newTestEngine(t, chatSeed(), Config{
		Queue: batch.Config{Delay: 30 * time.Millisecond},
	})

	cancel, done := e.SubscribeWithCompletion(msgsDesc())
	defer cancel()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"msgs", "user_u1", "user_u2"} {
		if e.GetData(key) == nil {
			t.Errorf("%s not applied when completion resolved", key)
		}
	}
}

func TestFullValueEventsAreIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, chatSeed(), Config{})
	cancel, done := e.SubscribeWithCompletion(msgsDesc())
	defer cancel()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}

	e.lock()
	ent := e.reg.get("msgs")
	e.unlock()

	ev := remote.Event{Kind: remote.KindValue, Snapshot: remote.Snapshot{
		Key: "messages",
		Value: map[string]any{
			"m1": map[string]any{"uid": "u3"},
		},
	}}
	e.handleEvent(ent, ev)
	once := e.DumpSnapshot()["msgs"]
	e.handleEvent(ent, ev)
	twice := e.DumpSnapshot()["msgs"]

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("second identical value changed the cache:\n%v\n%v", once, twice)
	}
	if got := e.Registry().Dependents("msgs"); !reflect.DeepEqual(got, []string{"user_u3"}) {
		t.Errorf("Dependents(msgs) = %v, want [user_u3]", got)
	}
	if n := e.Registry().RefCount("user_u3"); n != 1 {
		t.Errorf("RefCount(user_u3) = %d, want 1", n)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		mode Mode
		kind remote.Kind
		want op
	}{
		{AsValue, remote.KindValue, opFull},
		{AsValue, remote.KindChildAdded, opDrop},
		{AsValue, remote.KindChildChanged, opDrop},
		{AsValue, remote.KindChildRemoved, opDrop},
		{AsList, remote.KindValue, opFull},
		{AsList, remote.KindChildAdded, opUpsert},
		{AsList, remote.KindChildChanged, opUpsert},
		{AsList, remote.KindChildRemoved, opDelete},
		{Mode(0), remote.KindValue, opDrop},
	}
	for _, tt := range tests {
		if got := classify(tt.mode, tt.kind); got != tt.want {
			t.Errorf("classify(%v, %v) = %v, want %v", tt.mode, tt.kind, got, tt.want)
		}
	}
}

func TestTransforms(t *testing.T) {
	seed := map[string]any{"items": map[string]any{"a": "x", "b": "y"}}
	upper := func(_ string, v any) any {
		s, _ := v.(string)
		return s + "!"
	}

	t.Run("child", func(t *testing.T) {
		e, _ := newTestEngine(t, seed, Config{})
		cancel, done := e.SubscribeWithCompletion(Descriptor{Key: "items", Mode: AsList, Path: "items", TransformChild: upper})
		defer cancel()
		if err := wait(t, done); err != nil {
			t.Fatal(err)
		}
		if got := field(t, e, "items", "a"); got != "x!" {
			t.Errorf("a = %v, want x!", got)
		}
		if err := e.Set(context.Background(), "items/c", "z"); err != nil {
			t.Fatal(err)
		}
		eventually(t, "child c", func() bool {
			v, _ := e.GetData("items").Get("c")
			return v == "z!"
		})
	})

	t.Run("conflict", func(t *testing.T) {
		e, _ := newTestEngine(t, seed, Config{})
		d := Descriptor{
			Key:            "items",
			Mode:           AsValue,
			Path:           "items",
			TransformChild: upper,
			TransformValue: func(v any) any { return len(v.(map[string]any)) },
		}
		cancel, done := e.SubscribeWithCompletion(d)
		defer cancel()
		if err := wait(t, done); err != nil {
			t.Fatalf("conflict should not reject: %v", err)
		}
		if v, _ := e.GetData("items").Primitive(); v != 2 {
			t.Errorf("value = %v, want 2", v)
		}
		e.lock()
		reported := e.reg.get("items").conflictReported
		e.unlock()
		if !reported {
			t.Error("conflict was not reported")
		}
	})
}

type noticeLog struct {
	mu  sync.Mutex
	got []string
}

func (l *noticeLog) add(s string) {
	l.mu.Lock()
	l.got = append(l.got, s)
	l.mu.Unlock()
}

func (l *noticeLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

func TestHooksAndListeners(t *testing.T) {
	hooks := &noticeLog{}
	notices := &noticeLog{}
	onData := &noticeLog{}

	e, _ := newTestEngine(t, chatSeed(), Config{Hooks: Hooks{
		OnWillSubscribe:   func(d Descriptor) { hooks.add("will_subscribe " + d.Key) },
		OnSubscribed:      func(d Descriptor) { hooks.add("subscribed " + d.Key) },
		OnWillUnsubscribe: func(key string) { hooks.add("will_unsubscribe " + key) },
		OnUnsubscribed:    func(key string) { hooks.add("unsubscribed " + key) },
		OnDataApplied:     func(d Data) { hooks.add("data " + d.Key) },
	}})
	stop := e.Listen(func(n Notice) { notices.add(n.Type.String() + " " + n.Key) })
	defer stop()

	d := userDesc("u1")
	d.OnData = func(data Data) {
		onData.add(data.Kind.String() + " " + data.Key)
	}

	cancel, done := e.SubscribeWithCompletion(d)
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
	eventually(t, "data notice", func() bool { return len(notices.list()) == 3 })
	waitClosed(t, cancel())

	want := []string{
		"will_subscribe user_u1",
		"subscribed user_u1",
		"data user_u1",
		"will_unsubscribe user_u1",
		"unsubscribed user_u1",
	}
	eventually(t, "all notices", func() bool { return len(notices.list()) == len(want) })
	if got := notices.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("notices = %v\nwant %v", got, want)
	}
	if got := hooks.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("hooks = %v\nwant %v", got, want)
	}
	if got := onData.list(); !reflect.DeepEqual(got, []string{"value user_u1"}) {
		t.Errorf("OnData = %v", got)
	}
}

func TestObserve(t *testing.T) {
	e, _ := newTestEngine(t, chatSeed(), Config{})
	seen := &noticeLog{}
	stop := e.Observe("user_u1", func(s *cache.Slot) {
		if s == nil {
			seen.add("<nil>")
			return
		}
		name, _ := s.Get("name")
		seen.add(name.(string))
	})
	defer stop()

	cancel, done := e.SubscribeWithCompletion(userDesc("u1"))
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
	eventually(t, "first value", func() bool { return len(seen.list()) == 1 })

	if err := e.Set(context.Background(), "users/u1/name", "Ada"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "update", func() bool { return len(seen.list()) == 2 })

	waitClosed(t, cancel())
	eventually(t, "delete", func() bool { return len(seen.list()) == 3 })

	if got := seen.list(); !reflect.DeepEqual(got, []string{"Ann", "Ada", "<nil>"}) {
		t.Errorf("observed %v", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, nil, Config{})
	in := map[string]any{
		"title": "hello",
		"user":  map[string]any{"name": "Ann"},
	}
	e.LoadSnapshot(in)

	if v, _ := e.GetData("title").Primitive(); v != "hello" {
		t.Errorf("title = %v", v)
	}
	if got := e.DumpSnapshot(); !reflect.DeepEqual(got, in) {
		t.Errorf("DumpSnapshot = %v, want %v", got, in)
	}
}

func TestResetAll(t *testing.T) {
	e, svc := newTestEngine(t, chatSeed(), Config{RetainSlots: true})
	cancel, done := e.SubscribeWithCompletion(msgsDesc())
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}

	e.ResetAll()
	if n := e.Registry().Len(); n != 0 {
		t.Errorf("registry len = %d, want 0", n)
	}
	if len(e.DumpSnapshot()) != 0 {
		t.Error("cache should be empty")
	}
	eventually(t, "watches closed", func() bool { return svc.OpenWatches() == 0 })
	waitClosed(t, cancel())
}

func TestCloseRejectsLaterCalls(t *testing.T) {
	e, _ := newTestEngine(t, chatSeed(), Config{})
	e.Subscribe(userDesc("u1"))
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if n := e.Registry().Len(); n != 0 {
		t.Errorf("registry len = %d, want 0", n)
	}

	cancel, done := e.SubscribeWithCompletion(userDesc("u2"))
	if err := wait(t, done); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	waitClosed(t, cancel())
}

func TestExportGraph(t *testing.T) {
	e, _ := newTestEngine(t, chatSeed(), Config{})
	cancel, done := e.SubscribeWithCompletion(msgsDesc())
	defer cancel()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}

	g := e.ExportGraph()
	if len(g.Nodes) != 3 {
		t.Errorf("nodes = %d, want 3", len(g.Nodes))
	}
	if len(g.Edges) != 2 {
		t.Errorf("edges = %d, want 2", len(g.Edges))
	}
	for _, edge := range g.Edges {
		if edge.From != "msgs" {
			t.Errorf("edge from %s, want msgs", edge.From)
		}
	}
	if got := g.Roots(); !reflect.DeepEqual(got, []string{"msgs"}) {
		t.Errorf("Roots = %v", got)
	}

	v := e.GraphVersion()
	e.ExportGraph()
	if e.GraphVersion() != v {
		t.Error("unchanged graph bumped the version")
	}
}

func TestGetDataNeverSeesPartialDrain(t *testing.T) {
	svc := newCaptureService()
	e := New(svc, Config{
		Logger: quietLogger(),
		Queue:  batch.Config{Delay: time.Hour, MaxPending: 1 << 20},
	})
	defer e.Close()

	e.Subscribe(Descriptor{Key: "L", Mode: AsList, Path: "items"})
	h, ok := svc.handler("items")
	if !ok {
		t.Fatal("no watch opened for items")
	}

	const n = 2000
	h.OnEvent(remote.Event{Kind: remote.KindValue, Snapshot: remote.Snapshot{Key: "items", Value: map[string]any{}}})
	for i := 0; i < n; i++ {
		h.OnEvent(remote.Event{Kind: remote.KindChildAdded, Snapshot: remote.Snapshot{
			Key:   "c" + strconv.Itoa(i),
			Value: float64(i),
		}})
	}
	if e.GetData("L") != nil {
		t.Fatal("slot visible before the queue drained")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		seen    = map[int]int{}
		started = make(chan struct{})
		stop    = make(chan struct{})
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		for {
			l := 0
			if slot := e.GetData("L"); slot != nil {
				l = slot.Len()
			}
			mu.Lock()
			seen[l]++
			mu.Unlock()
			select {
			case <-stop:
				return
			default:
			}
		}
	}()
	<-started
	e.Flush()
	close(stop)
	wg.Wait()

	for l := range seen {
		if l != 0 && l != n {
			t.Errorf("reader saw %d children, want 0 or %d", l, n)
		}
	}
	if got := e.GetData("L").Len(); got != n {
		t.Errorf("Len = %d, want %d", got, n)
	}
}

func TestHooksRunAfterWatchOpened(t *testing.T) {
	svc := newCaptureService()
	opened := make(chan bool, 2)
	e := New(svc, Config{
		Logger: quietLogger(),
		Queue:  batch.Config{Immediate: true},
		Hooks: Hooks{
			OnWillSubscribe: func(d Descriptor) {
				_, ok := svc.handler(d.Path)
				opened <- ok
			},
			OnSubscribed: func(d Descriptor) {
				_, ok := svc.handler(d.Path)
				opened <- ok
			},
		},
	})
	defer e.Close()

	e.Subscribe(userDesc("u1"))
	for i := 0; i < 2; i++ {
		select {
		case ok := <-opened:
			if !ok {
				t.Error("hook ran before the watch was opened")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("hook not delivered")
		}
	}
}

func TestQueryResolvedOncePerEntry(t *testing.T) {
	e, _ := newTestEngine(t, chatSeed(), Config{})
	var calls atomic.Int32
	d := Descriptor{
		Key:  "ann",
		Mode: AsValue,
		Query: func() remote.Query {
			calls.Add(1)
			return remote.Ref("users/u1")
		},
	}

	cancel, done := e.SubscribeWithCompletion(d)
	defer cancel()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Ada", "Eve"} {
		if err := e.Set(context.Background(), "users/u1/name", name); err != nil {
			t.Fatal(err)
		}
		want := name
		eventually(t, "name "+want, func() bool { return field(t, e, "ann", "name") == want })
	}
	for i := 0; i < 3; i++ {
		g := e.ExportGraph()
		if len(g.Nodes) != 1 || g.Nodes[0].Path != "/users/u1" {
			t.Fatalf("nodes = %+v", g.Nodes)
		}
	}

	if n := calls.Load(); n != 1 {
		t.Errorf("Query called %d times, want 1", n)
	}
}
