package nest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/nest/pkg/batch"
	"github.com/vango-dev/nest/pkg/cache"
	"github.com/vango-dev/nest/pkg/graph"
	"github.com/vango-dev/nest/pkg/metrics"
	"github.com/vango-dev/nest/pkg/reactive"
	"github.com/vango-dev/nest/pkg/remote"
)

// TracerName is the instrumentation name of engine spans.
const TracerName = "nest"

// Engine resolves descriptors into remote watches and materializes their
// events into a reactive cache.
//
// All registry state is guarded by one mutex. Remote callbacks, timers and
// API calls take it in turn. User callbacks (hooks, listeners, OnData and
// observers) never run under it; they are delivered in order on a
// goroutine owned by the engine.
type Engine struct {
	id      string
	cfg     Config
	svc     remote.Service
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	mu       sync.Mutex
	outbox   []func()
	box      *remote.Mailbox
	reg      *registry
	calls    map[uint64]*call
	nextCall uint64
	closed   bool

	sys   *reactive.System
	store *cache.Store
	queue *batch.Queue
	view  graph.View

	listenMu     sync.Mutex
	listeners    map[uint64]func(Notice)
	nextListener uint64
}

// New creates an engine reading from svc.
func New(svc remote.Service, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		id:        uuid.NewString(),
		cfg:       cfg,
		svc:       svc,
		metrics:   cfg.Metrics,
		reg:       newRegistry(),
		calls:     make(map[uint64]*call),
		listeners: make(map[uint64]func(Notice)),
		box:       remote.NewMailbox(),
	}
	e.logger = cfg.Logger.With("engine", e.id)

	if cfg.TracerProvider != nil {
		e.tracer = cfg.TracerProvider.Tracer(TracerName)
	} else {
		e.tracer = otel.Tracer(TracerName)
	}

	// Observers are notified from the outbox, after the engine lock is
	// released.
	e.sys = reactive.NewSystem(reactive.WithScheduler(func(notify func()) {
		e.outbox = append(e.outbox, notify)
	}))
	e.store = cache.NewStore(e.sys)
	e.queue = batch.New(cfg.Queue, engineLocker{e}, e.drain)
	return e
}

// ID returns the engine identifier used in logs.
func (e *Engine) ID() string {
	return e.id
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) lock() {
	e.mu.Lock()
}

// unlock hands the callbacks queued while the engine was held to the
// delivery goroutine and releases the engine.
func (e *Engine) unlock() {
	if out := e.outbox; len(out) > 0 {
		e.outbox = nil
		e.box.Post(func() {
			for _, fn := range out {
				fn()
			}
		})
	}
	e.mu.Unlock()
}

// engineLocker lets the batch timer take the engine lock.
type engineLocker struct {
	e *Engine
}

func (l engineLocker) Lock() { l.e.lock() }
func (l engineLocker) Unlock() { l.e.unlock() }

// drain applies one batch of queued calls atomically: GetData readers see
// the cache before or after the batch, and observers are notified once.
func (e *Engine) drain(calls []func()) {
	start := time.Now()
	_, span := e.tracer.Start(context.Background(), "nest.drain",
		trace.WithAttributes(attribute.Int("nest.batch_size", len(calls))),
	)
	defer span.End()

	e.store.Apply(func() {
		for _, call := range calls {
			call()
		}
	})

	e.metrics.Drained(len(calls), time.Since(start))
	e.metrics.Slots(e.store.Len())
}

// GetData returns the slot for key, or nil when no data arrived for it.
// Slot reads never observe a partially applied batch.
func (e *Engine) GetData(key string) *cache.Slot {
	return e.store.Get(key)
}

// Observe calls fn after every drained batch that changed the slot for key.
// fn receives nil once the slot was deleted.
func (e *Engine) Observe(key string, fn func(*cache.Slot)) (stop func()) {
	return e.store.Observe(key, fn)
}

// Flush applies every queued mutation now.
func (e *Engine) Flush() {
	e.lock()
	defer e.unlock()
	e.queue.Drain()
}

// ResetAll cancels every subscribe call and clears the cache, including
// retained slots.
func (e *Engine) ResetAll() {
	e.lock()
	defer e.unlock()
	for _, c := range e.sortedCalls() {
		e.finishCall(c, ErrCancelled)
	}
	e.queue.Drain()
	e.store.Clear()
	e.logger.Debug("engine reset")
}

// Close cancels every subscribe call and stops the batch timer. Callbacks
// queued so far are still delivered. Later subscribe calls are rejected
// with ErrClosed.
func (e *Engine) Close() error {
	e.lock()
	if e.closed {
		e.unlock()
		return nil
	}
	e.closed = true
	for _, c := range e.sortedCalls() {
		e.finishCall(c, ErrClosed)
	}
	e.queue.Stop()
	e.unlock()

	e.box.CloseAfterDrain()
	e.logger.Debug("engine closed")
	return nil
}

func (e *Engine) sortedCalls() []*call {
	calls := make([]*call, 0, len(e.calls))
	for _, c := range e.calls {
		calls = append(calls, c)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].id < calls[j].id })
	return calls
}

// ExportGraph returns the owner to dependent graph of the live registry.
func (e *Engine) ExportGraph() graph.Graph {
	e.lock()
	entries := e.reg.snapshot()
	e.unlock()
	g, _ := e.view.Update(entries)
	return g
}

// GraphVersion counts how many exports observed a changed graph.
func (e *Engine) GraphVersion() uint64 {
	return e.view.Version()
}

// Get reads path once, bypassing the cache.
func (e *Engine) Get(ctx context.Context, q remote.Query) (remote.Snapshot, error) {
	return e.svc.Get(ctx, q)
}

// Set writes value at path. The cache changes when the watch reports it.
func (e *Engine) Set(ctx context.Context, path string, value any) error {
	return e.svc.Set(ctx, path, value)
}

// Update merges values into the object at path.
func (e *Engine) Update(ctx context.Context, path string, values map[string]any) error {
	return e.svc.Update(ctx, path, values)
}

// Push appends value under a generated child key and returns the key.
func (e *Engine) Push(ctx context.Context, path string, value any) (string, error) {
	return e.svc.Push(ctx, path, value)
}

// Remove deletes path.
func (e *Engine) Remove(ctx context.Context, path string) error {
	return e.svc.Remove(ctx, path)
}
