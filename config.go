package nest

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/nest/pkg/batch"
	"github.com/vango-dev/nest/pkg/metrics"
)

// Config configures an Engine. The zero value is usable.
type Config struct {
	// Queue is the batching policy for cache mutations.
	// Default: 20ms quiet period, 100 pending calls.
	Queue batch.Config

	// CancelDelay postpones every cancellation by this long, keeping the
	// released data visible until a replacement subscription loads.
	// Default: 0 (cancel immediately).
	CancelDelay time.Duration

	// RetainSlots keeps cache slots after their last subscriber leaves.
	// Descriptor.KeepSlot does the same for one key.
	RetainSlots bool

	// Logger is the structured logger for the engine.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics records engine metrics. Nil disables them.
	Metrics *metrics.Collector

	// TracerProvider creates the engine tracer.
	// If nil, the global OpenTelemetry provider is used.
	TracerProvider trace.TracerProvider

	// Hooks observe the subscription lifecycle.
	Hooks Hooks
}

// Hooks are lifecycle callbacks. They are queued with the cache mutations
// and delivered in order after the drain that contains them, so the watch
// they report on is already open or closed when any of them runs. Only
// their relative order tells the Will and done notices apart.
type Hooks struct {
	// OnWillSubscribe is queued when a new key is acquired, ahead of
	// OnSubscribed for the same key.
	OnWillSubscribe func(d Descriptor)

	// OnSubscribed is queued once the watch for a new key was opened.
	OnSubscribed func(d Descriptor)

	// OnWillUnsubscribe is queued when the last reference on a key is
	// released, ahead of OnUnsubscribed for the same key.
	OnWillUnsubscribe func(key string)

	// OnUnsubscribed is queued once the watch for a key was closed.
	OnUnsubscribed func(key string)

	// OnDataApplied is called after an event was written to the cache.
	OnDataApplied func(d Data)
}

func (c Config) withDefaults() Config {
	c.Queue = c.Queue.Normalize()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.CancelDelay < 0 {
		c.CancelDelay = 0
	}
	return c
}
