package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus with the in-memory transport and installs it as the
// process-wide default.
//
// Example:
//
//	bus := memory.Use(memory.Config{
//	    BufferSize:      4096,
//	    Concurrency:     8,
//	    MaxRedeliveries: 3,
//	    DeadLetter:      "orders.dlq",
//	    AssignIDs:       true,
//	},
//	    memory.WithLogger(logger),
//	    memory.WithCodecInstance(serializer),
//	)
func Use(cfg Config, opts ...Option) *cebus.Bus {
	bb := cebus.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	cebus.SetDefault(bus)
	return bus
}

// Option configures the cebus.Bus when calling Use.
type Option func(*cebus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *cebus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *cebus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *cebus.BusBuilder) { b.WithCodec(name) }
}

// WithCodecInstance installs a ready codec such as a cloudevents.Serializer.
func WithCodecInstance(c cebus.Codec) Option {
	return func(b *cebus.BusBuilder) { b.WithCodecInstance(c) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
func WithMiddleware(mw ...cebus.Middleware) Option {
	return func(b *cebus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *cebus.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...cebus.Observer) Option {
	return func(b *cebus.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool sizes the async observer pool; workers <= 0 notifies synchronously.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *cebus.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
