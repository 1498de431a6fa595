package redisstream

import (
	"time"

	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Option configures the cebus.Bus construction when calling Use.
type Option func(*cebus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *cebus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *cebus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *cebus.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...cebus.Middleware) Option {
	return func(b *cebus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *cebus.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...cebus.Observer) Option {
	return func(b *cebus.BusBuilder) { b.WithObserver(obs...) }
}

// WithCodecInstance installs a ready codec such as a cloudevents.Serializer.
func WithCodecInstance(c cebus.Codec) Option {
	return func(b *cebus.BusBuilder) { b.WithCodecInstance(c) }
}

// WithObserverPool sizes the async observer pool.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *cebus.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
