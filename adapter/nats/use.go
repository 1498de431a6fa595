package nats

import (
	"fmt"

	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus on NATS and installs it as the process-wide default.
// It panics when no server is reachable.
//
// Example:
//
//	cfg := nats.Defaults()
//	cfg.URL = "nats://nats:4222"
//	bus := nats.Use(cfg, nats.WithCodecInstance(serializer))
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
		panic(fmt.Errorf("nats.Use: %w", err))
	}

	cebus.SetDefault(bus)
	return bus
}

// Option configures the cebus.Bus when calling Use.
type Option func(*cebus.BusBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *cebus.BusBuilder) { b.WithLogger(l) }
}

// WithCodecInstance installs a ready codec such as a cloudevents.Serializer.
func WithCodecInstance(c cebus.Codec) Option {
	return func(b *cebus.BusBuilder) { b.WithCodecInstance(c) }
}

func WithMiddleware(mw ...cebus.Middleware) Option {
	return func(b *cebus.BusBuilder) { b.WithMiddleware(mw...) }
}
