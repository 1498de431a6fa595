package redisstream

import (
	"fmt"

	"github.com/trickstertwo/cebus"
)

// Use builds a Bus on Redis Streams, installs it as the process-wide default
// and returns it. Connection failures panic, as at any other startup step.
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
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	cebus.SetDefault(bus)
	return bus
}
