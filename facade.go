package cebus

import (
	"context"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.Mutex
)

// Default returns the process-wide Bus installed by SetDefault (or an adapter's Use).
// It returns nil until one is installed; the package-level facades report
// ErrDefaultBusNotInitialized in that case.
func Default() *Bus {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()
	return defaultBus
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("cebus: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Publish is the Facade using the default bus.
func Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) error {
	b := Default()
	if b == nil {
		return ErrDefaultBusNotInitialized
	}
	return b.Publish(ctx, topic, eventName, payload, meta)
}

// PublishBatch is the Facade using the default bus for batch publishing.
func PublishBatch(ctx context.Context, topic string, events ...PublishEvent) error {
	b := Default()
	if b == nil {
		return ErrDefaultBusNotInitialized
	}
	return b.PublishBatch(ctx, topic, events...)
}

// Subscribe is the Facade using the default bus.
func Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	b := Default()
	if b == nil {
		return nil, ErrDefaultBusNotInitialized
	}
	return b.Subscribe(ctx, topic, group, handler)
}
