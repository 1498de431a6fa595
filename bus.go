package cebus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)

// Bus is the central Facade handling publish/subscribe against a Transport.
type Bus struct {
	transport    Transport
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

// busMetrics uses lock-free atomics for telemetry.
type busMetrics struct {
	publishCount atomic.Uint64
	consumeCount atomic.Uint64
	ackCount     atomic.Uint64
	nackCount    atomic.Uint64
	errorCount   atomic.Uint64
	processingNs atomic.Int64
}

// Codec returns the configured codec (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Logger returns the bus logger.
func (b *Bus) Logger() *xlog.Logger { return b.logger }

// Publish encodes and sends a payload to a topic as an event name.
// An empty eventName is derived from the codec when it implements TypeNamer
// (the CloudEvents codec returns the registered tag).
func (b *Bus) Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	if payload == nil {
		return ErrInvalidPayload
	}

	msg, err := b.encode(eventName, payload, meta)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return err
	}
	b.metrics.publishCount.Add(1)

	start := b.clock.Now()
	b.notify(Event{Type: PublishStart, Topic: topic, EventName: msg.Name})

	err = b.transport.Publish(ctx, topic, msg)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notify(Event{
		Type:      PublishDone,
		Topic:     topic,
		MessageID: msg.ID,
		EventName: msg.Name,
		Duration:  duration,
		Err:       err,
	})
	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

// PublishBatch encodes all events before sending any of them, then hands the
// batch to the transport in a single call.
func (b *Bus) PublishBatch(ctx context.Context, topic string, events ...PublishEvent) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if len(events) == 0 {
		return nil
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	for _, evt := range events {
		if evt.Payload == nil {
			return ErrInvalidPayload
		}
	}

	msgs := make([]*Message, len(events))
	for i := range events {
		msg, err := b.encode(events[i].Name, events[i].Payload, events[i].Meta)
		if err != nil {
			b.metrics.errorCount.Add(1)
			return fmt.Errorf("cebus: batch event %d: %w", i, err)
		}
		msgs[i] = msg
	}
	b.metrics.publishCount.Add(uint64(len(msgs)))

	b.notify(Event{Type: PublishStart, Topic: topic, EventName: "batch"})
	start := b.clock.Now()

	err := b.transport.Publish(ctx, topic, msgs...)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notify(Event{
		Type:      PublishDone,
		Topic:     topic,
		EventName: "batch",
		Duration:  duration,
		Err:       err,
	})
	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

func (b *Bus) encode(name string, payload any, meta map[string]string) (*Message, error) {
	if name == "" {
		n, ok := b.codec.(TypeNamer)
		if !ok {
			return nil, ErrInvalidEventName
		}
		derived, err := n.TypeName(payload)
		if err != nil {
			return nil, err
		}
		name = derived
	}
	data, err := b.codec.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		Name:       name,
		Payload:    data,
		Metadata:   meta,
		ProducedAt: b.clock.Now(),
	}
	if ct, ok := b.codec.(ContentTyper); ok {
		msg.ContentType = ct.ContentType()
	}
	return msg, nil
}

// Subscribe registers a handler under a consumer group for a topic.
// The handler is wrapped with recovery and the configured middlewares, and
// receives a context carrying the bus codec, logger, clock and the
// subscription's topic and group.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	wh := Chain(RecoveryMiddleware()(handler), b.middlewares...)
	hctx := withSubscription(InjectAll(ctx, b.codec, b.logger, b.clock), topic, group)

	return b.transport.Subscribe(ctx, topic, group, func(d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Warn().Msg("cebus: delivery panic (recovered)")
				b.metrics.errorCount.Add(1)
				_ = d.Nack(context.Background(), ErrHandlerPanic)
			}
		}()

		b.metrics.consumeCount.Add(1)
		msg := d.Message()
		b.notify(Event{
			Type:      ConsumeStart,
			Topic:     topic,
			Group:     group,
			MessageID: msg.ID,
			EventName: msg.Name,
		})

		start := b.clock.Now()
		err := wh(hctx, msg)
		duration := b.clock.Since(start)
		b.recordProcessingTime(duration.Nanoseconds())

		b.notify(Event{
			Type:      ConsumeDone,
			Topic:     topic,
			Group:     group,
			MessageID: msg.ID,
			EventName: msg.Name,
			Duration:  duration,
			Err:       err,
		})

		if err == nil {
			b.metrics.ackCount.Add(1)
			b.ackWithTimeout(hctx, d, true, nil)
			b.notify(Event{Type: Ack, Topic: topic, Group: group, MessageID: msg.ID, EventName: msg.Name})
			return
		}

		b.metrics.nackCount.Add(1)
		b.ackWithTimeout(hctx, d, false, err)
		b.notify(Event{Type: Nack, Topic: topic, Group: group, MessageID: msg.ID, EventName: msg.Name, Err: err})
	})
}

// ackWithTimeout handles ack/nack with configurable timeout.
func (b *Bus) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := context.WithoutCancel(ctx)
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(actx, b.ackTimeout)
	}
	defer cancel()

	var err error
	if ack {
		err = d.Ack(actx)
	} else {
		err = d.Nack(actx, reason)
	}
	if err != nil {
		b.metrics.errorCount.Add(1)
		b.notify(Event{Type: Error, MessageID: d.Message().ID, Err: fmt.Errorf("cebus: settle delivery: %w", err)})
	}
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Published:           b.metrics.publishCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health reports "unhealthy" once closed and "degraded" above a 5% error rate.
func (b *Bus) Health(_ context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: now,
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"
	total := metrics.Published + metrics.Consumed
	if metrics.Errors > 0 && total > 0 {
		if float64(metrics.Errors)/float64(total) > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: now,
	}
}

// Close gracefully shuts down the bus. It is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("cebus: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("cebus: transport close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer. Observers of non-comparable types
// (such as ObserverFunc) cannot be identified and are left in place.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if reflect.TypeOf(o).Comparable() && o == obs {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			break
		}
	}
}

// notify dispatches through the observer pool when one is configured,
// synchronously otherwise.
func (b *Bus) notify(e Event) {
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	if b.observerPool != nil {
		if !b.closed.Load() {
			b.observerPool.Notify(e, observers)
		}
		return
	}
	for _, o := range observers {
		o.OnEvent(e)
	}
}

// recordProcessingTime keeps an exponential moving average of processing time.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	b.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
