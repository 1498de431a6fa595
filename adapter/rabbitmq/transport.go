package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/trickstertwo/cebus"
)

const TransportName = "rabbitmq"

var ErrClosed = errors.New("rabbitmq transport is closed")

func init() {
	if err := cebus.RegisterTransport(TransportName, func(cfg map[string]any) (cebus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("cebus/rabbitmq: failed to register transport: %w", err))
	}
}

// Transport implements cebus.Transport on a RabbitMQ exchange.
type Transport struct {
	cfg  Config
	conn *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel

	closed atomic.Bool
	subsMu sync.Mutex
	subs   map[*subscription]struct{}

	metrics transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	publishErrors atomic.Uint64
}

var _ cebus.Transport = (*Transport)(nil)

// NewTransport dials the broker and declares the exchange.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := declareExchanges(ch, cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Transport{
		cfg:   cfg,
		conn:  conn,
		pubCh: ch,
		subs:  make(map[*subscription]struct{}),
	}, nil
}

func declareExchanges(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, cfg.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}
	if cfg.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, "fanout", cfg.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange %q: %w", cfg.DeadLetterExchange, err)
		}
	}
	return nil
}

// Publish sends each message to the exchange with the topic as routing key.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*cebus.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.PublishTimeout)
		defer cancel()
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if err := t.pubCh.PublishWithContext(ctx, t.cfg.Exchange, topic, false, false, toPublishing(m, t.cfg.Durable)); err != nil {
			t.metrics.publishErrors.Add(1)
			return fmt.Errorf("rabbitmq publish %q: %w", topic, err)
		}
		t.metrics.published.Add(1)
	}
	return nil
}

// Subscribe declares the group queue, binds it to topic and consumes it
// with Concurrency workers on a dedicated channel.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(cebus.Delivery)) (cebus.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	deliveries, err := t.consume(ch, topic, group)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	innerCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{t: t, ch: ch, cancel: cancel}

	for i := 0; i < t.cfg.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			t.worker(innerCtx, deliveries, handler)
		}()
	}

	t.subsMu.Lock()
	t.subs[sub] = struct{}{}
	t.subsMu.Unlock()
	return sub, nil
}

func (t *Transport) consume(ch *amqp.Channel, topic, group string) (<-chan amqp.Delivery, error) {
	if t.cfg.PrefetchCount > 0 {
		if err := ch.Qos(t.cfg.PrefetchCount, 0, false); err != nil {
			return nil, fmt.Errorf("rabbitmq qos: %w", err)
		}
	}

	queue := QueueName(group, topic)
	var args amqp.Table
	if t.cfg.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": t.cfg.DeadLetterExchange}
	}
	q, err := ch.QueueDeclare(queue, t.cfg.Durable, false, false, false, args)
	if err != nil {
		return nil, fmt.Errorf("declare queue %q: %w", queue, err)
	}
	if err := ch.QueueBind(q.Name, topic, t.cfg.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %q to %q: %w", q.Name, topic, err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", q.Name, err)
	}
	return deliveries, nil
}

func (t *Transport) worker(ctx context.Context, deliveries <-chan amqp.Delivery, handler func(cebus.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			t.metrics.consumed.Add(1)
			handler(&delivery{
				t:       t,
				msg:     fromDelivery(d),
				ack:     d.Ack,
				nack:    d.Nack,
				requeue: t.cfg.requeueOnNack(),
			})
		}
	}
}

// Close stops all subscriptions and closes the connection.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.subsMu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subsMu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	t.pubMu.Lock()
	if err := t.pubCh.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	t.pubMu.Unlock()

	if err := t.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	PublishErrors uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
	}
}

// QueueName is the queue a consumer group reads topic from.
func QueueName(group, topic string) string {
	return group + "." + topic
}

type subscription struct {
	t      *Transport
	ch     *amqp.Channel
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	err    error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		// closing the channel closes the deliveries chan and releases workers
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			s.err = err
		}
		s.wg.Wait()

		s.t.subsMu.Lock()
		delete(s.t.subs, s)
		s.t.subsMu.Unlock()
	})
	return s.err
}
