package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/xlog"
)

const TransportName = "nats"

// Header names carrying cebus.Message fields.
const (
	HeaderID          = "Cebus-Id"
	HeaderName        = "Cebus-Name"
	HeaderContentType = "Content-Type"
	HeaderProducedAt  = "Cebus-Produced-At"
	HeaderMetaPrefix  = "Cebus-Meta-"
)

var ErrClosed = errors.New("nats transport is closed")

func init() {
	if err := cebus.RegisterTransport(TransportName, func(cfg map[string]any) (cebus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("cebus/nats: failed to register transport: %w", err))
	}
}

// Transport implements cebus.Transport on a NATS connection.
type Transport struct {
	cfg  Config
	conn *nats.Conn

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

// NewTransport connects to the NATS server.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := xlog.Default().With(xlog.Str("transport", TransportName))
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Transport{
		cfg:  cfg,
		conn: conn,
		subs: make(map[*subscription]struct{}),
	}, nil
}

// Publish sends each message on the topic subject and flushes once.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*cebus.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.conn.PublishMsg(toNatsMsg(topic, m)); err != nil {
			t.metrics.publishErrors.Add(1)
			return fmt.Errorf("nats publish %q: %w", topic, err)
		}
		t.metrics.published.Add(1)
	}
	if t.cfg.FlushTimeout > 0 {
		if err := t.conn.FlushTimeout(t.cfg.FlushTimeout); err != nil {
			return fmt.Errorf("nats flush: %w", err)
		}
	}
	return nil
}

// Subscribe joins the group's queue on the topic subject.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(cebus.Delivery)) (cebus.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	msgCh := make(chan *nats.Msg, t.cfg.BufferSize)
	ns, err := t.conn.QueueSubscribeSyncWithChan(topic, group, msgCh)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %q/%q: %w", topic, group, err)
	}

	innerCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{t: t, ns: ns, cancel: cancel}
	for i := 0; i < t.cfg.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			t.worker(innerCtx, msgCh, handler)
		}()
	}

	t.subsMu.Lock()
	t.subs[sub] = struct{}{}
	t.subsMu.Unlock()
	return sub, nil
}

func (t *Transport) worker(ctx context.Context, msgCh <-chan *nats.Msg, handler func(cebus.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case nm, ok := <-msgCh:
			if !ok {
				return
			}
			t.metrics.consumed.Add(1)
			handler(&delivery{t: t, msg: fromNatsMsg(nm)})
		}
	}
}

// Close unsubscribes everything and drains the connection.
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
	t.conn.Close()
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

func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
	}
}

type subscription struct {
	t      *Transport
	ns     *nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	err    error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		if err := s.ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			s.err = err
		}
		s.cancel()
		s.wg.Wait()

		s.t.subsMu.Lock()
		delete(s.t.subs, s)
		s.t.subsMu.Unlock()
	})
	return s.err
}

type delivery struct {
	t    *Transport
	msg  *cebus.Message
	once sync.Once
}

func (d *delivery) Message() *cebus.Message { return d.msg }

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() { d.t.metrics.acked.Add(1) })
	return nil
}

// Nack is recorded only; core NATS cannot redeliver.
func (d *delivery) Nack(_ context.Context, _ error) error {
	d.once.Do(func() { d.t.metrics.nacked.Add(1) })
	return nil
}

func toNatsMsg(subject string, m *cebus.Message) *nats.Msg {
	h := nats.Header{}
	if m.ID != "" {
		h.Set(HeaderID, m.ID)
	}
	if m.Name != "" {
		h.Set(HeaderName, m.Name)
	}
	if m.ContentType != "" {
		h.Set(HeaderContentType, m.ContentType)
	}
	if !m.ProducedAt.IsZero() {
		h.Set(HeaderProducedAt, strconv.FormatInt(m.ProducedAt.UnixNano(), 10))
	}
	for k, v := range m.Metadata {
		h.Set(HeaderMetaPrefix+k, v)
	}
	return &nats.Msg{Subject: subject, Data: m.Payload, Header: h}
}

func fromNatsMsg(nm *nats.Msg) *cebus.Message {
	m := &cebus.Message{Payload: nm.Data}
	if nm.Header == nil {
		return m
	}
	m.ID = nm.Header.Get(HeaderID)
	m.Name = nm.Header.Get(HeaderName)
	m.ContentType = nm.Header.Get(HeaderContentType)
	if ns, err := strconv.ParseInt(nm.Header.Get(HeaderProducedAt), 10, 64); err == nil {
		m.ProducedAt = time.Unix(0, ns).UTC()
	}
	for k, vs := range nm.Header {
		key, ok := strings.CutPrefix(k, HeaderMetaPrefix)
		if !ok || len(vs) == 0 {
			continue
		}
		if m.Metadata == nil {
			m.Metadata = make(map[string]string)
		}
		m.Metadata[key] = vs[0]
	}
	return m
}
