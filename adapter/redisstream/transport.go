package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/xlog"
)

const TransportName = "redis-streams"

var ErrClosed = errors.New("redisstream: transport is closed")

func init() {
	if err := cebus.RegisterTransport(TransportName, func(cfg map[string]any) (cebus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("cebus: failed to register transport %q: %w", TransportName, err))
	}
}

// Transport implements cebus.Transport on Redis Streams consumer groups.
type Transport struct {
	cfg    Config
	client *redis.Client
	logger *xlog.Logger

	closeOnce sync.Once
	closed    atomic.Bool

	// delivery pool to reduce per-message allocations
	dpool sync.Pool

	// metrics for observability
	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	dropped       atomic.Uint64
	claimed       atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ cebus.Transport = (*Transport)(nil)

// NewTransport validates cfg, connects and pings Redis.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:     cfg,
		client:  client,
		logger:  xlog.Default().With(xlog.Str("transport", TransportName)),
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() interface{} { return new(delivery) },
		},
	}

	return t, nil
}

// Publish sends messages to a topic using Redis XADD, pipelined per call.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*cebus.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()

	for _, m := range msgs {
		if m == nil {
			continue
		}
		vals := make(map[string]any, 5+len(m.Metadata))

		if m.ID != "" {
			vals[fieldID] = m.ID
		}
		vals[fieldName] = m.Name
		if m.ContentType != "" {
			vals[fieldContentType] = m.ContentType
		}
		// raw payload bytes (binary-safe, no base64 encoding overhead)
		vals[fieldPayload] = m.Payload
		vals[fieldProducedAt] = m.ProducedAt.UnixNano()

		// Flatten metadata to avoid nested map allocations
		for k, v := range m.Metadata {
			vals[fieldMetaPrefix+k] = v
		}

		args := &redis.XAddArgs{
			Stream: topic,
			ID:     "*", // Let Redis generate ID
			Values: vals,
		}

		// Approximate trimming to keep stream bounded
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}

		pipe.XAdd(ctx, args)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return err
	}

	t.metrics.published.Add(uint64(len(msgs)))
	return nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Subscribe reads the topic stream as consumer group group. A poller and an
// optional claim loop feed a pool of Concurrency workers.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(cebus.Delivery)) (cebus.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, topic, group, t.cfg.StartID).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %q on %q: %w", group, topic, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	workers := max(1, t.cfg.Concurrency)
	workCh := make(chan cebus.Delivery, workers*2)

	var workerWG sync.WaitGroup
	for i := 0; i < workers; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			for d := range workCh {
				handler(d)
				if md, ok := d.(*delivery); ok {
					t.releaseDelivery(md)
				}
			}
		}()
	}

	// workCh is closed only after every producer has returned.
	var producerWG sync.WaitGroup
	producerWG.Add(1)
	go func() {
		defer producerWG.Done()
		t.pollerLoop(innerCtx, topic, group, workCh)
	}()
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		producerWG.Add(1)
		go func() {
			defer producerWG.Done()
			t.claimLoop(innerCtx, topic, group, workCh)
		}()
	}
	go func() {
		producerWG.Wait()
		close(workCh)
	}()

	return &subscription{
		close: func() error {
			cancel()
			producerWG.Wait()
			workerWG.Wait()
			return nil
		},
	}, nil
}

// pollerLoop reads from Redis Streams and distributes messages to workers.
func (t *Transport) pollerLoop(ctx context.Context, topic, group string, workCh chan<- cebus.Delivery) {
	streams := []string{topic, ">"}
	xArgs := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  streams,
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
		NoAck:    false,
	}

	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5

	for {
		// Fast exit on context cancellation
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}

			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = time.Millisecond * 100
				continue
			}

			// Transient error: exponential backoff with jitter
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		// Reset backoff on successful read
		backoff = time.Millisecond * 100

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if !t.dispatch(ctx, topic, group, msg, workCh) {
					return
				}
			}
		}
	}
}

// dispatch hands one stream entry to the workers. It reports false once ctx is done.
func (t *Transport) dispatch(ctx context.Context, topic, group string, msg redis.XMessage, workCh chan<- cebus.Delivery) bool {
	d := t.newDelivery()
	d.t = t
	d.topic = topic
	d.group = group
	d.id = msg.ID
	d.msg = decodeMessage(msg.ID, msg.Values)
	d.onceAck = &sync.Once{}

	t.metrics.consumed.Add(1)

	select {
	case workCh <- d:
		return true
	case <-ctx.Done():
		t.releaseDelivery(d)
		return false
	}
}

// newDelivery gets a delivery from the pool or allocates a new one.
func (t *Transport) newDelivery() *delivery {
	d := t.dpool.Get().(*delivery)

	// Reset fields
	d.t = nil
	d.topic = ""
	d.group = ""
	d.id = ""
	d.msg = nil
	d.onceAck = nil

	return d
}

// releaseDelivery returns a delivery to the pool after clearing references.
func (t *Transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}

	// Clear references to aid GC
	d.t = nil
	d.msg = nil
	d.topic = ""
	d.group = ""
	d.id = ""
	d.onceAck = nil

	t.dpool.Put(d)
}

// claimLoop periodically claims pending messages from dead consumers.
// Enables automatic recovery from consumer crashes.
// Claimed entries are fed to the subscription workers like fresh ones.
func (t *Transport) claimLoop(ctx context.Context, topic, group string, workCh chan<- cebus.Delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(max(1, t.cfg.ClaimBatch))
	minIdle := t.cfg.ClaimMinIdle
	consumer := t.cfg.Consumer

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Get pending messages that haven't been acked and are idle > minIdle
		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: topic,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.Nil) {
				continue
			}
			continue
		}

		if len(pending) == 0 {
			continue
		}

		// Claim these messages (reassign to this consumer)
		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}

		claimed, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			continue
		}
		for _, msg := range claimed {
			t.metrics.claimed.Add(1)
			if !t.dispatch(ctx, topic, group, msg, workCh) {
				return
			}
		}
	}
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	Dropped       uint64
	Claimed       uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		Dropped:       t.metrics.dropped.Load(),
		Claimed:       t.metrics.claimed.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

// Client exposes the underlying Redis client (health checks, admin tooling).
func (t *Transport) Client() *redis.Client { return t.client }

// Close gracefully shuts down the transport.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}

	return t.client.Close()
}

// Helper functions

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
