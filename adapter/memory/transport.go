package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/cebus"
)

const TransportName = "memory"

// Metadata keys stamped on dead-lettered messages.
const (
	MetaDeadLetterReason = "dead_letter_reason"
	MetaOriginalTopic    = "original_topic"
)

var ErrClosed = errors.New("memory transport is closed")

func init() {
	if err := cebus.RegisterTransport(TransportName, func(cfg map[string]any) (cebus.Transport, error) {
		c := ConfigFromMap(cfg)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return NewTransport(c), nil
	}); err != nil {
		panic(fmt.Errorf("cebus/memory: failed to register transport: %w", err))
	}
}

// Transport implements cebus.Transport using in-memory channels (dev/testing).
// Every consumer group of a topic receives each message once; within a group
// the subscription workers compete for it.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic

	closed atomic.Bool
	done   chan struct{}

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	redelivered   atomic.Uint64
	deadLettered  atomic.Uint64
	publishErrors atomic.Uint64
}

var _ cebus.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &Transport{
		cfg:     cfg,
		topics:  make(map[string]*topic),
		done:    make(chan struct{}),
		metrics: &transportMetrics{},
	}
}

// Publish fans out messages to all consumer groups for the topic.
// Topics without subscribers drop the message.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*cebus.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.RLock()
	top, ok := t.topics[topic]
	t.mu.RUnlock()

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = nextID()
		}
		if !ok {
			continue
		}

		top.mu.RLock()
		for _, g := range top.groups {
			task := &deliveryTask{
				tr:        t,
				topic:     topic,
				group:     g,
				msg:       m,
				createdAt: time.Now(),
			}
			select {
			case g.queue <- task:
			case <-ctx.Done():
				top.mu.RUnlock()
				t.metrics.publishErrors.Add(1)
				return ctx.Err()
			}
		}
		top.mu.RUnlock()

		t.metrics.published.Add(1)
	}

	return nil
}

// Subscribe registers a handler for a topic/group with configurable concurrency.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(cebus.Delivery)) (cebus.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	top := t.ensureTopic(topic)
	g := top.ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			// the group queue stays for other subscribers
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(cebus.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case task := <-g.queue:
			if task == nil {
				continue
			}
			t.metrics.consumed.Add(1)
			handler(&memDelivery{task: task})
		}
	}
}

// Close stops all workers and drops queued messages.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)

	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()

	return nil
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Redelivered   uint64
	DeadLettered  uint64
	PublishErrors uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Redelivered:   t.metrics.redelivered.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
	}
}

// deadLetter publishes an exhausted message to the configured dead-letter
// topic with the failure reason attached.
func (t *Transport) deadLetter(ctx context.Context, task *deliveryTask, reason error) {
	t.metrics.deadLettered.Add(1)
	if t.cfg.DeadLetter == "" || t.cfg.DeadLetter == task.topic {
		return
	}
	m := *task.msg
	m.Metadata = maps.Clone(task.msg.Metadata)
	if m.Metadata == nil {
		m.Metadata = make(map[string]string, 2)
	}
	m.Metadata[MetaOriginalTopic] = task.topic
	if reason != nil {
		m.Metadata[MetaDeadLetterReason] = reason.Error()
	}
	_ = t.Publish(ctx, t.cfg.DeadLetter, &m)
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

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name  string
	queue chan *deliveryTask
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{groups: make(map[string]*group)}
	t.topics[name] = tp
	return tp
}

func (tp *topic) ensureGroup(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if g, ok := tp.groups[name]; ok {
		return g
	}
	g := &group{
		name:  name,
		queue: make(chan *deliveryTask, bufferSize),
	}
	tp.groups[name] = g
	return g
}

// Simple monotonic ID generator (not distributed; dev/testing only).
var idSeq atomic.Uint64

func nextID() string {
	return fmt.Sprintf("mem-%d", idSeq.Add(1))
}
