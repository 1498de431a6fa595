package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/cebus/cloudevents"
)

// UserLoggedIn is a sample domain event.
type UserLoggedIn struct {
	UserID int `json:"userId"`
}

func testConfig(t *testing.T) Config {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := Defaults()
	cfg.Addr = mr.Addr()
	cfg.Consumer = "test-consumer"
	cfg.Concurrency = 2
	cfg.Block = 50 * time.Millisecond
	return cfg
}

func newTestTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestPublish_WritesEntryFields(t *testing.T) {
	tr := newTestTransport(t, testConfig(t))
	ctx := t.Context()

	produced := time.Now()
	msg := &cebus.Message{
		ID:          "evt-1",
		Name:        "loggedIn",
		ContentType: "application/cloudevents+json",
		Payload:     []byte(`{"specversion":"1.0"}`),
		Metadata:    map[string]string{"tenant": "acme"},
		ProducedAt:  produced,
	}
	require.NoError(t, tr.Publish(ctx, "users", msg))

	entries, err := tr.Client().XRange(ctx, "users", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := decodeMessage(entries[0].ID, entries[0].Values)
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, "loggedIn", got.Name)
	assert.Equal(t, "application/cloudevents+json", got.ContentType)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, "acme", got.Metadata["tenant"])
	assert.Equal(t, produced.UnixNano(), got.ProducedAt.UnixNano())
	assert.Equal(t, uint64(1), tr.Stats().Published)
}

func TestPublish_Batch(t *testing.T) {
	tr := newTestTransport(t, testConfig(t))
	ctx := t.Context()

	msgs := make([]*cebus.Message, 50)
	for i := range msgs {
		msgs[i] = &cebus.Message{Name: "evt", Payload: []byte(fmt.Sprintf(`{"n":%d}`, i))}
	}
	require.NoError(t, tr.Publish(ctx, "batch", msgs...))

	n, err := tr.Client().XLen(ctx, "batch").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

func TestSubscribe_ConsumesAndAcks(t *testing.T) {
	cfg := testConfig(t)
	tr := newTestTransport(t, cfg)
	ctx := t.Context()

	const total = 20
	var received atomic.Int32
	done := make(chan struct{})
	var once sync.Once

	sub, err := tr.Subscribe(ctx, "orders", "billing", func(d cebus.Delivery) {
		assert.NoError(t, d.Ack(context.Background()))
		if received.Add(1) == total {
			once.Do(func() { close(done) })
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < total; i++ {
		require.NoError(t, tr.Publish(ctx, "orders", &cebus.Message{Name: "evt", Payload: []byte("x")}))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("consumed %d/%d", received.Load(), total)
	}

	assert.Eventually(t, func() bool { return tr.Stats().Acked == total }, 2*time.Second, 10*time.Millisecond)
	pending, err := tr.Client().XPending(ctx, "orders", "billing").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestNack_WritesToDeadLetter(t *testing.T) {
	cfg := testConfig(t)
	cfg.DeadLetter = "orders-dlq"
	tr := newTestTransport(t, cfg)
	ctx := t.Context()

	nacked := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "orders", "billing", func(d cebus.Delivery) {
		assert.NoError(t, d.Nack(context.Background(), errors.New("unknown type")))
		close(nacked)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "orders", &cebus.Message{
		ID:          "evt-9",
		Name:        "accountClosed",
		ContentType: "application/cloudevents+json",
		Payload:     []byte("{}"),
	}))

	select {
	case <-nacked:
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	entries, err := tr.Client().XRange(ctx, "orders-dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	vals := entries[0].Values
	assert.Equal(t, "orders", vals[fieldOrigTopic])
	assert.Equal(t, "unknown type", vals[fieldError])
	assert.Equal(t, "application/cloudevents+json", vals[fieldContentType])
	assert.Equal(t, "evt-9", vals[fieldID])

	pending, err := tr.Client().XPending(ctx, "orders", "billing").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
	assert.Equal(t, uint64(1), tr.Stats().DeadLettered)
}

func TestNack_WithoutDeadLetterStaysPending(t *testing.T) {
	tr := newTestTransport(t, testConfig(t))
	ctx := t.Context()

	nacked := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "orders", "billing", func(d cebus.Delivery) {
		_ = d.Nack(context.Background(), errors.New("boom"))
		close(nacked)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "orders", &cebus.Message{Name: "evt", Payload: []byte("x")}))

	select {
	case <-nacked:
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	pending, err := tr.Client().XPending(ctx, "orders", "billing").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestNack_PermanentWithoutDeadLetterAcks(t *testing.T) {
	tr := newTestTransport(t, testConfig(t))
	ctx := t.Context()

	nacked := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "orders", "billing", func(d cebus.Delivery) {
		assert.NoError(t, d.Nack(context.Background(), cebus.Permanent(errors.New("unknown type"))))
		close(nacked)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "orders", &cebus.Message{Name: "accountClosed", Payload: []byte("x")}))

	select {
	case <-nacked:
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	pending, err := tr.Client().XPending(ctx, "orders", "billing").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	st := tr.Stats()
	assert.Equal(t, uint64(1), st.Nacked)
	assert.Equal(t, uint64(1), st.Acked)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, uint64(0), st.DeadLettered)
}

func TestBus_CloudEventsOverRedis(t *testing.T) {
	cfg := testConfig(t)
	ser, err := cloudevents.NewSerializer(
		cloudevents.WithType[UserLoggedIn]("loggedIn"),
		cloudevents.WithSource("urn:accounts"),
	)
	require.NoError(t, err)

	bus, closeBus, err := cebus.New(func(b *cebus.BusBuilder) {
		b.WithTransport(TransportName, cfg.toMap()).
			WithCodecInstance(ser).
			WithObserverPool(0, 0)
	})
	require.NoError(t, err)
	defer closeBus()

	got := make(chan UserLoggedIn, 1)
	router := cebus.NewRouter(ser)
	require.NoError(t, cebus.On(router, func(_ context.Context, evt UserLoggedIn) error {
		got <- evt
		return nil
	}))

	sub, err := bus.Subscribe(t.Context(), "users", "audit", router.Handler())
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(t.Context(), "users", "", UserLoggedIn{UserID: 1234}, nil))

	select {
	case evt := <-got:
		assert.Equal(t, UserLoggedIn{UserID: 1234}, evt)
	case <-time.After(5 * time.Second):
		t.Fatal("event not routed")
	}
}

func TestConfigFromMap(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"addr":           "redis:6379",
		"concurrency":    float64(4),
		"batch_size":     int64(64),
		"block":          "250ms",
		"start_id":       "0",
		"dead_letter":    "dlq",
		"claim_min_idle": "30s",
		"claim_interval": 10 * time.Second,
	})
	assert.Equal(t, "redis:6379", c.Addr)
	assert.Equal(t, 4, c.Concurrency)
	assert.Equal(t, 64, c.BatchSize)
	assert.Equal(t, 250*time.Millisecond, c.Block)
	assert.Equal(t, "0", c.StartID)
	assert.Equal(t, "dlq", c.DeadLetter)
	assert.Equal(t, 30*time.Second, c.ClaimMinIdle)
	assert.Equal(t, 10*time.Second, c.ClaimInterval)
	assert.NoError(t, c.Validate())

	round := ConfigFromMap(Defaults().toMap())
	assert.Equal(t, Defaults(), round)
}

func TestNewTransport_Unreachable(t *testing.T) {
	cfg := Defaults()
	cfg.Addr = "127.0.0.1:1"
	_, err := NewTransport(cfg)
	assert.Error(t, err)

	cfg.Concurrency = 0
	_, err = NewTransport(cfg)
	assert.Error(t, err)
}
