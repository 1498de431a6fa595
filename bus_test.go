package cebus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/cebus/adapter/memory"
	"github.com/trickstertwo/cebus/cloudevents"
)

type UserLoggedIn struct {
	UserID int `json:"userId"`
}

type OrderPlaced struct {
	OrderID string `json:"orderId"`
}

const deadLetter = "accounts.dlq"

func newCloudEventsBus(t *testing.T, opts ...func(*cebus.BusBuilder)) (*cebus.Bus, *cloudevents.Serializer, *memory.Transport) {
	t.Helper()
	cfg := memory.Defaults()
	cfg.Concurrency = 4
	cfg.DeadLetter = deadLetter
	tr := memory.NewTransport(cfg)

	bb := cebus.NewBusBuilder().
		WithTransportInstance(tr).
		WithObserverPool(0, 0)
	ser, err := cloudevents.UseCloudEvents(bb,
		cloudevents.WithType[UserLoggedIn]("loggedIn"),
		cloudevents.WithSource("urn:accounts"),
	)
	require.NoError(t, err)
	for _, o := range opts {
		o(bb)
	}

	bus, err := bb.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus, ser, tr
}

func TestBus_PublishDerivesNameAndContentType(t *testing.T) {
	bus, _, _ := newCloudEventsBus(t)

	got := make(chan *cebus.Message, 1)
	_, err := bus.Subscribe(t.Context(), "users", "audit", func(_ context.Context, msg *cebus.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(t.Context(), "users", "", UserLoggedIn{UserID: 1234}, map[string]string{"tenant": "acme"}))

	select {
	case msg := <-got:
		assert.Equal(t, "loggedIn", msg.Name)
		assert.Equal(t, cloudevents.MediaType, msg.ContentType)
		assert.Equal(t, "acme", msg.Metadata["tenant"])
		assert.NotEmpty(t, msg.ID)
		assert.JSONEq(t, `{"userId":1234}`, string(mustDecode(t, msg.Payload).Data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func mustDecode(t *testing.T, b []byte) cloudevents.Envelope {
	t.Helper()
	c, err := cloudevents.NewEnvelopeCodec("", nil)
	require.NoError(t, err)
	env, err := c.Decode(b)
	require.NoError(t, err)
	return env
}

func TestBus_PublishUnregisteredTypeFails(t *testing.T) {
	bus, _, tr := newCloudEventsBus(t)

	err := bus.Publish(t.Context(), "orders", "", OrderPlaced{OrderID: "o-1"}, nil)
	var unreg *cloudevents.UnregisteredTypeError
	require.True(t, errors.As(err, &unreg))

	err = bus.PublishBatch(t.Context(), "users",
		cebus.PublishEvent{Payload: UserLoggedIn{UserID: 1}},
		cebus.PublishEvent{Payload: OrderPlaced{OrderID: "o-2"}},
	)
	assert.ErrorContains(t, err, "batch event 1")
	assert.Equal(t, uint64(0), tr.Stats().Published)
	assert.Equal(t, uint64(2), bus.GetMetrics().Errors)
}

func TestBus_UnknownTypeIsNackedAndLaterMessagesFlow(t *testing.T) {
	var nacks []error
	var mu sync.Mutex
	bus, ser, tr := newCloudEventsBus(t, func(bb *cebus.BusBuilder) {
		bb.WithObserver(cebus.ObserverFunc(func(e cebus.Event) {
			if e.Type == cebus.Nack {
				mu.Lock()
				nacks = append(nacks, e.Err)
				mu.Unlock()
			}
		}))
	})

	dead := make(chan *cebus.Message, 1)
	_, err := tr.Subscribe(t.Context(), deadLetter, "ops", func(d cebus.Delivery) {
		dead <- d.Message()
		_ = d.Ack(context.Background())
	})
	require.NoError(t, err)

	got := make(chan UserLoggedIn, 4)
	router := cebus.NewRouter(ser)
	require.NoError(t, cebus.On(router, func(_ context.Context, evt UserLoggedIn) error {
		got <- evt
		return nil
	}))
	_, err = bus.Subscribe(t.Context(), "users", "audit", router.Handler())
	require.NoError(t, err)

	// a producer that knows a type this consumer does not
	unknown, err := ser.Envelopes().Encode("accountClosed", []byte(`{"accountId":"a-1"}`), "application/json")
	require.NoError(t, err)
	require.NoError(t, tr.Publish(t.Context(), "users", &cebus.Message{
		Name:        "accountClosed",
		ContentType: cloudevents.MediaType,
		Payload:     unknown,
	}))
	require.NoError(t, bus.Publish(t.Context(), "users", "", UserLoggedIn{UserID: 7}, nil))

	select {
	case evt := <-got:
		assert.Equal(t, UserLoggedIn{UserID: 7}, evt)
	case <-time.After(2 * time.Second):
		t.Fatal("later message was not processed")
	}

	select {
	case msg := <-dead:
		assert.Equal(t, "accountClosed", msg.Name)
		assert.Equal(t, unknown, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("unknown type was not dead-lettered")
	}

	assert.Eventually(t, func() bool {
		m := bus.GetMetrics()
		return m.Nacked == 1 && m.Acked == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, nacks, 1)
	var unsupported *cloudevents.UnsupportedMessageTypeError
	require.True(t, errors.As(nacks[0], &unsupported))
	assert.Equal(t, "accountClosed", unsupported.UnknownType())
	assert.True(t, cebus.IsPermanent(nacks[0]))
}

func TestBus_DropUnknownAcks(t *testing.T) {
	bus, ser, tr := newCloudEventsBus(t)

	router := cebus.NewRouter(ser, cebus.WithUnknownPolicy(cebus.DropUnknown))
	require.NoError(t, cebus.On(router, func(context.Context, UserLoggedIn) error { return nil }))
	_, err := bus.Subscribe(t.Context(), "users", "audit", router.Handler())
	require.NoError(t, err)

	unknown, err := ser.Envelopes().Encode("accountClosed", []byte(`{}`), "application/json")
	require.NoError(t, err)
	require.NoError(t, tr.Publish(t.Context(), "users", &cebus.Message{Payload: unknown}))

	assert.Eventually(t, func() bool { return tr.Stats().Acked == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), bus.GetMetrics().Nacked)
	assert.Equal(t, uint64(0), tr.Stats().DeadLettered)
}

func TestBus_ConcurrentPublishersAndWorkers(t *testing.T) {
	bus, ser, _ := newCloudEventsBus(t)

	const publishers, perPublisher = 8, 50
	var received atomic.Int32
	seen := sync.Map{}

	router := cebus.NewRouter(ser)
	require.NoError(t, cebus.On(router, func(_ context.Context, evt UserLoggedIn) error {
		seen.Store(evt.UserID, true)
		received.Add(1)
		return nil
	}))
	_, err := bus.Subscribe(t.Context(), "users", "audit", router.Handler())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				assert.NoError(t, bus.Publish(context.Background(), "users", "", UserLoggedIn{UserID: p*perPublisher + i}, nil))
			}
		}(p)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return received.Load() == publishers*perPublisher }, 5*time.Second, 10*time.Millisecond)
	for id := 0; id < publishers*perPublisher; id++ {
		_, ok := seen.Load(id)
		assert.True(t, ok, fmt.Sprintf("user %d missing", id))
	}
}

func TestBus_EmptyNameWithoutTypeNamer(t *testing.T) {
	bus, closeBus, err := cebus.New(func(b *cebus.BusBuilder) {
		b.WithTransport(memory.TransportName, nil)
	})
	require.NoError(t, err)
	defer closeBus()

	assert.ErrorIs(t, bus.Publish(t.Context(), "users", "", UserLoggedIn{}, nil), cebus.ErrInvalidEventName)
	assert.ErrorIs(t, bus.Publish(t.Context(), "", "loggedIn", UserLoggedIn{}, nil), cebus.ErrInvalidTopic)
	assert.ErrorIs(t, bus.Publish(t.Context(), "users", "loggedIn", nil, nil), cebus.ErrInvalidPayload)
	assert.Equal(t, "json", bus.Codec().Name())
}

func TestBus_ClosedAndHealth(t *testing.T) {
	bus, _, _ := newCloudEventsBus(t)
	assert.Equal(t, "healthy", bus.Health(t.Context()).Status)

	require.NoError(t, bus.Close(t.Context()))
	require.NoError(t, bus.Close(t.Context()))

	assert.ErrorIs(t, bus.Publish(t.Context(), "users", "", UserLoggedIn{}, nil), cebus.ErrBusClosed)
	_, err := bus.Subscribe(t.Context(), "users", "audit", func(context.Context, *cebus.Message) error { return nil })
	assert.ErrorIs(t, err, cebus.ErrBusClosed)
	assert.Equal(t, "unhealthy", bus.Health(t.Context()).Status)
}

func TestBuilder_Errors(t *testing.T) {
	_, err := cebus.NewBusBuilder().Build()
	assert.ErrorIs(t, err, cebus.ErrNoTransportConfigured)

	_, err = cebus.NewBusBuilder().WithTransport("carrier-pigeon", nil).Build()
	var unknown cebus.ErrUnknownTransport
	assert.True(t, errors.As(err, &unknown))

	_, err = cebus.NewBusBuilder().WithTransport(memory.TransportName, nil).WithCodec("nope").Build()
	assert.Error(t, err)

	assert.Contains(t, cebus.Transports(), memory.TransportName)
}
